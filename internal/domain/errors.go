package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Pair them with NewSubSystemError so ErrorCodeOf can
// resolve a subsystem-specific code.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrCancelled    = fmt.Errorf("cancelled")
)

// Coordination sentinels.
var (
	ErrNoSuitableAgent     = fmt.Errorf("no suitable agent")
	ErrAssignmentConflict  = fmt.Errorf("assignment conflict")
	ErrDependencyUnmet     = fmt.Errorf("dependency not satisfied")
	ErrStepExecution       = fmt.Errorf("step execution failed")
	ErrExecutorUnavailable = fmt.Errorf("task executor unavailable")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrActivityWrite       = fmt.Errorf("activity log write failed")
)

// Subsystem names used with NewSubSystemError.
const (
	SubSystemRegistry     = "registry"
	SubSystemCoordinator  = "coordinator"
	SubSystemRouting      = "routing"
	SubSystemWorkflow     = "workflow"
	SubSystemCoordination = "coordination"
	SubSystemExecutor     = "executor"
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Coordinator.Assign")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier; used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether a failed step attempt may be retried.
// Cancellation and malformed input are final.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrInvalidInput)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNoSuitableAgent     ErrorCode = "NO_SUITABLE_AGENT"
	CodeAssignmentConflict  ErrorCode = "ASSIGNMENT_CONFLICT"
	CodeDependencyUnmet     ErrorCode = "DEPENDENCY_UNMET"
	CodeStepExecution       ErrorCode = "STEP_EXECUTION"
	CodeExecutorUnavailable ErrorCode = "EXECUTOR_UNAVAILABLE"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeActivityWrite       ErrorCode = "ACTIVITY_WRITE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate       ErrorCode = "AGENT_DUPLICATE"
	CodeTaskNotFound         ErrorCode = "TASK_NOT_FOUND"
	CodeTaskInvalid          ErrorCode = "TASK_INVALID"
	CodeRuleNotFound         ErrorCode = "RULE_NOT_FOUND"
	CodeRuleInvalid          ErrorCode = "RULE_INVALID"
	CodeWorkflowNotFound     ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeWorkflowInvalid      ErrorCode = "WORKFLOW_INVALID"
	CodeWorkflowTimeout      ErrorCode = "WORKFLOW_TIMEOUT"
	CodeWorkflowRunning      ErrorCode = "WORKFLOW_ALREADY_RUNNING"
	CodeWorkflowCancelled    ErrorCode = "WORKFLOW_CANCELLED"
	CodeCoordinationNotFound ErrorCode = "COORDINATION_NOT_FOUND"
	CodeCoordinationInvalid  ErrorCode = "COORDINATION_INVALID"
	CodeExecutorTimeout      ErrorCode = "EXECUTOR_TIMEOUT"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeCancelled    ErrorCode = "CANCELLED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,
	ErrInvalidInput: CodeInvalidInput,
	ErrCancelled:    CodeCancelled,

	ErrNoSuitableAgent:     CodeNoSuitableAgent,
	ErrAssignmentConflict:  CodeAssignmentConflict,
	ErrDependencyUnmet:     CodeDependencyUnmet,
	ErrStepExecution:       CodeStepExecution,
	ErrExecutorUnavailable: CodeExecutorUnavailable,
	ErrConfigLoad:          CodeConfigLoad,
	ErrActivityWrite:       CodeActivityWrite,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		SubSystemRegistry:     CodeAgentNotFound,
		SubSystemCoordinator:  CodeTaskNotFound,
		SubSystemRouting:      CodeRuleNotFound,
		SubSystemWorkflow:     CodeWorkflowNotFound,
		SubSystemCoordination: CodeCoordinationNotFound,
	},
	ErrDuplicate: {
		SubSystemRegistry: CodeAgentDuplicate,
		SubSystemWorkflow: CodeWorkflowRunning,
	},
	ErrTimeout: {
		SubSystemWorkflow: CodeWorkflowTimeout,
		SubSystemExecutor: CodeExecutorTimeout,
	},
	ErrInvalidInput: {
		SubSystemCoordinator:  CodeTaskInvalid,
		SubSystemRouting:      CodeRuleInvalid,
		SubSystemWorkflow:     CodeWorkflowInvalid,
		SubSystemCoordination: CodeCoordinationInvalid,
	},
	ErrCancelled: {
		SubSystemWorkflow: CodeWorkflowCancelled,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels first so a wrapped ErrNoSuitableAgent is not
	// reported by a category it happens to also wrap.
	for _, sentinel := range []error{
		ErrNoSuitableAgent, ErrAssignmentConflict, ErrDependencyUnmet,
		ErrStepExecution, ErrExecutorUnavailable, ErrConfigLoad, ErrActivityWrite,
		ErrNotFound, ErrDuplicate, ErrTimeout, ErrLimitReached, ErrInvalidInput, ErrCancelled,
	} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
