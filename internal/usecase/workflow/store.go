package workflow

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"agentcoord/internal/domain"
)

const (
	maxStoredWorkflows = 100
	// maxExecutionHistory bounds the executions kept per workflow.
	maxExecutionHistory = 20
)

// storedWorkflow is the on-disk document for one workflow: its definition
// as of the last status change and its executions, oldest first.
type storedWorkflow struct {
	Workflow   domain.WorkflowDefinition  `json:"workflow"`
	Executions []domain.WorkflowExecution `json:"executions"`
}

// FileStore keeps one JSON document per workflow in dir, named after the
// workflow ID. Documents are cached in memory and rewritten atomically.
type FileStore struct {
	dir string

	mu   sync.RWMutex
	docs map[string]*storedWorkflow
}

// NewFileStore opens the store in dir, creating the directory if needed,
// and reads every document in it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("workflowstore: create dir: %w", err)
	}
	s := &FileStore{dir: dir, docs: make(map[string]*storedWorkflow)}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("workflowstore: load: %w", err)
	}
	return s, nil
}

// SaveWorkflow writes def, keeping the execution history already stored
// for it. Saving past maxStoredWorkflows evicts the oldest finished ones.
func (s *FileStore) SaveWorkflow(_ context.Context, def domain.WorkflowDefinition) error {
	if err := checkWorkflowID(def.WorkflowID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[def.WorkflowID]
	if !ok {
		doc = &storedWorkflow{}
		s.docs[def.WorkflowID] = doc
	}
	doc.Workflow = def.Clone()
	if err := s.write(doc); err != nil {
		return err
	}
	return s.evictLocked()
}

// SaveExecution records rec under its workflow, replacing an earlier
// snapshot of the same execution.
func (s *FileStore) SaveExecution(_ context.Context, rec domain.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[rec.WorkflowID]
	if !ok {
		return domain.NewSubSystemError(domain.SubSystemWorkflow, "FileStore.SaveExecution", domain.ErrNotFound, rec.WorkflowID)
	}
	i := slices.IndexFunc(doc.Executions, func(e domain.WorkflowExecution) bool { return e.ExecutionID == rec.ExecutionID })
	if i >= 0 {
		doc.Executions[i] = rec.Clone()
	} else {
		doc.Executions = append(doc.Executions, rec.Clone())
	}
	if extra := len(doc.Executions) - maxExecutionHistory; extra > 0 {
		doc.Executions = slices.Delete(doc.Executions, 0, extra)
	}
	return s.write(doc)
}

func (s *FileStore) GetWorkflow(_ context.Context, id string) (*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, domain.NewSubSystemError(domain.SubSystemWorkflow, "FileStore.GetWorkflow", domain.ErrNotFound, id)
	}
	def := doc.Workflow.Clone()
	return &def, nil
}

// ListWorkflows returns the workflows matching q, most recently created
// first.
func (s *FileStore) ListWorkflows(_ context.Context, q domain.WorkflowQuery) ([]domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var defs []domain.WorkflowDefinition
	for _, doc := range s.docs {
		if q.Matches(doc.Workflow) {
			defs = append(defs, doc.Workflow.Clone())
		}
	}
	slices.SortFunc(defs, func(a, b domain.WorkflowDefinition) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.WorkflowID, a.WorkflowID)
	})
	if q.Limit > 0 && q.Limit < len(defs) {
		defs = defs[:q.Limit]
	}
	return defs, nil
}

// ListExecutions returns the stored executions of a workflow, newest first.
func (s *FileStore) ListExecutions(_ context.Context, workflowID string) ([]domain.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[workflowID]
	if !ok {
		return nil, domain.NewSubSystemError(domain.SubSystemWorkflow, "FileStore.ListExecutions", domain.ErrNotFound, workflowID)
	}
	out := make([]domain.WorkflowExecution, 0, len(doc.Executions))
	for i := len(doc.Executions) - 1; i >= 0; i-- {
		out = append(out, doc.Executions[i].Clone())
	}
	return out, nil
}

func (s *FileStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return domain.NewSubSystemError(domain.SubSystemWorkflow, "FileStore.DeleteWorkflow", domain.ErrNotFound, id)
	}
	return s.removeLocked(id)
}

func (s *FileStore) docPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) load() error {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return domain.WrapOp("read", err)
		}
		var doc storedWorkflow
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		if doc.Workflow.WorkflowID+".json" != filepath.Base(path) {
			return fmt.Errorf("%s holds workflow %q", filepath.Base(path), doc.Workflow.WorkflowID)
		}
		s.docs[doc.Workflow.WorkflowID] = &doc
	}
	return nil
}

func (s *FileStore) write(doc *storedWorkflow) error {
	return writeJSON(s.docPath(doc.Workflow.WorkflowID), doc)
}

func (s *FileStore) removeLocked(id string) error {
	delete(s.docs, id)
	if err := os.Remove(s.docPath(id)); err != nil && !os.IsNotExist(err) {
		return domain.WrapOp("remove", err)
	}
	return nil
}

// evictLocked drops the oldest finished workflows while the store holds
// more than maxStoredWorkflows. Running and pending workflows always stay.
func (s *FileStore) evictLocked() error {
	excess := len(s.docs) - maxStoredWorkflows
	if excess <= 0 {
		return nil
	}
	var finished []domain.WorkflowDefinition
	for _, doc := range s.docs {
		if doc.Workflow.Status.IsTerminal() {
			finished = append(finished, doc.Workflow)
		}
	}
	slices.SortFunc(finished, func(a, b domain.WorkflowDefinition) int {
		return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	})
	for _, def := range finished[:min(excess, len(finished))] {
		if err := s.removeLocked(def.WorkflowID); err != nil {
			return err
		}
	}
	return nil
}

// checkWorkflowID rejects IDs that cannot name a file in the store.
func checkWorkflowID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return domain.NewSubSystemError(domain.SubSystemWorkflow, "FileStore.SaveWorkflow", domain.ErrInvalidInput,
			fmt.Sprintf("workflow id %q cannot be stored", id))
	}
	return nil
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}

var _ domain.WorkflowStore = (*FileStore)(nil)
