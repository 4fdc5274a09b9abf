// Package executor holds adapters for the task execution port.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"agentcoord/internal/domain"
	"agentcoord/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// Breaker wraps a TaskExecutor with dispatch rate limiting and a circuit
// breaker. Once the wrapped executor fails repeatedly, calls fail fast with
// ErrExecutorUnavailable until the breaker allows a trial request.
type Breaker struct {
	inner   domain.TaskExecutor
	breaker *gobreaker.CircuitBreaker[domain.ExecutionResult]
	limiter *rate.Limiter // nil = unlimited
	logger  *slog.Logger
}

// NewBreaker wraps inner. Zero-valued settings fall back to defaults; a zero
// RateLimit disables rate limiting.
func NewBreaker(inner domain.TaskExecutor, cfg config.ExecutorConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxFailures := uint32(cfg.Breaker.MaxFailures)
	if cfg.Breaker.MaxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Breaker.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[domain.ExecutionResult](gobreaker.Settings{
		Name:        "executor",
		MaxRequests: 1, // allow 1 trial request in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A cancelled step says nothing about executor health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled)
		},
	})

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Breaker{inner: inner, breaker: cb, limiter: limiter, logger: logger}
}

// Execute implements domain.TaskExecutor.
func (b *Breaker) Execute(ctx context.Context, task domain.TaskDefinition, agent domain.AgentProfile) (domain.ExecutionResult, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return domain.ExecutionResult{}, contextError(ctx, "Breaker.Execute", err)
		}
	}
	res, err := b.breaker.Execute(func() (domain.ExecutionResult, error) {
		return b.inner.Execute(ctx, task, agent)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.ExecutionResult{}, domain.NewSubSystemError(domain.SubSystemExecutor,
				"Breaker.Execute", domain.ErrExecutorUnavailable, "circuit open")
		}
		return domain.ExecutionResult{}, err
	}
	return res, nil
}

// State returns the current circuit breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

// Status is the breaker snapshot printed by the status command. Counts
// cover the current breaker interval.
type Status struct {
	State               string  `json:"state"`
	Requests            uint32  `json:"requests"`
	TotalFailures       uint32  `json:"total_failures"`
	ConsecutiveFailures uint32  `json:"consecutive_failures"`
	RateLimitPerSecond  float64 `json:"rate_limit_per_second,omitempty"`
}

// Status reports breaker state and counts.
func (b *Breaker) Status() Status {
	c := b.breaker.Counts()
	st := Status{
		State:               b.breaker.State().String(),
		Requests:            c.Requests,
		TotalFailures:       c.TotalFailures,
		ConsecutiveFailures: c.ConsecutiveFailures,
	}
	if b.limiter != nil {
		st.RateLimitPerSecond = float64(b.limiter.Limit())
	}
	return st
}

// contextError maps a context failure to the executor's timeout or
// cancellation error. Other errors (a rate limiter that cannot fit the wait
// into the deadline) are reported as a timeout too.
func contextError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return domain.NewSubSystemError(domain.SubSystemExecutor, op, domain.ErrCancelled, err.Error())
	}
	return domain.NewSubSystemError(domain.SubSystemExecutor, op, domain.ErrTimeout, err.Error())
}

var _ domain.TaskExecutor = (*Breaker)(nil)
