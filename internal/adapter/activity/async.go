package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentcoord/internal/domain"
	"agentcoord/internal/infra/metrics"
)

const (
	defaultBufferSize   = 256
	defaultWriteTimeout = 5 * time.Second
)

// AsyncLog decouples callers from the backing log. LogActivity never blocks:
// when the buffer is full the entry is dropped and a warning is logged.
type AsyncLog struct {
	inner    domain.ActivityLog
	logger   *slog.Logger
	recorder *metrics.Recorder
	entries  chan domain.Activity

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
}

// NewAsyncLog starts a writer goroutine draining into inner. recorder may be nil.
func NewAsyncLog(inner domain.ActivityLog, bufferSize int, logger *slog.Logger, recorder *metrics.Recorder) *AsyncLog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	l := &AsyncLog{
		inner:    inner,
		logger:   logger,
		recorder: recorder,
		entries:  make(chan domain.Activity, bufferSize),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// LogActivity enqueues a. It returns nil even when the entry is dropped.
func (l *AsyncLog) LogActivity(ctx context.Context, a domain.Activity) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop(ctx, a, "closed")
		return nil
	}
	select {
	case l.entries <- a:
	default:
		l.drop(ctx, a, "buffer full")
	}
	return nil
}

func (l *AsyncLog) drop(ctx context.Context, a domain.Activity, reason string) {
	l.logger.Warn("activity entry dropped", "reason", reason, "agent", a.AgentName, "type", a.Type)
	l.recorder.ActivityDropped(ctx)
}

func (l *AsyncLog) run() {
	defer l.wg.Done()
	for a := range l.entries {
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		if err := l.inner.LogActivity(ctx, a); err != nil {
			l.logger.Warn("activity write failed", "agent", a.AgentName, "type", a.Type, "error", err)
		}
		cancel()
	}
}

// Close stops accepting entries and waits until the buffer is drained.
func (l *AsyncLog) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.entries)
		l.mu.Unlock()
		l.wg.Wait()
	})
}
