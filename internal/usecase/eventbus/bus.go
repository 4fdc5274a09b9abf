package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"agentcoord/internal/domain"
)

type subscription struct {
	id      uint64
	pattern string // exact type, "prefix.*", or "" for every event
	handler domain.EventHandler
}

func (s subscription) matches(t domain.EventType) bool {
	return s.pattern == "" || t.Matches(s.pattern)
}

// Stats counts bus traffic.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Panicked  uint64 `json:"panicked"`
}

// Bus is an in-process, goroutine-safe event bus. Exact-type subscriptions
// are indexed by type; pattern and catch-all subscriptions are scanned.
type Bus struct {
	mu       sync.RWMutex
	exact    map[domain.EventType][]subscription
	patterns []subscription
	nextID   atomic.Uint64
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	panicked  atomic.Uint64
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		exact:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish fans out an event to every matching subscriber, each in its own
// goroutine. Handlers get a context that is not cancelled with the
// publisher's, so short-lived callers do not abort slow handlers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	targets := slices.Clone(b.exact[event.Type])
	for _, sub := range b.patterns {
		if sub.matches(event.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	hctx := context.WithoutCancel(ctx)
	for _, sub := range targets {
		b.dispatch(hctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.panicked.Add(1)
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"subscription", sub.id,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
		b.delivered.Add(1)
	}()
}

// Subscribe registers a handler for an event type, or for every type under
// a prefix when pattern ends in ".*". Returns an unsubscribe function.
func (b *Bus) Subscribe(pattern string, handler domain.EventHandler) func() {
	sub := subscription{id: b.nextID.Add(1), pattern: pattern, handler: handler}

	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.HasSuffix(pattern, ".*") {
		b.patterns = append(b.patterns, sub)
	} else {
		t := domain.EventType(pattern)
		b.exact[t] = append(b.exact[t], sub)
	}
	return func() { b.remove(sub) }
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := subscription{id: b.nextID.Add(1), handler: handler}

	b.mu.Lock()
	b.patterns = append(b.patterns, sub)
	b.mu.Unlock()

	return func() { b.remove(sub) }
}

func (b *Bus) remove(sub subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byID := func(s subscription) bool { return s.id == sub.id }
	if sub.pattern == "" || strings.HasSuffix(sub.pattern, ".*") {
		b.patterns = slices.DeleteFunc(b.patterns, byID)
		return
	}
	t := domain.EventType(sub.pattern)
	b.exact[t] = slices.DeleteFunc(b.exact[t], byID)
	if len(b.exact[t]) == 0 {
		delete(b.exact, t)
	}
}

// Stats returns traffic counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Panicked:  b.panicked.Load(),
	}
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
