package eventbus

import (
	"context"
	"testing"
	"time"

	"agentcoord/internal/domain"
)

func BenchmarkPublishExact(b *testing.B) {
	bus := newTestBus()
	ctx := context.Background()
	event := domain.Event{Type: domain.EventTaskCompleted, Timestamp: time.Now(), CorrelationID: "bench"}
	bus.Subscribe(string(domain.EventTaskCompleted), func(context.Context, domain.Event) {})

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

func BenchmarkPublishWithPatterns(b *testing.B) {
	bus := newTestBus()
	ctx := context.Background()
	event := domain.Event{Type: domain.EventTaskCompleted, Timestamp: time.Now()}
	for range 5 {
		bus.Subscribe("task.*", func(context.Context, domain.Event) {})
		bus.Subscribe("workflow.*", func(context.Context, domain.Event) {})
	}

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}
