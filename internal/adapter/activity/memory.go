package activity

import (
	"context"
	"sort"
	"sync"
	"time"

	"agentcoord/internal/domain"
)

// MemoryLog keeps activity in memory. It satisfies both domain.ActivityLog
// and domain.ActivitySource.
type MemoryLog struct {
	mu      sync.Mutex
	entries []domain.Activity
	now     func() time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

func (m *MemoryLog) LogActivity(_ context.Context, a domain.Activity) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = m.now()
	}
	m.mu.Lock()
	m.entries = append(m.entries, a)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLog) LoadRecentActivity(_ context.Context, since time.Duration) ([]domain.ActivitySummary, error) {
	cutoff := m.now().Add(-since)
	m.mu.Lock()
	defer m.mu.Unlock()

	byAgent := make(map[string]*domain.ActivitySummary)
	for _, a := range m.entries {
		if a.Timestamp.Before(cutoff) {
			continue
		}
		s, ok := byAgent[a.AgentName]
		if !ok {
			s = &domain.ActivitySummary{AgentName: a.AgentName}
			byAgent[a.AgentName] = s
		}
		s.Count++
		if a.Timestamp.After(s.LastTimestamp) {
			s.LastTimestamp = a.Timestamp
		}
	}
	out := make([]domain.ActivitySummary, 0, len(byAgent))
	for _, s := range byAgent {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out, nil
}

// Entries returns a copy of everything logged so far.
func (m *MemoryLog) Entries() []domain.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Activity(nil), m.entries...)
}

// Prune drops entries older than before.
func (m *MemoryLog) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var n int64
	for _, a := range m.entries {
		if a.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.entries = kept
	return n, nil
}
