package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoord/internal/domain"
)

func writeRules(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func fileRuleCount(m *Manager) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fileRules)
}

func TestRuleWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "rules:\n  - name: one\n    task_patterns: [vue]\n    weight: 2\n")

	f := newFixture(t, fixtureOpts{cfg: Config{UseDefaultRules: true}})
	w := NewRuleWatcher(path, f.mgr, f.bus, nil)
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, 1, fileRuleCount(f.mgr))
	assert.Len(t, f.mgr.Rules(), 7)
	assert.Equal(t, 1, f.bus.count(domain.EventRulesReloaded))

	writeRules(t, path, "rules:\n  - name: one\n    weight: 2\n  - name: two\n    weight: 3\n")
	require.Eventually(t, func() bool { return fileRuleCount(f.mgr) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.mgr.Rules(), 8)

	// A broken file keeps the previous rules.
	writeRules(t, path, "rules: [[[")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, fileRuleCount(f.mgr))
}

func TestRuleWatcherStartFailsOnBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "rules:\n  - name: heavy\n    weight: 99\n")

	f := newFixture(t, fixtureOpts{})
	w := NewRuleWatcher(path, f.mgr, nil, nil)
	assert.Error(t, w.Start(context.Background()))
	w.Stop()
}

func TestRuleWatcherStopsWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "")

	f := newFixture(t, fixtureOpts{})
	w := NewRuleWatcher(path, f.mgr, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}
