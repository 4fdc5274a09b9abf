package routing

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentcoord/internal/domain"
)

const defaultReloadDebounce = 200 * time.Millisecond

// RuleWatcher reloads a rules file into a Manager whenever it changes on
// disk. The parent directory is watched so editors that replace the file by
// rename are picked up.
type RuleWatcher struct {
	path     string
	manager  *Manager
	bus      domain.EventBus
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRuleWatcher creates a watcher for path. bus may be nil.
func NewRuleWatcher(path string, manager *Manager, bus domain.EventBus, logger *slog.Logger) *RuleWatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RuleWatcher{
		path:     filepath.Clean(path),
		manager:  manager,
		bus:      bus,
		logger:   logger,
		debounce: defaultReloadDebounce,
	}
}

// Reload loads the file once and installs its rules.
func (w *RuleWatcher) Reload(ctx context.Context) error {
	rules, err := LoadRulesFile(w.path)
	if err != nil {
		return err
	}
	if err := w.manager.ReplaceFileRules(rules); err != nil {
		return err
	}
	if w.bus != nil {
		w.bus.Publish(ctx, domain.NewEvent(domain.EventRulesReloaded, "", map[string]any{
			"path":  w.path,
			"rules": len(rules),
		}))
	}
	return nil
}

// Start performs an initial load and begins watching. A broken file at start
// is an error; a broken file later is logged and the previous rules stay.
func (w *RuleWatcher) Start(ctx context.Context) error {
	if err := w.Reload(ctx); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw
	w.done = make(chan struct{})
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("watching routing rules", "path", w.path)
	return nil
}

func (w *RuleWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("routing rules watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.Warn("routing rules reload failed, keeping previous rules", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("routing rules reloaded", "path", w.path)
		}
	}
}

// Stop ends watching and waits for the loop to exit. It is safe to call on
// a watcher that never started.
func (w *RuleWatcher) Stop() {
	if w.watcher == nil {
		return
	}
	close(w.done)
	w.wg.Wait()
	w.watcher.Close()
	w.watcher = nil
}
