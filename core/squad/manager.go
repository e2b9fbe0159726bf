package squad

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/crewline/relay/core/routing"
)

// reloadDebounce coalesces bursts of file events into one reload.
const reloadDebounce = 250 * time.Millisecond

// Manager owns the active configuration. Readers get a consistent snapshot
// from Get; Load and the file watcher swap the snapshot atomically.
type Manager struct {
	path   string
	logger *slog.Logger

	current   atomic.Pointer[Config]
	watchers  []func(*Config)
	watcherMu sync.RWMutex
}

// NewManager creates a manager for the config file at path. The manager
// starts with defaults; call Load to read the file.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.current.Store(DefaultConfig())
	return m
}

// Get returns the active configuration snapshot. The returned value must be
// treated as read-only.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Load reads, validates, and publishes the config file. A missing file keeps
// the defaults. An invalid file keeps the previous snapshot and returns the
// error.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	data, err := os.ReadFile(m.path)
	switch {
	case os.IsNotExist(err):
		// Defaults apply.
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Bus.Kind == "" {
		cfg.Bus.Kind = "inbox"
	}
	if cfg.Bus.Capacity == 0 {
		cfg.Bus.Capacity = DefaultConfig().Bus.Capacity
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.current.Store(cfg)
	m.notify(cfg)
	return nil
}

// OnChange registers a callback invoked after every successful Load.
func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notify(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

// Watch reloads the config whenever the file changes, until ctx ends. The
// parent directory is watched so editors that replace the file atomically
// still trigger a reload.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		target := filepath.Clean(m.path)
		for {
			var fire <-chan time.Time
			if timer != nil {
				fire = timer.C
			}

			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}

			case <-fire:
				timer = nil
				if err := m.Load(); err != nil {
					m.logger.Warn("config reload rejected",
						slog.String("path", m.path),
						slog.String("error", err.Error()))
					continue
				}
				m.logger.Info("config reloaded", slog.String("path", m.path))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("config watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Apply pushes cfg's squads into the routing engine and its roster. Members
// present in the previous snapshot but absent from cfg are removed.
func Apply(cfg *Config, engine *routing.Engine) error {
	roster := engine.Roster()

	for _, sq := range cfg.Squads {
		rules, err := sq.Routing()
		if err != nil {
			return err
		}
		if err := engine.LoadSquad(rules); err != nil {
			return err
		}

		keep := make(map[string]bool, len(sq.Participants))
		for _, p := range sq.Participants {
			keep[p.AgentID] = true
			roster.Join(routing.Participant{
				AgentID:     p.AgentID,
				Role:        p.Role,
				SquadID:     sq.ID,
				AutoRespond: p.AutoRespond,
			})
		}

		for _, existing := range roster.Squad(sq.ID) {
			if !keep[existing.AgentID] {
				roster.Leave(existing.AgentID)
			}
		}
	}

	return nil
}
