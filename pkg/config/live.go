package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/scheduler"
)

// Live holds the settings that take effect without a restart: the scheduling policy and
// the local processing flag. It satisfies dispatch.Settings.
type Live struct {
	policy atomic.Value // scheduler.Key
	local  atomic.Bool
}

// NewLive seeds live settings from c
func NewLive(c *Config) *Live {
	l := &Live{}
	l.Apply(c)
	return l
}

// Apply copies the hot-reloadable fields of c
func (l *Live) Apply(c *Config) {
	l.policy.Store(c.Policy())
	l.local.Store(c.LocalProcessing)
}

// SetPolicy overrides the policy until the next reload
func (l *Live) SetPolicy(k scheduler.Key) {
	l.policy.Store(k)
}

func (l *Live) SetLocalProcessing(enabled bool) {
	l.local.Store(enabled)
}

func (l *Live) SchedulingPolicy() scheduler.Key {
	if k, ok := l.policy.Load().(scheduler.Key); ok {
		return k
	}
	return scheduler.DefaultKey
}

func (l *Live) LocalProcessing() bool {
	return l.local.Load()
}

// Watcher re-decodes the config file when it changes and publishes valid results to Live.
// Invalid edits are logged and ignored.
type Watcher struct {
	v      *viper.Viper
	live   *Live
	logger *logging.Logger

	mu       sync.Mutex
	current  *Config
	onChange []func(*Config)
}

func NewWatcher(v *viper.Viper, current *Config, live *Live, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Watcher{v: v, live: live, current: current, logger: logger.Component("config")}
}

// OnChange registers a callback run after every successful reload
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// Start begins watching the file viper loaded. Without a config file it does nothing.
func (w *Watcher) Start() {
	if w.v.ConfigFileUsed() == "" {
		return
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := w.Reload(); err != nil {
			w.logger.Warn(err.Error())
		}
	})
	w.v.WatchConfig()
	w.logger.Info(fmt.Sprintf("Watching %s for changes", w.v.ConfigFileUsed()))
}

// Reload decodes the current viper state and applies it
func (w *Watcher) Reload() error {
	c, err := Decode(w.v)
	if err != nil {
		return fmt.Errorf("ignoring config change: %w", err)
	}

	w.mu.Lock()
	prev := w.current
	w.current = c
	callbacks := append([]func(*Config){}, w.onChange...)
	w.mu.Unlock()

	w.live.Apply(c)
	if prev == nil || prev.SchedulingAlgorithm != c.SchedulingAlgorithm || prev.LocalProcessing != c.LocalProcessing {
		w.logger.Info(fmt.Sprintf("Scheduling algorithm %s, local processing %t", c.Policy(), c.LocalProcessing))
	}
	for _, fn := range callbacks {
		fn(c)
	}
	return nil
}

// loaded returns the last successfully decoded config
func (w *Watcher) loaded() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
