package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/edgedash/pkg/logging"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	mu      sync.Mutex
	hooks   []hook
	timeout time.Duration
	logger  *logging.Logger
	done    chan struct{}
	once    sync.Once
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger.Component("shutdown"),
		done:    make(chan struct{}),
	}
}

// Register adds a shutdown function.
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Shutdown executes all registered shutdown functions once
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)

		m.mu.Lock()
		hooks := make([]hook, len(m.hooks))
		copy(hooks, m.hooks)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			m.logger.Debug("Stopping", logging.Fields{"hook": h.name})
			if err := h.fn(ctx); err != nil {
				m.logger.Error(fmt.Sprintf("Shutdown of %s failed: %v", h.name, err))
			}
		}
		m.logger.Info("Graceful shutdown complete")
	})
}

// WaitWithContext blocks until a termination signal or context cancellation, then shuts down
func (m *Manager) WaitWithContext(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info(fmt.Sprintf("Received signal %v, initiating graceful shutdown", sig))
	case <-ctx.Done():
		m.logger.Info("Context finished, initiating graceful shutdown")
	}
	m.Shutdown()
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop http server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}

// WaitFor creates a shutdown function that polls until check reports true
func WaitFor(check func() bool, pollInterval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			if check() {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("timeout waiting: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
