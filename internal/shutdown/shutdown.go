package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Priorities used by serve mode. Lower runs first.
const (
	PriorityHTTPServer = 10 // Stop accepting requests, drain in-flight lookups
	PriorityExecutor   = 20 // Release pooled Airtable connections
	PriorityFinal      = 90 // Last words: final log lines, metric dumps
)

// Shutdownable is a component closed during shutdown
type Shutdownable interface {
	Close() error
}

// ShutdownFunc performs cleanup within the shutdown deadline
type ShutdownFunc func(ctx context.Context) error

// Coordinator runs registered hooks and components in priority order
// once a signal arrives or shutdown is triggered
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	shutdownOnce sync.Once
	triggerOnce  sync.Once
	shutdownCh   chan struct{}
	err          error
}

type step struct {
	name     string
	priority int
	run      ShutdownFunc
}

// New creates a new shutdown coordinator
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:    timeout,
		logger:     logger.With().Str("component", "shutdown").Logger(),
		shutdownCh: make(chan struct{}),
	}
}

// Register closes component during shutdown
func (c *Coordinator) Register(name string, component Shutdownable, priority int) {
	c.RegisterHook(name, func(context.Context) error { return component.Close() }, priority)
}

// RegisterHook runs hook during shutdown. Hooks with equal priority run in
// registration order.
func (c *Coordinator) RegisterHook(name string, hook ShutdownFunc, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, priority: priority, run: hook})

	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered shutdown step")
}

// WaitForSignal blocks until SIGINT/SIGTERM or TriggerShutdown
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		return sig
	case <-c.shutdownCh:
		return syscall.SIGTERM
	}
}

// Done is closed once shutdown has been triggered
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownCh
}

// Shutdown runs every step within the configured timeout. Later calls
// return the first call's result.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.triggerOnce.Do(func() { close(c.shutdownCh) })

		c.mu.Lock()
		steps := make([]step, len(c.steps))
		copy(steps, c.steps)
		c.mu.Unlock()
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("steps", len(steps)).
			Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		var errs []error
		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("name", s.name).
					Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}

			if err := s.run(ctx); err != nil {
				c.logger.Error().
					Err(err).
					Str("name", s.name).
					Msg("Shutdown step failed")
				errs = append(errs, err)
			}
		}

		c.err = errors.Join(errs...)
		c.logger.Info().
			Dur("duration", time.Since(start)).
			Msg("Graceful shutdown complete")
	})

	return c.err
}

// TriggerShutdown unblocks WaitForSignal. Safe for concurrent use.
func (c *Coordinator) TriggerShutdown() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.shutdownCh)
	})
}
