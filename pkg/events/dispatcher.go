package events

import (
	"context"
	"sync"
	"time"

	"github.com/placefolio/placefolio/pkg/async"
	"github.com/placefolio/placefolio/pkg/observability"
)

// Handler consumes committed-mutation events. Implementations must be
// idempotent; a handler error is logged and counted, never returned to
// the mutation's caller.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Func        func(ctx context.Context, ev Event) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, ev Event) error { return h.Func(ctx, ev) }

// Dispatcher routes events to their subscribed handlers through a
// bounded worker pool. Dispatch returns immediately; handlers run
// detached from the caller's cancellation so a finished request does
// not abort its own reactions.
type Dispatcher struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	timeout time.Duration
	pool    *async.WorkerPool

	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// DispatcherConfig configures reaction execution.
type DispatcherConfig struct {
	Workers        int
	HandlerTimeout time.Duration
}

// DefaultDispatcherConfig returns the default reaction settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        8,
		HandlerTimeout: 30 * time.Second,
	}
}

// NewDispatcher creates a dispatcher whose workers live until Shutdown.
func NewDispatcher(ctx context.Context, logger *observability.Logger, metrics *observability.Metrics, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultDispatcherConfig().Workers
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultDispatcherConfig().HandlerTimeout
	}

	return &Dispatcher{
		logger:   logger,
		metrics:  metrics,
		timeout:  cfg.HandlerTimeout,
		pool:     async.NewWorkerPool(ctx, logger, cfg.Workers, "commit reactions", cfg.HandlerTimeout),
		handlers: make(map[Kind][]Handler),
	}
}

// Subscribe registers a handler for the given kinds.
func (d *Dispatcher) Subscribe(h Handler, kinds ...Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kind := range kinds {
		d.handlers[kind] = append(d.handlers[kind], h)
	}
}

// Dispatch enqueues the event for every subscribed handler and returns
// without waiting. Call this only after the triggering transaction has
// committed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	d.mu.RLock()
	handlers := d.handlers[ev.Kind]
	d.mu.RUnlock()

	if d.metrics != nil {
		d.metrics.EventsEmitted.WithLabelValues(string(ev.Kind)).Inc()
	}

	for _, h := range handlers {
		handler := h
		err := d.pool.Submit(func(taskCtx context.Context) error {
			start := time.Now()
			err := handler.Handle(taskCtx, ev)
			if d.metrics != nil {
				d.metrics.ObserveReaction(handler.Name(), string(ev.Kind), err, time.Since(start))
			}
			if err != nil {
				d.logger.WithError(err).WithFields(map[string]interface{}{
					"handler":  handler.Name(),
					"event_id": ev.ID,
					"kind":     string(ev.Kind),
				}).Error("reaction handler failed; left for reconciliation sweep")
			}
			// Errors are fully handled here; surfacing them to the pool
			// would double-log.
			return nil
		})
		if err != nil {
			d.logger.WithError(err).WithField("kind", string(ev.Kind)).Warn("dropped event during shutdown")
		}
	}
}

// DispatchSync runs every subscribed handler inline and returns the
// first error. Used by the reconciliation sweep and by tests, where
// asynchrony only obscures the result.
func (d *Dispatcher) DispatchSync(ctx context.Context, ev Event) error {
	d.mu.RLock()
	handlers := d.handlers[ev.Kind]
	d.mu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		start := time.Now()
		err := handler.Handle(ctx, ev)
		if d.metrics != nil {
			d.metrics.ObserveReaction(handler.Name(), string(ev.Kind), err, time.Since(start))
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown drains in-flight reactions.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	return d.pool.Shutdown(timeout)
}
