package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultHandlerTimeout bounds a single handler invocation so a slow
	// storage backend degrades one dispatch call rather than stalling the
	// whole pipeline.
	DefaultHandlerTimeout = 10 * time.Second

	// DefaultBroadcastTimeout bounds the fire-and-forget broadcast
	// publish.
	DefaultBroadcastTimeout = 5 * time.Second
)

// Broadcaster publishes raw events for external, unrelated subscribers such
// as analytics taps. Publishing is best-effort; the dispatcher isolates and
// logs failures without affecting handler execution.
type Broadcaster interface {
	// Publish sends the raw event on the channel named by ev.Type.
	Publish(ctx context.Context, ev Event) error
}

// DispatcherConfig holds the dependencies and tuning knobs for a Dispatcher.
type DispatcherConfig struct {
	// Registry is the immutable-after-init handler registry.
	Registry *Registry

	// Broadcaster, if set, receives every dispatched event. Optional.
	Broadcaster Broadcaster

	// HandlerTimeout bounds each handler invocation. Zero selects
	// DefaultHandlerTimeout.
	HandlerTimeout time.Duration

	// Logger receives per-handler failure records.
	Logger *slog.Logger
}

// Dispatcher is the pub/sub core of the pipeline. Dispatch runs every
// registered handler for an event concurrently, each wrapped in its own
// error boundary, so a bug in one handler can never prevent a sibling from
// running. From the caller's point of view dispatch always succeeds.
type Dispatcher struct {
	registry *Registry
	bcast    Broadcaster
	timeout  time.Duration
	log      *slog.Logger
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.HandlerTimeout
	if timeout == 0 {
		timeout = DefaultHandlerTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		registry: cfg.Registry,
		bcast:    cfg.Broadcaster,
		timeout:  timeout,
		log:      log,
	}
}

// Dispatch broadcasts the event, then runs all handlers registered for its
// type in parallel and waits for them to finish. Handler errors and panics
// are logged but never propagated; dispatch has no failure mode visible to
// the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	// Kick off the broadcast first. It is fire-and-forget and carries no
	// ordering guarantee relative to handler completion.
	d.broadcast(ctx, ev)

	handlers := d.registry.Handlers(ev.Type)
	if len(handlers) == 0 {
		// Many event types exist for future or optional wiring, so
		// this is not an error.
		d.log.DebugContext(ctx, "No handlers registered for event",
			"event_type", ev.Type, "actor", ev.Actor)
		return
	}

	// One goroutine per handler; results land in a fixed slot each so no
	// synchronization beyond the WaitGroup is needed.
	results := make([]fn.Result[string], len(handlers))

	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(slot int, handler Handler) {
			defer wg.Done()
			results[slot] = d.runHandler(ctx, handler, ev)
		}(i, h)
	}
	wg.Wait()

	// Aggregate failures for logging only.
	for _, res := range results {
		if _, err := res.Unpack(); err != nil {
			d.log.ErrorContext(ctx, "Event handler failed",
				"event_type", ev.Type,
				"actor", ev.Actor,
				"target", ev.Target,
				"err", err)
		}
	}
}

// DispatchAsync schedules Dispatch on a new goroutine for callers that need
// low perceived latency and do not want to await handler completion.
func (d *Dispatcher) DispatchAsync(ctx context.Context, ev Event) {
	go d.Dispatch(context.WithoutCancel(ctx), ev)
}

// runHandler invokes a single handler inside an error boundary. A panic is
// converted into an error result so it cannot cancel or affect sibling
// handlers.
func (d *Dispatcher) runHandler(ctx context.Context, h Handler,
	ev Event) (res fn.Result[string]) {

	defer func() {
		if r := recover(); r != nil {
			res = fn.Err[string](fmt.Errorf(
				"handler %s panicked: %v", h.Name(), r,
			))
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := h.Handle(hctx, ev); err != nil {
		return fn.Err[string](fmt.Errorf(
			"handler %s: %w", h.Name(), err,
		))
	}

	return fn.Ok(h.Name())
}

// broadcast publishes the raw event on its own goroutine. A broadcast
// failure (e.g. the pub/sub backend being unavailable) is independently
// isolated and never blocks handler execution.
func (d *Dispatcher) broadcast(ctx context.Context, ev Event) {
	if d.bcast == nil {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.ErrorContext(ctx,
					"Broadcast panicked",
					"event_type", ev.Type, "panic", r)
			}
		}()

		bctx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx), DefaultBroadcastTimeout,
		)
		defer cancel()

		if err := d.bcast.Publish(bctx, ev); err != nil {
			d.log.WarnContext(ctx, "Broadcast publish failed",
				"event_type", ev.Type, "err", err)
		}
	}()
}
