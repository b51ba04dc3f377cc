package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshagent/meshagent"
)

// ErrRateLimited is returned when a handler's call budget is exhausted.
var ErrRateLimited = errors.New("handler: rate limited")

// ErrTimeout is returned when a handler does not return within its
// configured timeout.
var ErrTimeout = errors.New("handler: timed out")

// ErrUnhandled is returned when no handler (exact or "*" fallback) is
// registered for a frame's (kind, name).
var ErrUnhandled = errors.New("handler: unhandled frame")

// Dispatcher invokes registered handlers for inbound frames, enforcing
// rate limits and per-call timeouts and running synchronous handlers
// on a bounded worker pool so a slow handler cannot stall the core
// receive loop.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	sem      chan struct{}
	reply    func(ctx context.Context, f meshagent.Frame) error
}

// NewDispatcher creates a Dispatcher. workers bounds the number of
// concurrently running synchronous (non-Async) handlers; 0 means
// unbounded.
func NewDispatcher(registry *Registry, workers int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	var sem chan struct{}
	if workers > 0 {
		sem = make(chan struct{}, workers)
	}
	return &Dispatcher{registry: registry, logger: logger, sem: sem}
}

// SetReplier wires the function Dispatch uses to send the automatic
// RESPONSE built from a REQUEST handler's return value. Auto-reply is
// a no-op until this is set.
func (d *Dispatcher) SetReplier(reply func(ctx context.Context, f meshagent.Frame) error) {
	d.reply = reply
}

// Dispatch looks up the handler for f.Kind/f.Name and invokes it,
// honoring its rate limit, Async flag, and timeout. Returns
// ErrUnhandled if no handler (or "*" fallback) is registered. If f is
// a REQUEST and the handler returns a non-nil value, Dispatch sends
// the correlated RESPONSE itself via the replier set by SetReplier.
func (d *Dispatcher) Dispatch(ctx context.Context, f meshagent.Frame) error {
	e, ok := d.registry.lookup(f.Kind, f.Name)
	if !ok {
		d.logger.Debug("unhandled frame", "kind", f.Kind, "name", f.Name)
		return ErrUnhandled
	}

	now := time.Now()
	for _, l := range e.limiters {
		if !l.Allow(now) {
			d.logger.Warn("rate limiting handler", "kind", f.Kind, "name", f.Name)
			return ErrRateLimited
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var value any
	var err error
	if e.async {
		value, err = d.invoke(callCtx, e, f)
	} else {
		value, err = d.invokeOnPool(callCtx, e, f)
	}
	if err != nil {
		return err
	}

	if f.Kind == meshagent.REQUEST && value != nil && d.reply != nil {
		data, ok := value.(map[string]any)
		if !ok {
			data = map[string]any{"_response": value}
		}
		if err := d.reply(ctx, f.Reply(data, nil)); err != nil {
			d.logger.Warn("failed to send auto-reply", "kind", f.Kind, "name", f.Name, "error", err)
		}
	}

	return nil
}

type invokeResult struct {
	value any
	err   error
}

func (d *Dispatcher) invoke(ctx context.Context, e *entry, f meshagent.Frame) (any, error) {
	done := make(chan invokeResult, 1)
	go func() {
		v, err := e.fn(ctx, f)
		done <- invokeResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		d.logger.Warn("handler timed out", "kind", f.Kind, "name", f.Name)
		return nil, fmt.Errorf("%w: %s %s", ErrTimeout, f.Kind, f.Name)
	}
}

func (d *Dispatcher) invokeOnPool(ctx context.Context, e *entry, f meshagent.Frame) (any, error) {
	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, f.Kind, f.Name)
		}
	}
	return d.invoke(ctx, e, f)
}
