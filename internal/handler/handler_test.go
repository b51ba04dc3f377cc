package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meshagent/meshagent"
)

func TestRegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx context.Context, f meshagent.Frame) (any, error) { return nil, nil }

	if err := r.Register(meshagent.COMMAND, "ping", fn); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(meshagent.COMMAND, "ping", fn); err == nil {
		t.Fatal("expected error registering duplicate handler")
	}
}

func TestWildcardFallback(t *testing.T) {
	r := NewRegistry()
	var got meshagent.Frame
	fn := func(ctx context.Context, f meshagent.Frame) (any, error) { got = f; return nil, nil }
	if err := r.Register(meshagent.EVENT, "*", fn, AcceptsFrame(), Async()); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r, 0, nil)
	f := meshagent.NewFrame("something-unregistered", meshagent.EVENT, nil, nil)
	if err := d.Dispatch(context.Background(), f); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Name != "something-unregistered" {
		t.Fatalf("wildcard handler did not receive frame: %+v", got)
	}
}

func TestDispatchUnhandled(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(r, 0, nil)
	f := meshagent.NewFrame("nope", meshagent.COMMAND, nil, nil)
	err := d.Dispatch(context.Background(), f)
	if !errors.Is(err, ErrUnhandled) {
		t.Fatalf("expected ErrUnhandled, got %v", err)
	}
}

func TestDispatchRateLimited(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx context.Context, f meshagent.Frame) (any, error) { return nil, nil }
	if err := r.Register(meshagent.COMMAND, "ping", fn, Async(), RateLimits("1/1h")); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r, 0, nil)
	f := meshagent.NewFrame("ping", meshagent.COMMAND, nil, nil)
	if err := d.Dispatch(context.Background(), f); err != nil {
		t.Fatalf("first call should succeed: %v", err)
	}
	if err := d.Dispatch(context.Background(), f); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestDispatchTimeout(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx context.Context, f meshagent.Frame) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := r.Register(meshagent.COMMAND, "slow", fn, Async(), Timeout(20*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r, 0, nil)
	f := meshagent.NewFrame("slow", meshagent.COMMAND, nil, nil)
	err := d.Dispatch(context.Background(), f)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestDispatchAutoRepliesToRequestWithReturnedValue(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx context.Context, f meshagent.Frame) (any, error) {
		x, _ := f.Data["x"].(float64)
		return map[string]any{"doubled": x * 2}, nil
	}
	if err := r.Register(meshagent.REQUEST, "double", fn, Async()); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r, 0, nil)
	var sent meshagent.Frame
	d.SetReplier(func(_ context.Context, f meshagent.Frame) error {
		sent = f
		return nil
	})

	req := meshagent.NewFrame("double", meshagent.REQUEST, map[string]any{"x": 3.0}, nil)
	if err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if sent.Kind != meshagent.RESPONSE {
		t.Fatalf("auto-reply kind = %v, want RESPONSE", sent.Kind)
	}
	if replyTo, _ := sent.Meta["reply_to"].(string); replyTo != req.UUID {
		t.Fatalf("auto-reply meta.reply_to = %v, want %s", sent.Meta["reply_to"], req.UUID)
	}
	if doubled, _ := sent.Data["doubled"].(float64); doubled != 6.0 {
		t.Fatalf("auto-reply data.doubled = %v, want 6", sent.Data["doubled"])
	}
}

func TestDispatchSkipsAutoReplyWhenHandlerReturnsNil(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx context.Context, f meshagent.Frame) (any, error) { return nil, nil }
	if err := r.Register(meshagent.REQUEST, "manual", fn, Async()); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r, 0, nil)
	called := false
	d.SetReplier(func(_ context.Context, f meshagent.Frame) error {
		called = true
		return nil
	})

	req := meshagent.NewFrame("manual", meshagent.REQUEST, nil, nil)
	if err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if called {
		t.Fatal("replier should not be called when the handler returns a nil value")
	}
}

func TestParseRateLimit(t *testing.T) {
	rl, err := ParseRateLimit("10/1m")
	if err != nil {
		t.Fatal(err)
	}
	if rl.Calls != 10 || rl.Period != time.Minute {
		t.Fatalf("unexpected parse: %+v", rl)
	}

	if _, err := ParseRateLimit("garbage"); err == nil {
		t.Fatal("expected error for malformed rate limit")
	}
}
