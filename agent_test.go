package meshagent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshagent/meshagent/internal/config"
)

func standaloneAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := config.Default()
	a := New(cfg, nil)
	if !a.Standalone() {
		t.Fatal("expected agent with no endpoint to be standalone")
	}
	return a
}

func TestStandaloneEmitDispatchesLocally(t *testing.T) {
	a := standaloneAgent(t)

	var got Frame
	done := make(chan struct{})
	if err := a.Handle(EVENT, "ping", func(_ context.Context, f Frame) (any, error) {
		got = f
		close(done)
		return nil, nil
	}); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	if err := a.Emit(context.Background(), "ping", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Emit error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}

	if got.Kind != EVENT || got.Name != "ping" {
		t.Errorf("handler got %+v, want EVENT ping", got)
	}
}

func TestStandaloneMessageDispatchesLocally(t *testing.T) {
	a := standaloneAgent(t)

	var got Frame
	done := make(chan struct{})
	if err := a.Handle(MESSAGE, "chat", func(_ context.Context, f Frame) (any, error) {
		got = f
		close(done)
		return nil, nil
	}); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	if err := a.Message(context.Background(), "chat", "hello", "en-US", nil); err != nil {
		t.Fatalf("Message error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}

	if got.Data["text"] != "hello" {
		t.Errorf("data.text = %v, want %q", got.Data["text"], "hello")
	}
	if got.Meta["locale"] != "en-US" {
		t.Errorf("meta.locale = %v, want %q", got.Meta["locale"], "en-US")
	}
}

func TestStandaloneCommandDispatchesLocally(t *testing.T) {
	a := standaloneAgent(t)

	done := make(chan struct{})
	if err := a.Handle(COMMAND, "reboot", func(_ context.Context, f Frame) (any, error) {
		close(done)
		return nil, nil
	}); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	if err := a.Command(context.Background(), "reboot", false, nil); err != nil {
		t.Fatalf("Command error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	a := standaloneAgent(t)

	if err := a.Handle(REQUEST, "add", func(_ context.Context, f Frame) (any, error) {
		x, _ := f.Data["x"].(float64)
		y, _ := f.Data["y"].(float64)
		return map[string]any{"sum": x + y}, nil
	}); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	result, err := a.Request(context.Background(), "add", time.Second, map[string]any{"x": 2.0, "y": 3.0})
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if sum, _ := result["sum"].(float64); sum != 5.0 {
		t.Errorf("sum = %v, want 5", result["sum"])
	}
}

func TestRequestResponseManualReply(t *testing.T) {
	a := standaloneAgent(t)

	if err := a.Handle(REQUEST, "sub", func(ctx context.Context, f Frame) (any, error) {
		x, _ := f.Data["x"].(float64)
		y, _ := f.Data["y"].(float64)
		reply := f.Reply(map[string]any{"diff": x - y}, nil)
		return nil, a.Reply(ctx, reply)
	}); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	result, err := a.Request(context.Background(), "sub", time.Second, map[string]any{"x": 5.0, "y": 3.0})
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if diff, _ := result["diff"].(float64); diff != 2.0 {
		t.Errorf("diff = %v, want 2", result["diff"])
	}
}

func TestRequestTimesOutWithNoHandler(t *testing.T) {
	a := standaloneAgent(t)

	_, err := a.Request(context.Background(), "nobody-home", 50*time.Millisecond, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRunInvokesStartupAndShutdownHandlers(t *testing.T) {
	a := standaloneAgent(t)

	var startupCalled, shutdownCalled atomic.Bool
	if err := a.Handle(EVENT, "startup", func(_ context.Context, _ Frame) (any, error) {
		startupCalled.Store(true)
		return nil, nil
	}); err != nil {
		t.Fatalf("Handle startup error: %v", err)
	}
	if err := a.Handle(EVENT, "shutdown", func(_ context.Context, _ Frame) (any, error) {
		shutdownCalled.Store(true)
		return nil, nil
	}); err != nil {
		t.Fatalf("Handle shutdown error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Run(ctx); err != nil {
			t.Errorf("Run error: %v", err)
		}
	}()

	for i := 0; i < 100 && a.State() != Running; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if a.State() != Running {
		t.Fatal("agent never reached Running state")
	}
	if !startupCalled.Load() {
		t.Error("startup handler was not invoked")
	}

	cancel()
	wg.Wait()

	if !shutdownCalled.Load() {
		t.Error("shutdown handler was not invoked")
	}
	if a.State() != Stopped {
		t.Errorf("state = %s, want %s", a.State(), Stopped)
	}
}

func TestStopEndsRunWithoutContextCancel(t *testing.T) {
	a := standaloneAgent(t)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	for i := 0; i < 100 && a.State() != Running; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	a.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestOnIntervalFires(t *testing.T) {
	a := standaloneAgent(t)

	var count atomic.Int64
	fired := make(chan struct{}, 1)
	if err := a.OnInterval("tick", 20*time.Millisecond, func(_ context.Context, f Frame) (any, error) {
		count.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil, nil
	}); err != nil {
		t.Fatalf("OnInterval error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	for i := 0; i < 100 && a.State() != Running; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("interval handler never fired")
	}

	cancel()
}

func TestJoinLeaveSendCommands(t *testing.T) {
	a := standaloneAgent(t)

	var names []string
	var mu sync.Mutex
	if err := a.Handle(COMMAND, "*", func(_ context.Context, f Frame) (any, error) {
		mu.Lock()
		names = append(names, f.Name)
		mu.Unlock()
		return nil, nil
	}); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	if err := a.Join(context.Background(), "alpha, beta"); err != nil {
		t.Fatalf("Join error: %v", err)
	}
	if err := a.Leave(context.Background(), "alpha"); err != nil {
		t.Fatalf("Leave error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(names) != 3 {
		t.Fatalf("got %d commands, want 3: %v", len(names), names)
	}
}

func TestSpawnBeforeRunFails(t *testing.T) {
	a := standaloneAgent(t)
	if _, err := a.Spawn("early", false, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error spawning before Run")
	}
}

func TestSpawnCancelledOnStop(t *testing.T) {
	a := standaloneAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	for i := 0; i < 100 && a.State() != Running; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	started := make(chan struct{})
	stopped := make(chan struct{})
	if _, err := a.Spawn("worker", true, func(taskCtx context.Context) error {
		close(started)
		<-taskCtx.Done()
		close(stopped)
		return nil
	}); err != nil {
		t.Fatalf("Spawn error: %v", err)
	}

	<-started
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("spawned task was not cancelled on shutdown")
	}
}
