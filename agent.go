// Package meshagent is an agent runtime and wire protocol for building
// distributed event-driven programs. Independent agent processes
// connect to a broker and exchange typed Frames (commands, events,
// messages, requests, responses) scoped by named spaces; each agent
// registers handlers for frame kinds and names, and the runtime
// dispatches inbound frames, enforces rate limits and timeouts, runs
// interval handlers on a scheduler, and maintains a resilient
// connection with background reconnect.
package meshagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshagent/meshagent/internal/config"
	"github.com/meshagent/meshagent/internal/connection"
	"github.com/meshagent/meshagent/internal/events"
	"github.com/meshagent/meshagent/internal/handler"
	"github.com/meshagent/meshagent/internal/scheduler"
	"github.com/meshagent/meshagent/internal/supervisor"
	"github.com/meshagent/meshagent/internal/transport"
)

// State is the Agent's lifecycle stage.
type State int

const (
	Created State = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Agent wires together the handler registry, dispatcher, scheduler,
// task supervisor, and connection manager behind the send primitives
// and lifecycle methods described by the package documentation.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *handler.Registry
	dispatcher *handler.Dispatcher
	bus        *events.Bus
	sched      *scheduler.Scheduler
	conn       *connection.Manager

	mu         sync.Mutex
	state      State
	superv     *supervisor.Supervisor
	stopOnce   sync.Once
	shutdownCh chan struct{}

	resp           *pendingResponses
	intervalCounts map[string]*int64
	intervals      []intervalSpec
	schedStarted   bool
}

// intervalSpec is an OnInterval registration awaiting the scheduler to
// start, since Scheduler.Every refuses new jobs until Start has been
// called and Run is what calls Start.
type intervalSpec struct {
	name     string
	interval time.Duration
	fn       handler.Func
	counter  *int64
}

// New creates an Agent from cfg. A nil cfg uses config.Default()
// (standalone, no endpoint). A nil logger defaults to slog.Default().
func New(cfg *config.Config, logger *slog.Logger) *Agent {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := handler.NewRegistry()
	dispatcher := handler.NewDispatcher(registry, cfg.Workers, logger)
	bus := events.New()

	a := &Agent{
		cfg:            cfg,
		logger:         logger,
		registry:       registry,
		dispatcher:     dispatcher,
		bus:            bus,
		sched:          scheduler.New(logger),
		shutdownCh:     make(chan struct{}),
		resp:           newPendingResponses(),
		intervalCounts: make(map[string]*int64),
	}

	// Route inbound RESPONSE frames to Request's waiters. Registered
	// here (rather than left to the caller) since it's wiring, not a
	// user-visible handler.
	_ = registry.Register(RESPONSE, "*", func(_ context.Context, f Frame) (any, error) {
		a.resp.deliver(f)
		return nil, nil
	})

	a.conn = connection.New(connection.Config{
		Endpoint:        cfg.Endpoint,
		Token:           cfg.Token,
		DiscoveryName:   cfg.Discovery.Name,
		DiscoveryScheme: cfg.Discovery.Scheme,
		SendQueueSize:   cfg.SendQueueSize,
		MaxFrameSize:    cfg.MaxDataSize + cfg.MaxMetaSize,
		NewTransport:    func(endpoint string) (Transport, error) { return transport.New(endpoint, logger) },
		Dispatcher:      dispatcher,
		Registry:        registry,
		Bus:             bus,
		Logger:          logger,
	})

	// A REQUEST handler's return value is sent back as a RESPONSE
	// through the connection manager, same as an explicit Agent.Reply.
	dispatcher.SetReplier(a.conn.Send)

	return a
}

// State returns the Agent's current lifecycle stage.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Events returns the observability bus. Subscribe to it to receive the
// connection manager's connected and disconnected events; the
// dispatcher and the task supervisor do not publish to it.
func (a *Agent) Events() *events.Bus {
	return a.bus
}

// Standalone reports whether the Agent is running without a broker
// connection (no endpoint, no discoverable endpoint, and no token
// forcing a fatal discovery failure).
func (a *Agent) Standalone() bool {
	return a.conn.Standalone()
}

// Handle registers fn for the given (kind, name). Registering the same
// (kind, name) twice is an error. name == "*" is a wildcard fallback
// within kind. The handler's timeout is the config's HandlerTimeout
// unless opts include handler.Timeout.
func (a *Agent) Handle(kind Kind, name string, fn handler.Func, opts ...handler.Option) error {
	opts = append([]handler.Option{handler.Timeout(a.cfg.HandlerTimeout)}, opts...)
	return a.registry.Register(kind, name, fn, opts...)
}

// OnInterval schedules fn to run every interval once the Agent is
// running, as a supervised task. Each invocation receives a Frame named
// "interval-elapsed" carrying an incrementing count in data.count. May
// be called before Run (the usual case, queued and armed once the
// scheduler starts) or after (armed immediately).
func (a *Agent) OnInterval(name string, interval time.Duration, fn handler.Func) error {
	spec := intervalSpec{name: name, interval: interval, fn: fn, counter: new(int64)}

	a.mu.Lock()
	a.intervalCounts[name] = spec.counter
	started := a.schedStarted
	if !started {
		a.intervals = append(a.intervals, spec)
	}
	a.mu.Unlock()

	if !started {
		return nil
	}
	return a.armInterval(spec)
}

// armInterval registers spec's ticker with the scheduler. The
// scheduler must already be running.
func (a *Agent) armInterval(spec intervalSpec) error {
	return a.sched.Every(spec.name, spec.interval, func() {
		*spec.counter++
		frame := NewFrame("interval-elapsed", EVENT, map[string]any{"count": *spec.counter}, nil)
		taskName := "interval-task-" + spec.name
		if _, err := a.superv.Spawn(taskName, true, func(ctx context.Context) error {
			_, err := spec.fn(ctx, frame)
			return err
		}); err != nil {
			a.logger.Debug("interval tick skipped, previous invocation still running", "name", spec.name, "error", err)
		}
	})
}

// Run executes the full startup sequence, blocks until ctx is
// cancelled (the shutdown trigger), then runs the shutdown sequence.
// This is the façade's single entry point; a host program installs its
// own signal handling and cancels ctx to stop the agent, keeping
// signal.Notify at the binary's edge rather than inside the library.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Created {
		a.mu.Unlock()
		return fmt.Errorf("meshagent: Run called in state %s, want %s", a.state, Created)
	}
	a.state = Starting
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.superv = supervisor.New(runCtx, func(name string, err error) {
		a.logger.Error("fatal task error, stopping agent", "name", name, "error", err)
		a.Stop()
	}, a.logger)

	a.sched.Start()

	a.mu.Lock()
	a.schedStarted = true
	pending := a.intervals
	a.intervals = nil
	a.mu.Unlock()

	for _, spec := range pending {
		if err := a.armInterval(spec); err != nil {
			cancel()
			return fmt.Errorf("meshagent: schedule interval %q: %w", spec.name, err)
		}
	}

	if err := a.sched.Every(scheduler.EnsureConnectionName, scheduler.EnsureConnectionInterval, func() {
		if err := a.conn.EnsureConnection(runCtx); err != nil {
			a.logger.Warn("ensure_connection failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("meshagent: schedule ensure_connection: %w", err)
	}

	if err := a.conn.EnsureConnection(runCtx); err != nil {
		if errors.Is(err, connection.ErrFatal) {
			a.sched.Stop()
			cancel()
			a.mu.Lock()
			a.state = Stopped
			a.mu.Unlock()
			return fmt.Errorf("meshagent: initial connect: %w", err)
		}
		a.logger.Warn("initial connect failed, will retry on the ensure_connection tick", "error", err)
	}

	a.dispatchLocal(runCtx, "startup", EVENT)

	a.mu.Lock()
	a.state = Running
	a.mu.Unlock()

	select {
	case <-runCtx.Done():
	case <-a.shutdownCh:
	}

	a.mu.Lock()
	a.state = Stopping
	a.mu.Unlock()

	a.dispatchLocal(context.Background(), "shutdown", EVENT)

	a.sched.Stop()
	_ = a.conn.Close()
	cancel()
	a.superv.CancelAll()
	_ = a.superv.Wait()

	a.mu.Lock()
	a.state = Stopped
	a.mu.Unlock()

	return nil
}

// dispatchLocal runs the registered handler for (kind, name) directly,
// bypassing the transport, for lifecycle events the agent raises on
// itself (startup, shutdown).
func (a *Agent) dispatchLocal(ctx context.Context, name string, kind Kind) {
	frame := NewFrame(name, kind, nil, nil)
	if err := a.dispatcher.Dispatch(ctx, frame); err != nil && err != handler.ErrUnhandled {
		a.logger.Warn("lifecycle handler error", "name", name, "error", err)
	}
}

// Stop triggers the shutdown sequence. Safe to call multiple times and
// from any goroutine, including from within a handler.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.shutdownCh) })
}

// Spawn starts fn as a supervised background task, tracked so Run's
// shutdown sequence cancels and awaits it. Must be called after Run has
// started (from within a handler, or a goroutine derived from one).
func (a *Agent) Spawn(name string, single bool, fn supervisor.Func) (string, error) {
	a.mu.Lock()
	superv := a.superv
	a.mu.Unlock()
	if superv == nil {
		return "", fmt.Errorf("meshagent: Spawn called before Run started the supervisor")
	}
	return superv.Spawn(name, single, fn)
}
