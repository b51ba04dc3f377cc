// Package connection implements the connection manager: the
// EnsureConnection state machine, the frame send/receive loops, and
// re-announcing filter/join state on every reconnect.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshagent/meshagent"
	"github.com/meshagent/meshagent/internal/discovery"
	"github.com/meshagent/meshagent/internal/events"
	"github.com/meshagent/meshagent/internal/handler"
	"github.com/meshagent/meshagent/internal/protocol"
)

// ErrFatal wraps an error that should stop the agent rather than be
// retried: a permission failure, or a missing endpoint with no way to
// discover one.
var ErrFatal = errors.New("connection: fatal")

// TransportFactory builds the concrete Transport for an endpoint.
type TransportFactory func(endpoint string) (meshagent.Transport, error)

// Config configures a Manager.
type Config struct {
	Endpoint        string // empty means standalone unless DiscoveryName is set
	Token           string
	DiscoveryName   string // service name to resolve via mDNS if Endpoint is empty
	DiscoveryScheme string // e.g. "ws"
	SendQueueSize   int    // high-water mark for outbound frames; 0 uses a default
	MaxFrameSize    int    // advertised in the filter command as data.size
	NewTransport    TransportFactory
	Dispatcher      *handler.Dispatcher
	Registry        *handler.Registry // enumerated into the filter command's data.names
	Bus             *events.Bus
	Logger          *slog.Logger
}

const defaultSendQueueSize = 256

// Manager owns exactly one logical connection: it decides whether to
// be connected, standalone, or fatally stopped, and re-establishes the
// transport after a drop.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	transport  meshagent.Transport
	standalone bool
	spaces     map[string]struct{}
	sendCh     chan meshagent.Frame
	recvCancel context.CancelFunc
}

// New creates a Manager. Dispatcher and Bus may be nil.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	return &Manager{
		cfg:        cfg,
		log:        cfg.Logger,
		standalone: cfg.Endpoint == "" && cfg.DiscoveryName == "",
		spaces:     make(map[string]struct{}),
		sendCh:     make(chan meshagent.Frame, cfg.SendQueueSize),
	}
}

// Standalone reports whether the manager decided to run without a
// connection (no endpoint and no discovery name configured).
func (m *Manager) Standalone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.standalone
}

// EnsureConnection implements the reconnect heartbeat: if already
// connected, it returns immediately; if no endpoint is configured it
// either resolves one via mDNS or settles into standalone mode; if
// connecting fails with a permission error it returns a fatal error;
// any other connect failure is returned for the caller (the scheduler's
// 5-second tick) to retry on the next call.
func (m *Manager) EnsureConnection(ctx context.Context) error {
	m.mu.Lock()
	if m.transport != nil {
		m.mu.Unlock()
		return nil
	}
	endpoint := m.cfg.Endpoint
	m.mu.Unlock()

	if endpoint == "" {
		if m.cfg.DiscoveryName == "" {
			m.mu.Lock()
			m.standalone = true
			m.mu.Unlock()
			return nil
		}
		resolved, err := discovery.ResolveEndpoint(m.cfg.DiscoveryName, m.cfg.DiscoveryScheme)
		if err != nil {
			if m.cfg.Token == "" {
				m.mu.Lock()
				m.standalone = true
				m.mu.Unlock()
				return nil
			}
			return fmt.Errorf("%w: resolve endpoint: %v", ErrFatal, err)
		}
		endpoint = resolved
	}

	t, err := m.cfg.NewTransport(endpoint)
	if err != nil {
		return fmt.Errorf("connection: build transport: %w", err)
	}

	if err := t.Connect(ctx, endpoint, m.cfg.Token); err != nil {
		return fmt.Errorf("connection: connect: %w", err)
	}

	var pending []meshagent.Frame
	err = protocol.Login(ctx, t, m.cfg.Token, func(f meshagent.Frame) { pending = append(pending, f) })
	if err != nil {
		_ = t.Close()
		if errors.Is(err, protocol.ErrPermissionDenied) {
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}
		return fmt.Errorf("connection: login: %w", err)
	}

	m.mu.Lock()
	// Cancel any stale receive loop from a prior connection before
	// installing the new transport.
	if m.recvCancel != nil {
		m.recvCancel()
	}
	recvCtx, cancel := context.WithCancel(ctx)
	m.recvCancel = cancel
	m.transport = t
	m.standalone = false
	spaces := make([]string, 0, len(m.spaces))
	for s := range m.spaces {
		spaces = append(spaces, s)
	}
	m.mu.Unlock()

	go m.receiveLoop(recvCtx, t)
	go m.sendLoop(recvCtx, t)

	for _, f := range pending {
		m.dispatch(recvCtx, f)
	}

	if err := m.announceFilter(ctx); err != nil {
		m.log.Warn("failed to announce filter after connect", "error", err)
	}
	for _, space := range spaces {
		if err := m.sendCommand(ctx, "join", map[string]any{"spaces": []string{space}}); err != nil {
			m.log.Warn("failed to rejoin space after reconnect", "space", space, "error", err)
		}
	}

	m.publish(events.KindConnected, "")
	return nil
}

// announceFilter tells the broker exactly which names this agent has
// handlers for, per kind, plus the largest frame it's willing to
// accept, so the broker doesn't forward traffic nothing will dispatch.
func (m *Manager) announceFilter(ctx context.Context) error {
	names := map[string][]string{
		"command": nil,
		"event":   nil,
		"message": nil,
		"request": nil,
	}
	if m.cfg.Registry != nil {
		names["command"] = m.cfg.Registry.Names(meshagent.COMMAND)
		names["event"] = m.cfg.Registry.Names(meshagent.EVENT)
		names["message"] = m.cfg.Registry.Names(meshagent.MESSAGE)
		names["request"] = m.cfg.Registry.Names(meshagent.REQUEST)
	}
	return m.sendCommand(ctx, "filter", map[string]any{
		"names": names,
		"size":  m.cfg.MaxFrameSize,
	})
}

func (m *Manager) sendCommand(ctx context.Context, name string, data map[string]any) error {
	return m.Send(ctx, meshagent.NewFrame(name, meshagent.COMMAND, data, nil))
}

// Join records space as joined and passes the join command to Send:
// queued for the transport, or dispatched locally in standalone mode.
// Joined spaces are re-announced automatically on every reconnect.
func (m *Manager) Join(ctx context.Context, space string) error {
	m.mu.Lock()
	m.spaces[space] = struct{}{}
	m.mu.Unlock()
	return m.sendCommand(ctx, "join", map[string]any{"spaces": []string{space}})
}

// Leave forgets space and passes the leave command to Send, like Join.
func (m *Manager) Leave(ctx context.Context, space string) error {
	m.mu.Lock()
	delete(m.spaces, space)
	m.mu.Unlock()
	return m.sendCommand(ctx, "leave", map[string]any{"spaces": []string{space}})
}

// Send enqueues f for delivery. In standalone mode, f is dispatched
// directly to local handlers instead of being sent over a transport.
// Returns an error if the send queue is at its high-water mark.
func (m *Manager) Send(ctx context.Context, f meshagent.Frame) error {
	m.mu.Lock()
	standalone := m.standalone
	m.mu.Unlock()

	if standalone {
		m.dispatch(ctx, f)
		return nil
	}

	select {
	case m.sendCh <- f:
		return nil
	default:
		return fmt.Errorf("connection: send queue full (high-water mark %d)", m.cfg.SendQueueSize)
	}
}

// SendDirect writes f straight to the current transport, bypassing the
// outbound queue, for callers that want to skip FIFO ordering behind
// whatever is already queued (e.g. a command that should go out ahead
// of a backlog). In standalone mode it dispatches locally like Send.
func (m *Manager) SendDirect(ctx context.Context, f meshagent.Frame) error {
	m.mu.Lock()
	standalone := m.standalone
	t := m.transport
	m.mu.Unlock()

	if standalone {
		m.dispatch(ctx, f)
		return nil
	}
	if t == nil {
		return fmt.Errorf("connection: not connected")
	}
	return t.Send(ctx, f)
}

func (m *Manager) sendLoop(ctx context.Context, t meshagent.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-m.sendCh:
			if err := t.Send(ctx, f); err != nil {
				m.log.Error("send failed, dropping connection", "error", err)
				m.dropConnection()
				return
			}
		}
	}
}

func (m *Manager) receiveLoop(ctx context.Context, t meshagent.Transport) {
	for {
		f, err := t.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn("receive failed, dropping connection", "error", err)
				m.dropConnection()
			}
			return
		}

		if protocol.IsPing(f) {
			_ = m.Send(ctx, protocol.Pong(f))
			continue
		}

		go m.dispatch(ctx, f)
	}
}

// isReservedLifecycleEvent reports whether f is one of the agent's own
// internal lifecycle events. These are raised locally by Agent.Run and
// must never be accepted from a peer or broker.
func isReservedLifecycleEvent(f meshagent.Frame) bool {
	return f.Kind == meshagent.EVENT && (f.Name == "startup" || f.Name == "shutdown")
}

func (m *Manager) dispatch(ctx context.Context, f meshagent.Frame) {
	if isReservedLifecycleEvent(f) {
		m.log.Warn("dropping reserved lifecycle event received from the network", "name", f.Name)
		return
	}
	if m.cfg.Dispatcher == nil {
		return
	}
	if err := m.cfg.Dispatcher.Dispatch(ctx, f); err != nil {
		m.log.Debug("dispatch error", "kind", f.Kind, "name", f.Name, "error", err)
	}
}

// dropConnection tears down the current transport so the next
// EnsureConnection call reconnects.
func (m *Manager) dropConnection() {
	m.mu.Lock()
	t := m.transport
	m.transport = nil
	if m.recvCancel != nil {
		m.recvCancel()
		m.recvCancel = nil
	}
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	m.publish(events.KindDisconnected, "")
}

// Close tears down the connection, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	t := m.transport
	m.transport = nil
	if m.recvCancel != nil {
		m.recvCancel()
		m.recvCancel = nil
	}
	m.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}

func (m *Manager) publish(kind events.Kind, detail string) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Publish(events.Event{Kind: kind, Source: "connection", Detail: detail})
}
