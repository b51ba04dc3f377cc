package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/meshagent/meshagent"
)

// MQTT carries Frames as JSON payloads over an MQTT broker, using two
// topics derived from the endpoint path: "<path>/to-server" (this
// agent publishes, the broker's peer subscribes) and "<path>/to-client"
// (this agent subscribes). Unlike ws/dgram, MQTT's own reconnect
// machinery (autopaho) is reused rather than left to the connection
// manager; OnConnectionUp re-subscribes every time, matching the
// teacher's publisher wiring, since autopaho does not resubscribe for
// the caller.
type MQTT struct {
	logger *slog.Logger

	mu       sync.Mutex
	cm       *autopaho.ConnectionManager
	inbound  chan meshagent.Frame
	toServer string
	toClient string
}

// NewMQTT constructs an unconnected MQTT transport.
func NewMQTT(logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{logger: logger, inbound: make(chan meshagent.Frame, 64)}
}

// Connect dials endpoint (an mqtt://host:port/base-topic or
// mqtts://host:port/base-topic URL). token, if set, is used as the
// MQTT password with the endpoint's userinfo (or "meshagent") as the
// username.
func (m *MQTT) Connect(ctx context.Context, endpoint, token string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("transport: parse mqtt endpoint: %w", err)
	}

	brokerScheme := "mqtt"
	if u.Scheme == "mqtts" {
		brokerScheme = "ssl"
	}
	brokerURL, err := url.Parse(fmt.Sprintf("%s://%s", brokerScheme, u.Host))
	if err != nil {
		return fmt.Errorf("transport: build broker url: %w", err)
	}

	base := strings.Trim(u.Path, "/")
	if base == "" {
		base = "meshagent"
	}
	m.toServer = base + "/to-server"
	m.toClient = base + "/to-client"

	username := "meshagent"
	if u.User != nil {
		username = u.User.Username()
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:        []*url.URL{brokerURL},
		KeepAlive:         30,
		ConnectRetryDelay: 0,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected", "broker", brokerURL.String())
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: m.toClient, QoS: 1}},
			}); err != nil {
				m.logger.Error("mqtt resubscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connect error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: username + "-" + randomSuffix(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				m.onPublish,
			},
		},
	}
	if brokerScheme == "ssl" {
		cfg.TlsCfg = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	}
	if token != "" {
		cfg.ConnectUsername = username
		cfg.ConnectPassword = []byte(token)
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("transport: mqtt connection: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("transport: mqtt await connection: %w", err)
	}

	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()
	return nil
}

func (m *MQTT) onPublish(pr paho.PublishReceived) (bool, error) {
	f, err := meshagent.FrameFromJSON(pr.Packet.Payload)
	if err != nil {
		m.logger.Warn("mqtt: dropping undecodable frame", "error", err)
		return true, nil
	}
	select {
	case m.inbound <- f:
	default:
		m.logger.Warn("mqtt: inbound channel full, dropping frame", "name", f.Name)
	}
	return true, nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.mu.Lock()
	cm := m.cm
	m.cm = nil
	m.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(context.Background())
}

// Send publishes f to the "to-server" topic.
func (m *MQTT) Send(ctx context.Context, f meshagent.Frame) error {
	m.mu.Lock()
	cm := m.cm
	m.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("transport: mqtt not connected")
	}

	payload, err := f.ToJSON()
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}

	_, err = cm.Publish(ctx, &paho.Publish{
		QoS:     1,
		Topic:   m.toServer,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("transport: mqtt publish: %w", err)
	}
	return nil
}

// Recv returns the next Frame delivered on the "to-client" topic.
func (m *MQTT) Recv(ctx context.Context) (meshagent.Frame, error) {
	select {
	case f := <-m.inbound:
		return f, nil
	case <-ctx.Done():
		return meshagent.Frame{}, ctx.Err()
	}
}

func randomSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	id := meshagent.NewFrame("seed", meshagent.COMMAND, nil, nil).UUID
	b := make([]byte, 6)
	for i := range b {
		b[i] = alphabet[int(id[i])%len(alphabet)]
	}
	return string(b)
}
