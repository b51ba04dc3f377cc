package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/meshagent/meshagent"
)

// maxDatagramSize is the largest UDP payload this carrier will attempt
// to read. It comfortably covers a Frame with the default 512/256-byte
// data/meta caps plus JSON overhead; agents that set Frame.Large on
// oversized payloads should prefer ws:// or mqtt:// instead.
const maxDatagramSize = 16 * 1024

// Datagram carries Frames as JSON packets over UDP. There is no
// framing beyond "one packet, one Frame": UDP already preserves
// message boundaries, unlike the stream-oriented ws/mqtt carriers.
type Datagram struct {
	logger *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewDatagram constructs an unconnected Datagram transport.
func NewDatagram(logger *slog.Logger) *Datagram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Datagram{logger: logger}
}

// Connect dials endpoint (a dgram://host:port/ URL).
func (d *Datagram) Connect(ctx context.Context, endpoint, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("transport: parse dgram endpoint: %w", err)
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		return fmt.Errorf("transport: dgram endpoint %q must include a port", endpoint)
	}

	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return fmt.Errorf("transport: resolve dgram endpoint: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("transport: dial udp: %w", err)
	}

	d.logger.Info("datagram connected", "endpoint", endpoint)
	d.conn = conn
	return nil
}

// Close closes the underlying socket.
func (d *Datagram) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Send writes f as a single JSON UDP packet.
func (d *Datagram) Send(ctx context.Context, f meshagent.Frame) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: datagram not connected")
	}

	payload, err := f.ToJSON()
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("transport: udp write: %w", err)
	}
	return nil
}

// Recv reads one UDP packet and decodes it as a Frame.
func (d *Datagram) Recv(ctx context.Context) (meshagent.Frame, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return meshagent.Frame{}, fmt.Errorf("transport: datagram not connected")
	}

	buf := make([]byte, maxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return meshagent.Frame{}, fmt.Errorf("transport: udp read: %w", err)
	}

	f, err := meshagent.FrameFromJSON(buf[:n])
	if err != nil {
		return meshagent.Frame{}, fmt.Errorf("transport: decode frame: %w", err)
	}
	return f, nil
}
