// Package transport provides the concrete Frame carriers selected by
// an endpoint's URL scheme: in-memory queues for tests, WebSocket,
// UDP datagram, and MQTT.
package transport

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/meshagent/meshagent"
)

// New constructs the concrete meshagent.Transport for endpoint's
// scheme: "ws", "wss", "dgram", "mqtt", or "mqtts". A "queue" endpoint
// is not dialed: New returns an error for it, and in-memory queues are
// built only with NewQueuePair. A nil logger defaults to slog.Default().
func New(endpoint string, logger *slog.Logger) (meshagent.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return NewWebSocket(logger), nil
	case "dgram":
		return NewDatagram(logger), nil
	case "mqtt", "mqtts":
		return NewMQTT(logger), nil
	case "queue":
		return nil, fmt.Errorf("transport: queue:// carriers are paired in-process with NewQueuePair, not dialed by scheme")
	default:
		return nil, fmt.Errorf("transport: unrecognized scheme %q in endpoint %q", u.Scheme, endpoint)
	}
}
