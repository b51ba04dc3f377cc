package meshagent

import "context"

// Transport is the abstract carrier a connection manager drives. A
// concrete Transport owns exactly one underlying connection (a
// WebSocket, a UDP socket, an MQTT session, or an in-memory pair of
// channels) and speaks Frames over it; it does not itself perform the
// login handshake or interpret Kind values beyond what a carrier-level
// auth step requires.
//
// Implementations must be safe for one concurrent Send and one
// concurrent Recv call (typically from a single writer goroutine and a
// single reader goroutine), but need not support concurrent Sends or
// concurrent Recvs with each other.
type Transport interface {
	// Connect establishes the underlying connection to endpoint,
	// presenting token if the carrier has its own transport-level auth
	// (e.g. an MQTT username/password). It does not send a Frame-level
	// login COMMAND; that is the protocol codec's job.
	Connect(ctx context.Context, endpoint, token string) error

	// Close tears down the underlying connection. Close must be safe to
	// call more than once and must unblock any in-flight Recv.
	Close() error

	// Send writes a single Frame to the carrier.
	Send(ctx context.Context, f Frame) error

	// Recv blocks until a Frame arrives, ctx is cancelled, or the
	// carrier closes.
	Recv(ctx context.Context) (Frame, error)
}
