package meshagent

// Kind classifies a Frame's purpose on the wire.
//
// COMMAND through RESPONSE are the kinds an agent dispatches and
// handles directly. STATE and STREAM are reserved: the binary codec
// accepts and round-trips them, but this runtime has no default
// dispatch path for them beyond the generic "*" handler fallback. They
// exist in the superset so a future agent can opt into them without a
// wire-format break.
type Kind uint16

const (
	// COMMAND asks the receiver to perform an action. Commands may be
	// rate limited and are the usual vehicle for control-plane traffic
	// like login and join/leave.
	COMMAND Kind = 1
	// EVENT announces that something happened. Events are typically
	// broadcast to a space rather than addressed to one recipient.
	EVENT Kind = 2
	// MESSAGE carries a free-form payload between agents.
	MESSAGE Kind = 3
	// REQUEST expects a correlated RESPONSE frame whose meta.reply_to
	// carries the request's UUID.
	REQUEST Kind = 4
	// RESPONSE answers a REQUEST. It has its own UUID; meta.reply_to
	// holds the UUID of the request it answers.
	RESPONSE Kind = 5
	// STATE is reserved for future state-sync frames.
	STATE Kind = 6
	// STREAM is reserved for future chunked/streaming frames.
	STREAM Kind = 7
)

// String renders the Kind's wire name, used in log messages and the
// handler registry's debug output.
func (k Kind) String() string {
	switch k {
	case COMMAND:
		return "command"
	case EVENT:
		return "event"
	case MESSAGE:
		return "message"
	case REQUEST:
		return "request"
	case RESPONSE:
		return "response"
	case STATE:
		return "state"
	case STREAM:
		return "stream"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the known Kind values.
func (k Kind) Valid() bool {
	switch k {
	case COMMAND, EVENT, MESSAGE, REQUEST, RESPONSE, STATE, STREAM:
		return true
	default:
		return false
	}
}
