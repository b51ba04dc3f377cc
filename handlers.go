package meshagent

import "context"

// Emit sends an EVENT frame built from name and data. In standalone
// mode it dispatches directly to local handlers instead of queuing for
// a transport.
func (a *Agent) Emit(ctx context.Context, name string, data map[string]any) error {
	return a.conn.Send(ctx, NewFrame(name, EVENT, data, nil))
}

// Message sends a MESSAGE frame carrying text in data.text and locale
// in meta.locale, merging any additional fields from data.
func (a *Agent) Message(ctx context.Context, name, text, locale string, data map[string]any) error {
	payload := map[string]any{"text": text}
	for k, v := range data {
		payload[k] = v
	}
	var meta map[string]any
	if locale != "" {
		meta = map[string]any{"locale": locale}
	}
	return a.conn.Send(ctx, NewFrame(name, MESSAGE, payload, meta))
}

// Reply sends f, typically a RESPONSE built by calling Reply on the
// REQUEST frame a handler received, back to its correlated requester.
func (a *Agent) Reply(ctx context.Context, f Frame) error {
	return a.conn.Send(ctx, f)
}

// Command sends a COMMAND frame. Commands are sent directly rather
// than queued unless queue is true, since commands are usually urgent
// control-plane traffic.
func (a *Agent) Command(ctx context.Context, name string, queue bool, data map[string]any) error {
	f := NewFrame(name, COMMAND, data, nil)
	if queue {
		return a.conn.Send(ctx, f)
	}
	return a.conn.SendDirect(ctx, f)
}
