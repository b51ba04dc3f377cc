package meshagent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// pendingResponses correlates outstanding REQUEST frames to the
// single-slot channel their RESPONSE arrives on. At most one slot per
// UUID; a response for an unknown UUID is dropped.
type pendingResponses struct {
	mu sync.Mutex
	m  map[string]chan Frame
}

func newPendingResponses() *pendingResponses {
	return &pendingResponses{m: make(map[string]chan Frame)}
}

func (p *pendingResponses) register(uuid string) chan Frame {
	ch := make(chan Frame, 1)
	p.mu.Lock()
	p.m[uuid] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingResponses) remove(uuid string) {
	p.mu.Lock()
	delete(p.m, uuid)
	p.mu.Unlock()
}

// deliver routes a RESPONSE frame to its waiting requester, if any,
// keyed by the request uuid the frame's meta.reply_to carries rather
// than the response's own (freshly generated) uuid.
func (p *pendingResponses) deliver(f Frame) {
	replyTo, _ := f.Meta["reply_to"].(string)
	if replyTo == "" {
		return
	}
	p.mu.Lock()
	ch, ok := p.m[replyTo]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// Request sends a REQUEST frame and blocks until a correlated RESPONSE
// arrives or timeout elapses. If the response's data contains a
// "_response" key holding a map, that map is returned; a "_response"
// value of any other type is returned wrapped as {"_response": value},
// not unwrapped. Otherwise the full data map is returned.
func (a *Agent) Request(ctx context.Context, name string, timeout time.Duration, data map[string]any) (map[string]any, error) {
	f := NewFrame(name, REQUEST, data, nil)
	ch := a.resp.register(f.UUID)
	defer a.resp.remove(f.UUID)

	if err := a.conn.Send(ctx, f); err != nil {
		return nil, fmt.Errorf("meshagent: send request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if inner, ok := resp.Data["_response"]; ok {
			if m, ok := inner.(map[string]any); ok {
				return m, nil
			}
			return map[string]any{"_response": inner}, nil
		}
		return resp.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("meshagent: request %q timed out after %s", name, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
