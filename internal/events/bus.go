// Package events provides a publish/subscribe event bus for runtime
// observability. Events flow to whatever a host program subscribes (a
// metrics collector, a debug log tailer). In this module only the
// connection manager publishes (KindConnected, KindDisconnected); the
// other Kind values are defined but nothing here publishes them. The
// bus is nil-safe: calling Publish
// on a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source identifies which component published an event.
type Source string

const (
	SourceConnection Source = "connection"
	SourceDispatcher Source = "dispatcher"
	SourceScheduler  Source = "scheduler"
	SourceSupervisor Source = "supervisor"
)

// Kind describes the type of event within a source.
type Kind string

const (
	// KindConnected signals the connection manager established and
	// authenticated a transport.
	KindConnected Kind = "connected"
	// KindDisconnected signals the connection manager lost its transport
	// and will retry on the next ensure_connection tick.
	KindDisconnected Kind = "disconnected"
	// KindHandlerTimeout signals a handler exceeded its timeout.
	KindHandlerTimeout Kind = "handler_timeout"
	// KindRateLimited signals a handler call was rejected by its rate
	// limit.
	KindRateLimited Kind = "rate_limited"
	// KindTaskSpawned signals the supervisor started a new task.
	KindTaskSpawned Kind = "task_spawned"
	// KindTaskFailed signals a spawned task returned a fatal error.
	KindTaskFailed Kind = "task_failed"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    Source         `json:"source"`
	Kind      Kind           `json:"kind"`
	Detail    string         `json:"detail,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event without an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, stamping Timestamp if
// unset. Non-blocking: a full subscriber channel drops the event
// rather than stalling the publisher. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid a resource leak.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call with an already-unsubscribed channel (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers. Safe to
// call on a nil receiver.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
