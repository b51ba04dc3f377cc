// Package handler implements the handler registry and dispatcher: the
// per-(kind, name) table an agent registers callbacks into, and the
// rate-limited, timeout-bounded invocation path inbound frames go
// through.
package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshagent/meshagent"
)

// DefaultTimeout is the per-invocation timeout applied when a handler
// is registered without an explicit one.
const DefaultTimeout = 10 * time.Second

// Func is a registered handler. The dispatcher passes the triggering
// Frame to every handler, whether or not it was registered with
// AcceptsFrame; a handler that has no use for it ignores its second
// argument.
// A non-nil return value, when the triggering frame is a REQUEST, is
// sent back as a RESPONSE automatically: a map[string]any becomes the
// reply's data as-is, anything else is wrapped as {"_response": value}.
// A handler that replies itself (via Agent.Reply) and has nothing more
// to add should return nil to skip the automatic reply.
type Func func(ctx context.Context, f meshagent.Frame) (any, error)

// Option configures a handler at registration time.
type Option func(*entry)

// AcceptsFrame marks a handler as wanting the triggering Frame, as an
// explicit flag rather than something inferred from the handler's
// signature. The flag is recorded on the registry entry only; dispatch
// does not read it and passes the Frame to flagged and unflagged
// handlers alike.
func AcceptsFrame() Option { return func(e *entry) { e.acceptsFrame = true } }

// Async marks a handler as non-blocking: the dispatcher calls it
// directly on the dispatch path instead of offloading it to the
// worker pool. Handlers that do any I/O or other blocking work should
// be registered without Async so they run off the core loop.
func Async() Option { return func(e *entry) { e.async = true } }

// Timeout overrides DefaultTimeout for this handler.
func Timeout(d time.Duration) Option { return func(e *entry) { e.timeout = d } }

// RateLimits attaches one or more "calls/period" budgets (e.g. "10/1m").
// A call exceeding any attached budget is rejected.
func RateLimits(limits ...string) Option {
	return func(e *entry) { e.rateLimitSpecs = append(e.rateLimitSpecs, limits...) }
}

type entry struct {
	fn             Func
	acceptsFrame   bool
	async          bool
	timeout        time.Duration
	rateLimitSpecs []string
	limiters       []*limiter
}

type key struct {
	kind meshagent.Kind
	name string
}

// Registry is the per-(kind, name) handler table, with a "*" name
// acting as the fallback for any unregistered name of that kind.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[key]*entry)}
}

// Register adds a handler for (kind, name). Registering the same
// (kind, name) twice is an error — handlers are not replaceable, only
// addable.
func (r *Registry) Register(kind meshagent.Kind, name string, fn Func, opts ...Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{kind: kind, name: name}
	if _, exists := r.entries[k]; exists {
		return fmt.Errorf("handler: already registered for %s %q", kind, name)
	}

	e := &entry{fn: fn, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	for _, spec := range e.rateLimitSpecs {
		rl, err := ParseRateLimit(spec)
		if err != nil {
			return err
		}
		e.limiters = append(e.limiters, newLimiter(rl))
	}

	r.entries[k] = e
	return nil
}

// Names returns the registered handler names for kind, in the order
// they were discovered (unordered across calls, since map iteration
// order is randomized). The "*" wildcard fallback is included if
// registered, matching what the handler table actually dispatches.
func (r *Registry) Names(kind meshagent.Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for k := range r.entries {
		if k.kind == kind {
			names = append(names, k.name)
		}
	}
	return names
}

// lookup returns the entry for (kind, name), falling back to the "*"
// entry for that kind if no exact match exists.
func (r *Registry) lookup(kind meshagent.Kind, name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[key{kind: kind, name: name}]; ok {
		return e, true
	}
	if e, ok := r.entries[key{kind: kind, name: "*"}]; ok {
		return e, true
	}
	return nil, false
}
