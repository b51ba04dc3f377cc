// Package supervisor tracks goroutines an agent spawns at runtime
// (interval tasks, background workers started from a handler), so
// every one of them can be cancelled and awaited together on shutdown.
package supervisor

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Func is a spawned task. It must return promptly once ctx is
// cancelled. Nothing enforces this: a task that ignores cancellation
// is not reported, and Wait blocks until it returns.
type Func func(ctx context.Context) error

type spawned struct {
	cancel context.CancelFunc
}

// Supervisor tracks spawned tasks by name.
type Supervisor struct {
	logger *slog.Logger

	mu     sync.Mutex
	group  *errgroup.Group
	ctx    context.Context
	tasks  map[string]spawned
	onFail func(name string, err error)
}

// New creates a Supervisor bound to parent. Cancelling parent cancels
// every task spawned through this Supervisor. onFail, if non-nil, is
// called when a task returns a non-nil, non-context-cancelled error —
// the agent façade uses this to stop itself when a supervised task
// dies unexpectedly.
func New(parent context.Context, onFail func(name string, err error), logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	group, ctx := errgroup.WithContext(parent)
	return &Supervisor{
		logger: logger,
		group:  group,
		ctx:    ctx,
		tasks:  make(map[string]spawned),
		onFail: onFail,
	}
}

// Spawn starts fn in a new goroutine under name. If single is true and
// a task named exactly name is already running, Spawn returns an error
// instead of starting a second instance; otherwise a random 6-character
// suffix is appended to name to make it unique. Returns the name
// actually used (with suffix, if one was appended).
func (s *Supervisor) Spawn(name string, single bool, fn Func) (string, error) {
	s.mu.Lock()

	if single {
		if _, exists := s.tasks[name]; exists {
			s.mu.Unlock()
			return "", fmt.Errorf("supervisor: %q is already running", name)
		}
	} else {
		name = name + "-" + randomSuffix()
	}

	taskCtx, cancel := context.WithCancel(s.ctx)
	s.tasks[name] = spawned{cancel: cancel}
	s.mu.Unlock()

	s.group.Go(func() error {
		err := fn(taskCtx)

		s.mu.Lock()
		delete(s.tasks, name)
		s.mu.Unlock()

		if err != nil && taskCtx.Err() == nil {
			s.logger.Error("spawned task failed", "name", name, "error", err)
			if s.onFail != nil {
				s.onFail(name, err)
			}
			return err
		}
		s.logger.Debug("spawned task finished", "name", name)
		return nil
	})

	return name, nil
}

// CancelAll cancels every currently running task spawned through this
// Supervisor.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		t.cancel()
	}
}

// Wait blocks until every spawned task has returned, returning the
// first non-nil error encountered (if any).
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}

// Names returns the names of currently running tasks.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

func randomSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// unavailable; fall back to a fixed suffix rather than panic.
		return "000000"
	}
	for i, v := range b {
		b[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(b)
}
