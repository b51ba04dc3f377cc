// Package scheduler runs fixed-cadence interval jobs for an agent.
//
// There are two kinds of job: the handlers an agent registers with
// Agent.OnInterval, each on its own declared period, and a single
// built-in ensure_connection tick fired every 5 seconds so the
// connection manager can retry a down connection without its own timer
// loop. Jobs are not persisted; the scheduler only knows about the
// jobs registered since the last Start.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// EnsureConnectionName is the reserved job name for the connection
// manager's reconnect tick.
const EnsureConnectionName = "ensure_connection"

// EnsureConnectionInterval is the fixed cadence of the reconnect tick.
const EnsureConnectionInterval = 5 * time.Second

// JobFunc is run each time a job fires. It receives no arguments; a
// job closes over whatever state it needs.
type JobFunc func()

// Scheduler manages named, periodic jobs.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Ticker
	stop    map[string]chan struct{}
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		timers: make(map[string]*time.Ticker),
		stop:   make(map[string]chan struct{}),
	}
}

// Start marks the scheduler as accepting new jobs. Every refuses jobs
// (returns an error) until Start has been called; register jobs after
// Start.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.logger.Debug("scheduler started")
}

// Stop pauses the scheduler so no new job can be registered, cancels
// every running ticker, and waits for in-flight job invocations to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for name, stopCh := range s.stop {
		close(stopCh)
		delete(s.stop, name)
	}
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Every registers a job that fires fn every interval until Stop or
// Cancel(name). Registering a name that already exists replaces the
// prior job. Every is a no-op (returns an error) if the scheduler has
// not been started or has been stopped, so that no new job can start
// after shutdown has begun.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return errSchedulerStopped
	}

	if old, exists := s.timers[name]; exists {
		old.Stop()
		close(s.stop[name])
		delete(s.timers, name)
		delete(s.stop, name)
	}

	ticker := time.NewTicker(interval)
	stopCh := make(chan struct{})
	s.timers[name] = ticker
	s.stop[name] = stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	s.logger.Debug("job scheduled", "name", name, "interval", interval)
	return nil
}

// Cancel stops the named job, if running, and returns only once the
// job's goroutine has taken the stop signal, so no invocation of its fn
// is in flight or still to come. It must not be called from within that
// same job's fn.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	t, exists := s.timers[name]
	if !exists {
		s.mu.Unlock()
		return
	}
	t.Stop()
	stopCh := s.stop[name]
	delete(s.timers, name)
	delete(s.stop, name)
	s.mu.Unlock()

	stopCh <- struct{}{}
}

// Jobs returns the names of currently scheduled jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.timers))
	for name := range s.timers {
		names = append(names, name)
	}
	return names
}

var errSchedulerStopped = schedulerStoppedError{}

type schedulerStoppedError struct{}

func (schedulerStoppedError) Error() string { return "scheduler: stopped, cannot schedule new jobs" }
