package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryFiresRepeatedly(t *testing.T) {
	s := New(nil)
	s.Start()
	defer s.Stop()

	var count atomic.Int32
	if err := s.Every("tick", 10*time.Millisecond, func() { count.Add(1) }); err != nil {
		t.Fatalf("Every: %v", err)
	}

	time.Sleep(55 * time.Millisecond)
	if got := count.Load(); got < 2 {
		t.Fatalf("expected at least 2 fires, got %d", got)
	}
}

func TestEveryRejectsAfterStop(t *testing.T) {
	s := New(nil)
	s.Start()
	s.Stop()

	if err := s.Every("tick", time.Millisecond, func() {}); err == nil {
		t.Fatal("expected error scheduling after Stop")
	}
}

func TestCancelStopsJob(t *testing.T) {
	s := New(nil)
	s.Start()
	defer s.Stop()

	var count atomic.Int32
	if err := s.Every("tick", 5*time.Millisecond, func() { count.Add(1) }); err != nil {
		t.Fatalf("Every: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	s.Cancel("tick")
	after := count.Load()
	time.Sleep(20 * time.Millisecond)
	if count.Load() != after {
		t.Fatalf("job kept firing after Cancel: before=%d after=%d", after, count.Load())
	}
}

func TestJobsListsScheduled(t *testing.T) {
	s := New(nil)
	s.Start()
	defer s.Stop()

	_ = s.Every("a", time.Second, func() {})
	_ = s.Every("b", time.Second, func() {})

	jobs := s.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d: %v", len(jobs), jobs)
	}
}
