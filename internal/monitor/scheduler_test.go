package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allocvoid/clashspy/internal/config"
	"github.com/allocvoid/clashspy/internal/service"
)

type fakeRunner struct {
	mu     sync.Mutex
	cycles map[string]int
	err    error
}

func (r *fakeRunner) RunCycle(ctx context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cycles == nil {
		r.cycles = make(map[string]int)
	}
	r.cycles[tag]++
	return r.err
}

func (r *fakeRunner) RefreshProfile(ctx context.Context, tag string) error { return nil }

func (r *fakeRunner) NotifyFailing(ctx context.Context, tag string, failures int, reason string) {}

func (r *fakeRunner) count(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycles[tag]
}

func newTestScheduler(runner Runner) *Scheduler {
	cfg := &config.Config{PollInterval: 5 * time.Millisecond}
	return NewScheduler(runner, cfg, zerolog.Nop())
}

func TestSchedulerRunsCycles(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	s.Start()
	defer s.Stop()

	s.Watch("AAA")

	deadline := time.Now().Add(time.Second)
	for runner.count("AAA") < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := runner.count("AAA"); got < 3 {
		t.Errorf("expected repeated cycles, got %d", got)
	}
}

func TestSchedulerWatchIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	s.Start()
	defer s.Stop()

	s.Watch("AAA")
	s.Watch("AAA")
	s.Watch("AAA")

	if !s.Watching("AAA") {
		t.Fatal("expected subject to be watched")
	}

	// Only one loop may exist: Unwatch once must fully stop cycling.
	s.Unwatch("AAA")
	time.Sleep(20 * time.Millisecond)
	before := runner.count("AAA")
	time.Sleep(30 * time.Millisecond)
	if after := runner.count("AAA"); after != before {
		t.Errorf("cycles continued after Unwatch: %d -> %d", before, after)
	}
}

func TestSchedulerWatchBeforeStart(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)

	// Watches requested during wiring are queued until Start.
	s.Watch("AAA")
	if s.Watching("AAA") {
		t.Error("pending watch should not be live before Start")
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for runner.count("AAA") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runner.count("AAA") == 0 {
		t.Error("pending watch never started after Start")
	}
}

func TestSchedulerLoopExitsWhenNotMonitored(t *testing.T) {
	runner := &fakeRunner{err: service.ErrNotMonitored}
	s := newTestScheduler(runner)
	s.Start()
	defer s.Stop()

	s.Watch("AAA")

	deadline := time.Now().Add(time.Second)
	for s.Watching("AAA") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Watching("AAA") {
		t.Error("loop should exit once the subject is gone")
	}
	if got := runner.count("AAA"); got != 1 {
		t.Errorf("expected exactly one cycle, got %d", got)
	}
}

func TestSchedulerStopWaitsForLoops(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	s.Start()
	s.Watch("AAA")
	s.Watch("BBB")

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	a, b := runner.count("AAA"), runner.count("BBB")
	time.Sleep(30 * time.Millisecond)
	if runner.count("AAA") != a || runner.count("BBB") != b {
		t.Error("cycles continued after Stop returned")
	}
}
