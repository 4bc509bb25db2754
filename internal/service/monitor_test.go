package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/allocvoid/clashspy/internal/api"
	"github.com/allocvoid/clashspy/internal/config"
	"github.com/allocvoid/clashspy/internal/database"
	"github.com/allocvoid/clashspy/internal/domain"
	"github.com/allocvoid/clashspy/internal/store"
)

type stubAPI struct {
	mu      sync.Mutex
	profile *api.Profile
	log     []api.RawBattle
	err     error
}

func (s *stubAPI) FetchProfile(ctx context.Context, tag string) (*api.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.profile, nil
}

func (s *stubAPI) FetchBattleLog(ctx context.Context, tag string) ([]api.RawBattle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.log, nil
}

func (s *stubAPI) FetchUpcomingChests(ctx context.Context, tag string) (*api.ChestCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &api.ChestCycle{}, nil
}

func (s *stubAPI) setLog(log []api.RawBattle) {
	s.mu.Lock()
	s.log = log
	s.mu.Unlock()
}

type stubNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *stubNotifier) Publish(ctx context.Context, ev domain.Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *stubNotifier) take() []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	evs := n.events
	n.events = nil
	return evs
}

type stubWatcher struct {
	mu       sync.Mutex
	watching map[string]bool
}

func (w *stubWatcher) Watch(tag string) {
	w.mu.Lock()
	if w.watching == nil {
		w.watching = make(map[string]bool)
	}
	w.watching[tag] = true
	w.mu.Unlock()
}

func (w *stubWatcher) Unwatch(tag string) {
	w.mu.Lock()
	delete(w.watching, tag)
	w.mu.Unlock()
}

func (w *stubWatcher) isWatching(tag string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching[tag]
}

const subjectTag = "SUBJ1"

var cycleBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rawBattle(minute, subjectCrowns, opponentCrowns int, oppTag string) api.RawBattle {
	return api.RawBattle{
		Type:       "pathOfLegend",
		BattleTime: cycleBase.Add(time.Duration(minute) * time.Minute).Format("20060102T150405.000Z"),
		GameMode:   api.GameMode{Name: "Ranked1v1"},
		Team: []api.RawParticipant{{
			Tag: "#" + subjectTag, Name: "Subject", Crowns: subjectCrowns, TrophyChange: 30,
		}},
		Opponent: []api.RawParticipant{{
			Tag: "#" + oppTag, Name: "Opp " + oppTag, Crowns: opponentCrowns,
		}},
	}
}

func newTestService(t *testing.T) (*MonitorService, *stubAPI, *stubNotifier, *stubWatcher) {
	t.Helper()

	db, err := database.New(&config.Config{DBPath: ":memory:"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stub := &stubAPI{
		profile: &api.Profile{
			Tag: "#" + subjectTag, Name: "Subject", Trophies: 6000,
			Arena: api.ArenaRef{Name: "Legendary Arena"},
		},
	}
	notifier := &stubNotifier{}
	watcher := &stubWatcher{}

	svc := NewMonitorService(stub, store.New(db, zerolog.Nop()), notifier,
		rate.NewLimiter(rate.Inf, 0), zerolog.Nop())
	svc.AttachWatcher(watcher)
	return svc, stub, notifier, watcher
}

func startSubject(t *testing.T, svc *MonitorService) {
	t.Helper()
	if _, err := svc.StartMonitoring(context.Background(), "#"+subjectTag); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
}

func TestStartMonitoring(t *testing.T) {
	svc, _, _, watcher := newTestService(t)

	subj, err := svc.StartMonitoring(context.Background(), "#subj1")
	if err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if subj.Tag != subjectTag || subj.Name != "Subject" {
		t.Errorf("subject = %+v", subj)
	}
	if !watcher.isWatching(subjectTag) {
		t.Error("expected subject to be scheduled")
	}

	if _, err := svc.StartMonitoring(context.Background(), subjectTag); !errors.Is(err, ErrAlreadyMonitored) {
		t.Errorf("expected ErrAlreadyMonitored, got %v", err)
	}
}

func TestStartMonitoringUnknownPlayer(t *testing.T) {
	svc, stub, _, _ := newTestService(t)
	stub.err = api.ErrNotFound

	if _, err := svc.StartMonitoring(context.Background(), "NOPE"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestFirstCycleIsBaseline(t *testing.T) {
	svc, stub, notifier, _ := newTestService(t)
	startSubject(t, svc)

	stub.setLog([]api.RawBattle{
		rawBattle(2, 3, 0, "OPP1"),
		rawBattle(1, 0, 2, "OPP2"),
	})

	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if evs := notifier.take(); len(evs) != 0 {
		t.Errorf("baseline cycle must emit no events, got %d", len(evs))
	}
	_, agg, err := svc.GetStats(subjectTag)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if agg.Total.Battles != 0 {
		t.Errorf("baseline cycle must not count battles, got %d", agg.Total.Battles)
	}
}

func TestCycleDetectsNewBattles(t *testing.T) {
	svc, stub, notifier, _ := newTestService(t)
	startSubject(t, svc)

	stub.setLog([]api.RawBattle{rawBattle(1, 0, 2, "OPP1")})
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("baseline cycle: %v", err)
	}
	notifier.take()

	// Two new battles land on top of the log.
	stub.setLog([]api.RawBattle{
		rawBattle(3, 3, 1, "OPP2"),
		rawBattle(2, 2, 0, "OPP2"),
		rawBattle(1, 0, 2, "OPP1"),
	})
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	evs := notifier.take()
	// Battle at minute 2, battle at minute 3, plus the rival promotion for
	// OPP2's second encounter.
	var battles []domain.NewBattleDetected
	var promotions []domain.RivalPromoted
	for _, ev := range evs {
		switch e := ev.(type) {
		case domain.NewBattleDetected:
			battles = append(battles, e)
		case domain.RivalPromoted:
			promotions = append(promotions, e)
		}
	}
	if len(battles) != 2 {
		t.Fatalf("expected 2 battle events, got %d (total events %d)", len(battles), len(evs))
	}
	if battles[0].Battle.Time.After(battles[1].Battle.Time) {
		t.Error("battle events must be in chronological order")
	}
	if len(promotions) != 1 {
		t.Fatalf("expected 1 rival promotion, got %d", len(promotions))
	}
	if promotions[0].Rival.Tag != "OPP2" {
		t.Errorf("promoted rival = %s, want OPP2", promotions[0].Rival.Tag)
	}

	_, agg, err := svc.GetStats(subjectTag)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if agg.Total.Battles != 2 || agg.Total.Wins != 2 {
		t.Errorf("aggregate total = %+v, want 2 battles 2 wins", agg.Total)
	}
}

func TestCycleIdempotentWhenLogUnchanged(t *testing.T) {
	svc, stub, notifier, _ := newTestService(t)
	startSubject(t, svc)

	stub.setLog([]api.RawBattle{rawBattle(1, 3, 0, "OPP1")})
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	stub.setLog([]api.RawBattle{
		rawBattle(2, 3, 0, "OPP1"),
		rawBattle(1, 3, 0, "OPP1"),
	})
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	notifier.take()

	// Same log again: nothing new may be counted or announced.
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if evs := notifier.take(); len(evs) != 0 {
		t.Errorf("unchanged log produced %d events", len(evs))
	}
	_, agg, _ := svc.GetStats(subjectTag)
	if agg.Total.Battles != 1 {
		t.Errorf("battles = %d, want 1", agg.Total.Battles)
	}
}

func TestCycleLogDiscontinuity(t *testing.T) {
	svc, stub, notifier, _ := newTestService(t)
	startSubject(t, svc)

	stub.setLog([]api.RawBattle{rawBattle(1, 3, 0, "OPP1")})
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	notifier.take()

	// Log rotated fully past the cursor.
	stub.setLog([]api.RawBattle{
		rawBattle(50, 3, 0, "OPP2"),
		rawBattle(49, 0, 1, "OPP3"),
	})
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	evs := notifier.take()
	var sawDiscontinuity bool
	var battleCount int
	for _, ev := range evs {
		switch ev.(type) {
		case domain.LogDiscontinuityDetected:
			sawDiscontinuity = true
		case domain.NewBattleDetected:
			battleCount++
		}
	}
	if !sawDiscontinuity {
		t.Error("expected a discontinuity event")
	}
	if battleCount != 2 {
		t.Errorf("whole log should be taken as unseen, got %d battle events", battleCount)
	}
}

func TestCycleSkipsMalformedEntries(t *testing.T) {
	svc, stub, notifier, _ := newTestService(t)
	startSubject(t, svc)

	stub.setLog([]api.RawBattle{rawBattle(1, 3, 0, "OPP1")})
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	notifier.take()

	bad := rawBattle(3, 1, 0, "OPP2")
	bad.BattleTime = "garbage"
	stub.setLog([]api.RawBattle{
		bad,
		rawBattle(2, 3, 0, "OPP1"),
		rawBattle(1, 3, 0, "OPP1"),
	})
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	_, agg, _ := svc.GetStats(subjectTag)
	if agg.Total.Battles != 1 {
		t.Errorf("battles = %d, want 1 (malformed entry skipped)", agg.Total.Battles)
	}
}

func TestStopMonitoring(t *testing.T) {
	svc, stub, _, watcher := newTestService(t)
	startSubject(t, svc)

	stub.setLog([]api.RawBattle{rawBattle(1, 3, 0, "OPP1")})
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	if _, err := svc.StopMonitoring(context.Background(), subjectTag); err != nil {
		t.Fatalf("StopMonitoring: %v", err)
	}
	if watcher.isWatching(subjectTag) {
		t.Error("subject should be unscheduled")
	}
	if err := svc.RunCycle(context.Background(), subjectTag); !errors.Is(err, ErrNotMonitored) {
		t.Errorf("cycle on paused subject: %v, want ErrNotMonitored", err)
	}

	// Stats stay readable while paused.
	if _, _, err := svc.GetStats(subjectTag); err != nil {
		t.Errorf("GetStats while paused: %v", err)
	}

	// Re-monitoring keeps the frozen cursor: no battles replayed.
	if _, err := svc.StartMonitoring(context.Background(), subjectTag); err != nil {
		t.Fatalf("re-monitor: %v", err)
	}
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("cycle after re-monitor: %v", err)
	}
	_, agg, _ := svc.GetStats(subjectTag)
	if agg.Total.Battles != 0 {
		t.Errorf("re-monitor replayed history: %d battles", agg.Total.Battles)
	}
}

func TestDeleteSubject(t *testing.T) {
	svc, _, _, watcher := newTestService(t)
	startSubject(t, svc)

	if err := svc.DeleteSubject(context.Background(), subjectTag); err != nil {
		t.Fatalf("DeleteSubject: %v", err)
	}
	if watcher.isWatching(subjectTag) {
		t.Error("deleted subject should be unscheduled")
	}
	if _, _, err := svc.GetStats(subjectTag); !errors.Is(err, ErrNotMonitored) {
		t.Errorf("expected ErrNotMonitored after delete, got %v", err)
	}
	if err := svc.DeleteSubject(context.Background(), subjectTag); !errors.Is(err, ErrNotMonitored) {
		t.Errorf("double delete: %v", err)
	}
}

func TestResume(t *testing.T) {
	svc, stub, _, _ := newTestService(t)
	startSubject(t, svc)
	stub.setLog([]api.RawBattle{rawBattle(1, 3, 0, "OPP1")})
	if err := svc.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	// A second service over the same store stands in for a restart.
	restarted := NewMonitorService(stub, svc.store, &stubNotifier{},
		rate.NewLimiter(rate.Inf, 0), zerolog.Nop())
	watcher2 := &stubWatcher{}
	restarted.AttachWatcher(watcher2)

	if err := restarted.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !watcher2.isWatching(subjectTag) {
		t.Error("active subject should be rescheduled after restart")
	}

	// The restored cursor prevents replaying the baseline battle.
	if err := restarted.RunCycle(context.Background(), subjectTag); err != nil {
		t.Fatalf("cycle after resume: %v", err)
	}
	_, agg, _ := restarted.GetStats(subjectTag)
	if agg.Total.Battles != 0 {
		t.Errorf("resume replayed history: %d battles", agg.Total.Battles)
	}
}

func TestCycleFetchErrorPropagates(t *testing.T) {
	svc, stub, _, _ := newTestService(t)
	startSubject(t, svc)

	stub.err = &api.TransientError{Status: 503}
	err := svc.RunCycle(context.Background(), subjectTag)
	if err == nil || !api.IsRetryable(err) {
		t.Errorf("expected retryable error, got %v", err)
	}

	// Failed cycle must not advance anything.
	_, agg, getErr := svc.GetStats(subjectTag)
	if getErr != nil {
		t.Fatalf("GetStats: %v", getErr)
	}
	if agg.Total.Battles != 0 {
		t.Errorf("failed cycle mutated aggregate: %+v", agg.Total)
	}
}

func TestListMonitoredOrder(t *testing.T) {
	svc, stub, _, _ := newTestService(t)

	for i, tag := range []string{"AAA", "BBB"} {
		stub.mu.Lock()
		stub.profile = &api.Profile{Tag: "#" + tag, Name: fmt.Sprintf("P%d", i)}
		stub.mu.Unlock()
		if _, err := svc.StartMonitoring(context.Background(), tag); err != nil {
			t.Fatalf("StartMonitoring %s: %v", tag, err)
		}
		time.Sleep(5 * time.Millisecond) // distinct CreatedAt
	}

	subjects := svc.ListMonitored()
	if len(subjects) != 2 {
		t.Fatalf("expected 2 subjects, got %d", len(subjects))
	}
	if subjects[0].Tag != "BBB" {
		t.Errorf("newest first: got %s", subjects[0].Tag)
	}
}
