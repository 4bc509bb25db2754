package stats

import (
	"errors"
	"testing"
	"time"

	"github.com/allocvoid/clashspy/internal/domain"
)

var statsBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func makeBattle(id string, outcome domain.Outcome, mode, oppTag, oppName string, offset time.Duration) domain.BattleRecord {
	return domain.BattleRecord{
		ID:           id,
		Time:         statsBase.Add(offset),
		Mode:         mode,
		Outcome:      outcome,
		OpponentTag:  oppTag,
		OpponentName: oppName,
	}
}

// checkSums verifies the aggregate's internal consistency: the total bucket
// equals the sum over modes and the sum over opponents.
func checkSums(t *testing.T, agg *domain.SubjectAggregate) {
	t.Helper()

	var modeSum, oppSum int
	for _, wl := range agg.ByMode {
		modeSum += wl.Battles
	}
	for _, opp := range agg.Opponents {
		oppSum += opp.Battles
	}
	if agg.Total.Battles != modeSum {
		t.Errorf("total %d != mode sum %d", agg.Total.Battles, modeSum)
	}
	if agg.Total.Battles != oppSum {
		t.Errorf("total %d != opponent sum %d", agg.Total.Battles, oppSum)
	}
}

func TestApply(t *testing.T) {
	agg := domain.NewSubjectAggregate()

	// Win and loss in mode X against the same opponent, then a win in Y.
	Apply(agg, makeBattle("a", domain.OutcomeWin, "Ladder", "OPP1", "Rival One", 0))
	Apply(agg, makeBattle("b", domain.OutcomeLoss, "Ladder", "OPP1", "Rival One", time.Minute))
	Apply(agg, makeBattle("c", domain.OutcomeWin, "2v2", "OPP2", "Other", 2*time.Minute))

	if agg.Total.Battles != 3 || agg.Total.Wins != 2 || agg.Total.Losses != 1 {
		t.Errorf("total = %+v, want 3 battles 2W 1L", agg.Total)
	}
	if got := agg.Total.WinRate(); got < 0.66 || got > 0.67 {
		t.Errorf("win rate = %f, want 2/3", got)
	}

	ladder := agg.ByMode["Ladder"]
	if ladder == nil || ladder.Battles != 2 || ladder.Wins != 1 || ladder.Losses != 1 {
		t.Errorf("ladder bucket = %+v, want 2 battles 1W 1L", ladder)
	}

	opp := agg.Opponents["OPP1"]
	if opp == nil {
		t.Fatal("missing opponent OPP1")
	}
	if opp.Battles != 2 || opp.Wins != 1 || opp.Losses != 1 {
		t.Errorf("OPP1 = %+v, want 2 battles 1W 1L", opp.WinLoss)
	}
	if opp.Name != "Rival One" {
		t.Errorf("opponent name = %s", opp.Name)
	}
	if !opp.LastSeen.Equal(statsBase.Add(time.Minute)) {
		t.Errorf("last seen = %v, want the newer battle time", opp.LastSeen)
	}
	if perMode := opp.ByMode["Ladder"]; perMode == nil || perMode.Battles != 2 {
		t.Errorf("OPP1 ladder bucket = %+v", perMode)
	}

	checkSums(t, agg)
}

func TestApplyEmptyOpponentTag(t *testing.T) {
	agg := domain.NewSubjectAggregate()
	Apply(agg, makeBattle("a", domain.OutcomeWin, "2v2", "", "", 0))
	Apply(agg, makeBattle("b", domain.OutcomeWin, "2v2", "", "", time.Minute))

	// Tagless battles still count toward totals via the "" bucket.
	checkSums(t, agg)
	if agg.Total.Battles != 2 {
		t.Errorf("total battles = %d, want 2", agg.Total.Battles)
	}

	// But an unidentifiable opponent never becomes a rival.
	if IsRival(agg.Opponents[""]) {
		t.Error("empty-tag opponent must not qualify as a rival")
	}
	if rivals := ListRivals(agg, 0); len(rivals) != 0 {
		t.Errorf("expected no rivals, got %d", len(rivals))
	}
}

func TestApplyWinRateNeverStored(t *testing.T) {
	agg := domain.NewSubjectAggregate()
	Apply(agg, makeBattle("a", domain.OutcomeWin, "Ladder", "OPP1", "R", 0))

	if got := agg.Total.WinRate(); got != 1.0 {
		t.Errorf("win rate = %f, want 1.0", got)
	}
	Apply(agg, makeBattle("b", domain.OutcomeLoss, "Ladder", "OPP1", "R", time.Minute))
	if got := agg.Total.WinRate(); got != 0.5 {
		t.Errorf("win rate = %f, want 0.5 after the loss", got)
	}
}

func TestRebuildMatchesIncremental(t *testing.T) {
	battles := []domain.BattleRecord{
		makeBattle("a", domain.OutcomeWin, "Ladder", "OPP1", "R1", 0),
		makeBattle("b", domain.OutcomeDraw, "2v2", "OPP2", "R2", time.Minute),
		makeBattle("c", domain.OutcomeLoss, "Ladder", "OPP1", "R1", 2*time.Minute),
	}

	incremental := domain.NewSubjectAggregate()
	for _, b := range battles {
		Apply(incremental, b)
	}
	rebuilt := Rebuild(battles)

	if incremental.Total != rebuilt.Total {
		t.Errorf("totals differ: %+v vs %+v", incremental.Total, rebuilt.Total)
	}
	if len(incremental.Opponents) != len(rebuilt.Opponents) {
		t.Errorf("opponent counts differ: %d vs %d", len(incremental.Opponents), len(rebuilt.Opponents))
	}
	checkSums(t, rebuilt)
}

func TestIsRivalThreshold(t *testing.T) {
	agg := domain.NewSubjectAggregate()
	Apply(agg, makeBattle("a", domain.OutcomeWin, "Ladder", "OPP1", "R", 0))

	if IsRival(agg.Opponents["OPP1"]) {
		t.Error("one encounter must not qualify as a rival")
	}

	Apply(agg, makeBattle("b", domain.OutcomeLoss, "Ladder", "OPP1", "R", time.Minute))
	if !IsRival(agg.Opponents["OPP1"]) {
		t.Errorf("%d encounters should qualify as a rival", MinRivalEncounters)
	}
}

func TestListRivalsOrdering(t *testing.T) {
	agg := domain.NewSubjectAggregate()
	// OPP1: 2 battles, OPP2: 3 battles, OPP3: only 1.
	Apply(agg, makeBattle("a", domain.OutcomeWin, "Ladder", "OPP1", "One", 0))
	Apply(agg, makeBattle("b", domain.OutcomeWin, "Ladder", "OPP1", "One", time.Minute))
	Apply(agg, makeBattle("c", domain.OutcomeLoss, "Ladder", "OPP2", "Two", 2*time.Minute))
	Apply(agg, makeBattle("d", domain.OutcomeLoss, "Ladder", "OPP2", "Two", 3*time.Minute))
	Apply(agg, makeBattle("e", domain.OutcomeWin, "Ladder", "OPP2", "Two", 4*time.Minute))
	Apply(agg, makeBattle("f", domain.OutcomeWin, "Ladder", "OPP3", "Three", 5*time.Minute))

	rivals := ListRivals(agg, 0)
	if len(rivals) != 2 {
		t.Fatalf("expected 2 rivals, got %d", len(rivals))
	}
	if rivals[0].Tag != "OPP2" || rivals[1].Tag != "OPP1" {
		t.Errorf("order = %s, %s; want OPP2 then OPP1 (by encounters)", rivals[0].Tag, rivals[1].Tag)
	}

	wantPct := 1.0 / 3.0 * 100
	if got := rivals[0].WinRatePct; got < wantPct-0.01 || got > wantPct+0.01 {
		t.Errorf("OPP2 win rate pct = %f, want %f", got, wantPct)
	}

	// A higher threshold filters the two-encounter rival out.
	if rivals := ListRivals(agg, 3); len(rivals) != 1 || rivals[0].Tag != "OPP2" {
		t.Errorf("min=3 should leave only OPP2, got %v", rivals)
	}
}

func TestHeadToHead(t *testing.T) {
	agg := domain.NewSubjectAggregate()
	Apply(agg, makeBattle("a", domain.OutcomeWin, "Ladder", "OPP1", "One", 0))

	entry, err := HeadToHead(agg, "#opp1")
	if err != nil {
		t.Fatalf("HeadToHead: %v", err)
	}
	if entry.Battles != 1 || entry.Wins != 1 {
		t.Errorf("entry = %+v, want 1 battle 1 win", entry.WinLoss)
	}

	if _, err := HeadToHead(agg, "NOBODY"); !errors.Is(err, ErrOpponentNotFound) {
		t.Errorf("expected ErrOpponentNotFound, got %v", err)
	}
	if _, err := HeadToHead(agg, ""); !errors.Is(err, ErrOpponentNotFound) {
		t.Errorf("empty tag should be not-found, got %v", err)
	}
}
