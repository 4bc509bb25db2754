package domain

import (
	"strings"
	"time"
)

// SubjectStatus is the monitoring lifecycle state of a subject.
type SubjectStatus string

const (
	StatusActive SubjectStatus = "active"
	StatusPaused SubjectStatus = "paused"
)

// Subject is a monitored player identity.
type Subject struct {
	Tag       string // normalized: no '#', upper case
	Name      string // refreshed from profile fetches
	Arena     string
	Trophies  int
	Status    SubjectStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome of one battle from the subject's perspective.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

// BattleRecord is the canonical form of one played match. Immutable once
// built by the normalizer.
type BattleRecord struct {
	ID             string // derived hash, see battle.BattleID
	Time           time.Time
	Mode           string // categorized game mode ("Ladder", "2v2", ...)
	ModeName       string // raw game mode name from the API
	Arena          string
	Outcome        Outcome
	OpponentTag    string // normalized, may be empty when the API omits it
	OpponentName   string
	SubjectCrowns  int
	OpponentCrowns int
	TrophyChange   int
	SubjectDeck    []string // card names, absent for modes that hide decks
	OpponentDeck   []string
}

// CrownDiff is the subject's crown differential for the battle.
func (b BattleRecord) CrownDiff() int {
	return b.SubjectCrowns - b.OpponentCrowns
}

// MonitorCursor marks the newest battle already processed for a subject.
type MonitorCursor struct {
	LastBattleID   string
	LastBattleTime time.Time
	FetchSeq       int64 // monotonic, bumped every committed cycle
}

// Baselined reports whether the cursor has ever observed a battle log.
// An unbaselined cursor means the next poll establishes the baseline
// instead of emitting history as new battles.
func (c MonitorCursor) Baselined() bool {
	return c.FetchSeq > 0
}

// WinLoss is a W/L/D counter bucket.
type WinLoss struct {
	Battles int `json:"battles"`
	Wins    int `json:"wins"`
	Losses  int `json:"losses"`
	Draws   int `json:"draws"`
}

// WinRate is derived at read time, never stored.
func (w WinLoss) WinRate() float64 {
	if w.Battles == 0 {
		return 0
	}
	return float64(w.Wins) / float64(w.Battles)
}

// Add folds one outcome into the bucket.
func (w *WinLoss) Add(o Outcome) {
	w.Battles++
	switch o {
	case OutcomeWin:
		w.Wins++
	case OutcomeLoss:
		w.Losses++
	case OutcomeDraw:
		w.Draws++
	}
}

// OpponentStats is the per-opponent head-to-head record inside an aggregate.
// It is the single source of truth for rival tracking.
type OpponentStats struct {
	Tag  string `json:"tag"`
	Name string `json:"name"`
	WinLoss
	ByMode   map[string]*WinLoss `json:"by_mode,omitempty"`
	LastSeen time.Time           `json:"last_seen"`
}

// SubjectAggregate is the running rollup for one subject. Mutated only by
// stats.Apply, strictly additively.
type SubjectAggregate struct {
	Total     WinLoss                   `json:"total"`
	ByMode    map[string]*WinLoss       `json:"by_mode"`
	Opponents map[string]*OpponentStats `json:"opponents"`
}

// NewSubjectAggregate returns an empty aggregate with initialized maps.
func NewSubjectAggregate() *SubjectAggregate {
	return &SubjectAggregate{
		ByMode:    make(map[string]*WinLoss),
		Opponents: make(map[string]*OpponentStats),
	}
}

// RivalEntry is the derived view over one opponent map entry.
type RivalEntry struct {
	OpponentStats
	WinRatePct float64 // Wins/Battles at read time, percent
}

// NormalizeTag strips the leading '#' and upper-cases a player tag so that
// tags compare and key consistently regardless of how the user typed them.
func NormalizeTag(tag string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
}

// DisplayTag re-adds the '#' prefix for human-facing output.
func DisplayTag(tag string) string {
	return "#" + NormalizeTag(tag)
}
