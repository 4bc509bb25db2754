package domain

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Event is a monitoring occurrence handed to the notification collaborator.
// Implementations are plain value types; the notifier type-switches on them.
type Event interface {
	EventID() string
	SubjectTag() string
}

type eventMeta struct {
	ID         string
	Tag        string
	OccurredAt time.Time
}

func (m eventMeta) EventID() string    { return m.ID }
func (m eventMeta) SubjectTag() string { return m.Tag }

func newEventMeta(tag string) eventMeta {
	id, _ := gonanoid.New()
	return eventMeta{ID: id, Tag: tag, OccurredAt: time.Now().UTC()}
}

// NewBattleDetected is emitted once per unseen battle, in play order.
type NewBattleDetected struct {
	eventMeta
	Subject   Subject
	Battle    BattleRecord
	Aggregate SubjectAggregate // post-battle snapshot for session summaries
	Rival     *RivalEntry      // head-to-head record when the opponent is a repeat
}

// RivalPromoted is emitted when an opponent crosses the repeat-encounter
// threshold for the first time.
type RivalPromoted struct {
	eventMeta
	Subject    Subject
	Rival      RivalEntry
	Encounters int
}

// LogDiscontinuityDetected is emitted when a fetched battle log no longer
// contains the cursor battle, i.e. the external log rotated past it.
type LogDiscontinuityDetected struct {
	eventMeta
	Subject      Subject
	BattlesTaken int // battles treated as unseen for the cycle
}

// ArenaChanged is emitted when a profile refresh shows the subject in a new
// arena.
type ArenaChanged struct {
	eventMeta
	Subject   Subject
	FromArena string
	ToArena   string
	Trophies  int
}

// MonitorFailing is emitted after a subject's fetches have failed beyond the
// bounded retry budget.
type MonitorFailing struct {
	eventMeta
	Subject  Subject
	Failures int
	Reason   string // stable error kind, never a raw transport error
}

// NewBattleEvent builds a NewBattleDetected event.
func NewBattleEvent(subj Subject, battle BattleRecord, agg SubjectAggregate, rival *RivalEntry) NewBattleDetected {
	return NewBattleDetected{eventMeta: newEventMeta(subj.Tag), Subject: subj, Battle: battle, Aggregate: agg, Rival: rival}
}

// NewRivalPromotedEvent builds a RivalPromoted event.
func NewRivalPromotedEvent(subj Subject, rival RivalEntry) RivalPromoted {
	return RivalPromoted{eventMeta: newEventMeta(subj.Tag), Subject: subj, Rival: rival, Encounters: rival.Battles}
}

// NewLogDiscontinuityEvent builds a LogDiscontinuityDetected event.
func NewLogDiscontinuityEvent(subj Subject, taken int) LogDiscontinuityDetected {
	return LogDiscontinuityDetected{eventMeta: newEventMeta(subj.Tag), Subject: subj, BattlesTaken: taken}
}

// NewArenaChangedEvent builds an ArenaChanged event.
func NewArenaChangedEvent(subj Subject, from, to string, trophies int) ArenaChanged {
	return ArenaChanged{eventMeta: newEventMeta(subj.Tag), Subject: subj, FromArena: from, ToArena: to, Trophies: trophies}
}

// NewMonitorFailingEvent builds a MonitorFailing event.
func NewMonitorFailingEvent(subj Subject, failures int, reason string) MonitorFailing {
	return MonitorFailing{eventMeta: newEventMeta(subj.Tag), Subject: subj, Failures: failures, Reason: reason}
}
