// Package stats folds battle records into per-subject running aggregates
// and derives rival views from the opponent map.
package stats

import (
	"github.com/allocvoid/clashspy/internal/domain"
)

// Apply folds one battle into the aggregate, strictly incrementally: the
// total bucket, the mode bucket, and the opponent bucket each gain exactly
// one battle. Win rates are never stored; they are derived on read.
func Apply(agg *domain.SubjectAggregate, b domain.BattleRecord) {
	agg.Total.Add(b.Outcome)

	mode, ok := agg.ByMode[b.Mode]
	if !ok {
		mode = &domain.WinLoss{}
		agg.ByMode[b.Mode] = mode
	}
	mode.Add(b.Outcome)

	opp, ok := agg.Opponents[b.OpponentTag]
	if !ok {
		opp = &domain.OpponentStats{
			Tag:    b.OpponentTag,
			ByMode: make(map[string]*domain.WinLoss),
		}
		agg.Opponents[b.OpponentTag] = opp
	}
	if b.OpponentName != "" {
		opp.Name = b.OpponentName
	}
	opp.Add(b.Outcome)
	if b.Time.After(opp.LastSeen) {
		opp.LastSeen = b.Time
	}

	oppMode, ok := opp.ByMode[b.Mode]
	if !ok {
		oppMode = &domain.WinLoss{}
		opp.ByMode[b.Mode] = oppMode
	}
	oppMode.Add(b.Outcome)
}

// Rebuild recomputes an aggregate from scratch over a battle history. Used
// only as an explicit recovery path, never in the steady state.
func Rebuild(battles []domain.BattleRecord) *domain.SubjectAggregate {
	agg := domain.NewSubjectAggregate()
	for _, b := range battles {
		Apply(agg, b)
	}
	return agg
}
