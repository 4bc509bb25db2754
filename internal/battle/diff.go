package battle

import (
	"github.com/allocvoid/clashspy/internal/domain"
)

// DiffResult is the outcome of comparing a fresh battle log against the
// subject's cursor.
type DiffResult struct {
	// Unseen holds the battles not yet processed, oldest first, so
	// downstream aggregation sees matches in true play order.
	Unseen []domain.BattleRecord
	// Cursor is the advanced cursor to commit together with the unseen
	// battles' aggregate updates.
	Cursor domain.MonitorCursor
	// Baseline is true on the first-ever poll: the whole log was recorded
	// as history and no unseen battles are emitted.
	Baseline bool
	// Discontinuity is true when the fresh log no longer contains the
	// cursor battle (upstream log rotated past it). The whole log is then
	// treated as unseen; the condition is surfaced for observability only.
	Discontinuity bool
}

// Diff scans a fresh battle log (ordered newest first) from the top,
// collecting entries until it hits the cursor battle or exhausts the log.
// Pure function: calling it twice with the same inputs yields the same
// unseen set.
func Diff(cursor domain.MonitorCursor, fresh []domain.BattleRecord) DiffResult {
	next := cursor
	next.FetchSeq++

	if len(fresh) == 0 {
		return DiffResult{Cursor: next, Baseline: !cursor.Baselined()}
	}

	// First-ever poll: record the newest battle as the baseline instead of
	// replaying the player's visible history as new events.
	if !cursor.Baselined() {
		next.LastBattleID = fresh[0].ID
		next.LastBattleTime = fresh[0].Time
		return DiffResult{Cursor: next, Baseline: true}
	}

	unseen := make([]domain.BattleRecord, 0, len(fresh))
	found := false
	for _, rec := range fresh {
		if rec.ID == cursor.LastBattleID {
			found = true
			break
		}
		unseen = append(unseen, rec)
	}

	if len(unseen) > 0 {
		next.LastBattleID = unseen[0].ID
		next.LastBattleTime = unseen[0].Time
	}

	// Reverse to chronological order.
	for i, j := 0, len(unseen)-1; i < j; i, j = i+1, j-1 {
		unseen[i], unseen[j] = unseen[j], unseen[i]
	}

	return DiffResult{
		Unseen:        unseen,
		Cursor:        next,
		Discontinuity: !found,
	}
}
