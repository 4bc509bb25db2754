package stats

import (
	"errors"
	"sort"

	"github.com/allocvoid/clashspy/internal/domain"
)

// MinRivalEncounters is the repeat-encounter threshold for an opponent to
// qualify as a rival.
const MinRivalEncounters = 2

// ErrOpponentNotFound is returned by HeadToHead for an opponent the subject
// has never faced.
var ErrOpponentNotFound = errors.New("no match history against opponent")

// IsRival is the promotion predicate: an opponent qualifies once the
// encounter count reaches the threshold. There is no stored flag to keep in
// sync — qualification is re-derived from the counters every time.
func IsRival(opp *domain.OpponentStats) bool {
	return opp != nil && opp.Tag != "" && opp.Battles >= MinRivalEncounters
}

// ListRivals returns every qualifying opponent sorted by encounter count
// descending, ties broken by most recent encounter. minEncounters values
// below 1 fall back to the default threshold.
func ListRivals(agg *domain.SubjectAggregate, minEncounters int) []domain.RivalEntry {
	if minEncounters < 1 {
		minEncounters = MinRivalEncounters
	}

	var rivals []domain.RivalEntry
	for _, opp := range agg.Opponents {
		// Entries without a tag exist to keep battle totals consistent,
		// but an unidentifiable opponent cannot be a rival.
		if opp.Tag == "" || opp.Battles < minEncounters {
			continue
		}
		rivals = append(rivals, toEntry(opp))
	}

	sort.Slice(rivals, func(i, j int) bool {
		if rivals[i].Battles != rivals[j].Battles {
			return rivals[i].Battles > rivals[j].Battles
		}
		return rivals[i].LastSeen.After(rivals[j].LastSeen)
	})
	return rivals
}

// HeadToHead returns the subject's record against one opponent.
func HeadToHead(agg *domain.SubjectAggregate, opponentTag string) (domain.RivalEntry, error) {
	tag := domain.NormalizeTag(opponentTag)
	if tag == "" {
		return domain.RivalEntry{}, ErrOpponentNotFound
	}
	opp, ok := agg.Opponents[tag]
	if !ok {
		return domain.RivalEntry{}, ErrOpponentNotFound
	}
	return toEntry(opp), nil
}

func toEntry(opp *domain.OpponentStats) domain.RivalEntry {
	return domain.RivalEntry{
		OpponentStats: *opp,
		WinRatePct:    opp.WinRate() * 100,
	}
}
