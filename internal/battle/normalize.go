package battle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/allocvoid/clashspy/internal/api"
	"github.com/allocvoid/clashspy/internal/domain"
)

// battleTimeLayout is the timestamp format used by the battle log API.
const battleTimeLayout = "20060102T150405.000Z"

// maxDeckSize caps the recorded deck snapshot.
const maxDeckSize = 8

// MalformedRecordError marks a raw entry that cannot be normalized. The
// caller skips the single record and continues with the rest of the log.
type MalformedRecordError struct {
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return "malformed battle record: " + e.Reason
}

// Normalize converts a raw battle-log entry into a canonical BattleRecord
// from the given subject's perspective. Pure function. Optional fields
// (decks, crowns, trophy change) are left zero when absent; it fails only
// when the timestamp is unparsable or no participants are present to
// determine an outcome.
func Normalize(raw api.RawBattle, subjectTag string) (domain.BattleRecord, error) {
	tag := domain.NormalizeTag(subjectTag)

	ts, err := time.Parse(battleTimeLayout, raw.BattleTime)
	if err != nil {
		return domain.BattleRecord{}, &MalformedRecordError{Reason: fmt.Sprintf("bad battleTime %q", raw.BattleTime)}
	}

	subject, opponent, ok := splitParticipants(raw, tag)
	if !ok {
		return domain.BattleRecord{}, &MalformedRecordError{Reason: "no participants"}
	}

	mode := CategorizeMode(raw)

	rec := domain.BattleRecord{
		Time:           ts.UTC(),
		Mode:           mode,
		ModeName:       raw.GameMode.Name,
		Arena:          raw.Arena.Name,
		Outcome:        outcome(subject.Crowns, opponent.Crowns),
		OpponentTag:    domain.NormalizeTag(opponent.Tag),
		OpponentName:   opponent.Name,
		SubjectCrowns:  subject.Crowns,
		OpponentCrowns: opponent.Crowns,
		TrophyChange:   subject.TrophyChange,
		SubjectDeck:    deckNames(subject.Cards),
		OpponentDeck:   deckNames(opponent.Cards),
	}
	rec.ID = BattleID(tag, rec.OpponentTag, rec.Time, rec.Mode)
	return rec, nil
}

// BattleID derives a stable battle identifier. The upstream log exposes no
// canonical ID, so the hash is computed over fields that survive repeated
// fetches of the same match.
func BattleID(subjectTag, opponentTag string, ts time.Time, mode string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s",
		domain.NormalizeTag(subjectTag), domain.NormalizeTag(opponentTag), ts.UTC().Unix(), mode)))
	return hex.EncodeToString(h[:16])
}

// splitParticipants locates the subject in the entry's team or opponent
// list and returns (subject, primary enemy). When the subject cannot be
// found by tag, the first team member is assumed to be the subject — the
// battle log is always fetched for one player, so the entry belongs to them.
func splitParticipants(raw api.RawBattle, tag string) (api.RawParticipant, api.RawParticipant, bool) {
	for _, p := range raw.Team {
		if domain.NormalizeTag(p.Tag) == tag {
			return p, first(raw.Opponent), true
		}
	}
	for _, p := range raw.Opponent {
		if domain.NormalizeTag(p.Tag) == tag {
			return p, first(raw.Team), true
		}
	}
	if len(raw.Team) > 0 {
		return raw.Team[0], first(raw.Opponent), true
	}
	return api.RawParticipant{}, api.RawParticipant{}, false
}

func first(ps []api.RawParticipant) api.RawParticipant {
	if len(ps) == 0 {
		return api.RawParticipant{}
	}
	return ps[0]
}

func outcome(subjectCrowns, opponentCrowns int) domain.Outcome {
	switch {
	case subjectCrowns > opponentCrowns:
		return domain.OutcomeWin
	case subjectCrowns < opponentCrowns:
		return domain.OutcomeLoss
	default:
		return domain.OutcomeDraw
	}
}

func deckNames(cards []api.RawCard) []string {
	if len(cards) == 0 {
		return nil
	}
	n := len(cards)
	if n > maxDeckSize {
		n = maxDeckSize
	}
	names := make([]string, 0, n)
	for _, c := range cards[:n] {
		names = append(names, c.Name)
	}
	return names
}

// CategorizeMode buckets a raw entry into a coarse game-mode category used
// for per-mode statistics. Checks are ordered from most to least specific.
func CategorizeMode(raw api.RawBattle) string {
	battleType := strings.ToLower(raw.Type)
	gameMode := strings.ToLower(raw.GameMode.Name)

	switch {
	case strings.Contains(gameMode, "2v2") || strings.Contains(battleType, "2v2"):
		return "2v2"
	case strings.Contains(battleType, "friendly") || strings.Contains(gameMode, "friendly"):
		return "Friendly"
	case strings.Contains(battleType, "challenge") || strings.Contains(gameMode, "challenge"):
		return "Challenge"
	case strings.Contains(battleType, "tournament") || strings.Contains(gameMode, "tournament"):
		return "Tournament"
	case strings.Contains(battleType, "clanwar") || strings.Contains(gameMode, "war") || strings.Contains(gameMode, "clanwar"):
		return "Clan War"
	case strings.Contains(gameMode, "party"):
		return "Party Mode"
	case strings.Contains(battleType, "pathoflegend") || strings.Contains(battleType, "ladder"):
		return "Ladder"
	case raw.GameMode.Name != "":
		return raw.GameMode.Name
	default:
		return "1v1"
	}
}
