// Package format renders monitoring data as plain-text messages for the
// notification transport.
package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/allocvoid/clashspy/internal/api"
	"github.com/allocvoid/clashspy/internal/domain"
	"github.com/allocvoid/clashspy/internal/stats"
)

const divider = "========================================"

const timeLayout = "2006-01-02 15:04:05 UTC"

func resultLine(o domain.Outcome) string {
	switch o {
	case domain.OutcomeWin:
		return "🏆 VICTORY"
	case domain.OutcomeLoss:
		return "💀 DEFEAT"
	default:
		return "🤝 DRAW"
	}
}

func trophySuffix(change int) string {
	switch {
	case change > 0:
		return fmt.Sprintf(" (+%d)", change)
	case change < 0:
		return fmt.Sprintf(" (%d)", change)
	default:
		return ""
	}
}

// Battle renders the short notification for one new battle.
func Battle(b domain.BattleRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Time: %s\n\n", b.Time.UTC().Format(timeLayout))
	fmt.Fprintf(&sb, "%s%s\n", resultLine(b.Outcome), trophySuffix(b.TrophyChange))
	fmt.Fprintf(&sb, "Mode: %s\n\n", b.Mode)
	fmt.Fprintf(&sb, "Score: %d - %d\n\n", b.SubjectCrowns, b.OpponentCrowns)
	fmt.Fprintf(&sb, "Opponent: %s\n", orUnknown(b.OpponentName))
	if b.OpponentTag != "" {
		fmt.Fprintf(&sb, "Tag: %s\n", domain.DisplayTag(b.OpponentTag))
	}
	if len(b.SubjectDeck) > 0 {
		fmt.Fprintf(&sb, "\nYour Deck:\n%s\n", strings.Join(b.SubjectDeck, ", "))
	}
	if len(b.OpponentDeck) > 0 {
		fmt.Fprintf(&sb, "\nEnemy Deck:\n%s\n", strings.Join(b.OpponentDeck, ", "))
	}
	return sb.String()
}

// RivalAlert renders the repeat-opponent note appended to a battle
// notification. The record already includes the battle being announced.
func RivalAlert(rival domain.RivalEntry) string {
	return fmt.Sprintf("🎯 RIVAL MATCH! %d total matches vs %s\nRecord: %dW/%dL (%.1f%% WR)",
		rival.Battles, orUnknown(rival.Name), rival.Wins, rival.Losses, rival.WinRatePct)
}

// SessionSummary renders the one-line session record appended to a battle
// notification.
func SessionSummary(agg domain.SubjectAggregate) string {
	t := agg.Total
	return fmt.Sprintf("📊 Session: %dW/%dL (%.1f%% WR)", t.Wins, t.Losses, t.WinRate()*100)
}

// Stats renders the full statistics block for a subject.
func Stats(subj domain.Subject, agg *domain.SubjectAggregate) string {
	if agg == nil || agg.Total.Battles == 0 {
		return fmt.Sprintf("📊 No battle statistics recorded for %s", domain.DisplayTag(subj.Tag))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Battle Statistics for %s (%s)\n%s\n\n", orUnknown(subj.Name), domain.DisplayTag(subj.Tag), divider)
	t := agg.Total
	fmt.Fprintf(&sb, "Total: %dW / %dL / %dD\n", t.Wins, t.Losses, t.Draws)
	fmt.Fprintf(&sb, "Games Played: %d\n", t.Battles)
	fmt.Fprintf(&sb, "Win Rate: %.1f%%\n\n", t.WinRate()*100)
	sb.WriteString("BY GAME MODE:\n--------------------\n")

	for _, mode := range sortedModes(agg.ByMode) {
		ms := agg.ByMode[mode]
		fmt.Fprintf(&sb, "\n%s:\n", mode)
		fmt.Fprintf(&sb, "  Record: %dW / %dL / %dD\n", ms.Wins, ms.Losses, ms.Draws)
		fmt.Fprintf(&sb, "  Games: %d | Win Rate: %.1f%%\n", ms.Battles, ms.WinRate()*100)
	}
	return sb.String()
}

// RivalsList renders the repeat-opponent leaderboard.
func RivalsList(rivals []domain.RivalEntry, playerName string) string {
	if len(rivals) == 0 {
		return fmt.Sprintf("No repeat opponents found for %s.\nPlay more games to track rivalries!", orUnknown(playerName))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\nRIVALS - Repeat Opponents for %s\n%s\n\n", divider, orUnknown(playerName), divider)

	const maxShown = 15
	for i, rival := range rivals {
		if i >= maxShown {
			fmt.Fprintf(&sb, "... and %d more rivals\n", len(rivals)-maxShown)
			break
		}

		status := "Even"
		if rival.Wins > rival.Losses {
			status = "Dominating"
		} else if rival.Losses > rival.Wins {
			status = "Struggling"
		}

		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, orUnknown(rival.Name), domain.DisplayTag(rival.Tag))
		fmt.Fprintf(&sb, "   Matches: %d | Record: %dW/%dL/%dD\n", rival.Battles, rival.Wins, rival.Losses, rival.Draws)
		fmt.Fprintf(&sb, "   Win Rate: %.1f%% | Status: %s\n\n", rival.WinRatePct, status)
	}
	return sb.String()
}

// HeadToHead renders the detailed record against one opponent, with the
// recent matches against them pulled from the battle history.
func HeadToHead(rival domain.RivalEntry, history []domain.BattleRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\nHEAD-TO-HEAD: vs %s\n%s\n\n", divider, orUnknown(rival.Name), divider)
	fmt.Fprintf(&sb, "Opponent Tag: %s\n", domain.DisplayTag(rival.Tag))
	fmt.Fprintf(&sb, "Total Matches: %d\n\n", rival.Battles)
	fmt.Fprintf(&sb, "Record: %dW / %dL / %dD\n", rival.Wins, rival.Losses, rival.Draws)
	fmt.Fprintf(&sb, "Win Rate: %.1f%%\n", rival.WinRatePct)

	if len(rival.ByMode) > 0 {
		sb.WriteString("\nBY GAME MODE:\n--------------------\n")
		for _, mode := range sortedModes(rival.ByMode) {
			ms := rival.ByMode[mode]
			fmt.Fprintf(&sb, "\n%s:\n", mode)
			fmt.Fprintf(&sb, "  Record: %dW / %dL / %dD\n", ms.Wins, ms.Losses, ms.Draws)
			fmt.Fprintf(&sb, "  Games: %d | Win Rate: %.1f%%\n", ms.Battles, ms.WinRate()*100)
		}
	}

	shown := 0
	for _, b := range history {
		if b.OpponentTag != rival.Tag {
			continue
		}
		if shown == 0 {
			fmt.Fprintf(&sb, "\n%s\nRECENT MATCH HISTORY:\n--------------------\n", divider)
		}
		fmt.Fprintf(&sb, "[%s] %d-%d | %s | %s\n",
			strings.ToUpper(string(b.Outcome[0])), b.SubjectCrowns, b.OpponentCrowns, b.Mode, b.Time.UTC().Format(timeLayout))
		shown++
		if shown >= 10 {
			break
		}
	}
	return sb.String()
}

// RivalPromotion renders the alert for an opponent newly crossing the
// rival threshold.
func RivalPromotion(subjectName string, rival domain.RivalEntry) string {
	return fmt.Sprintf("🎯 NEW RIVAL for %s!\n%s has now been faced %d times.\nRecord: %dW/%dL/%dD (%.1f%% WR)",
		orUnknown(subjectName), orUnknown(rival.Name), rival.Battles, rival.Wins, rival.Losses, rival.Draws, rival.WinRatePct)
}

// ArenaChange renders the arena promotion alert.
func ArenaChange(name, from, to string, trophies int) string {
	return fmt.Sprintf("🎉 ARENA CHANGE!\n\n%s has reached a new arena!\n\n%s ➡️ %s\n\nCurrent Trophies: %d 🏆",
		orUnknown(name), from, to, trophies)
}

// Profile renders a player profile lookup, with the monitored session stats
// appended when the player is monitored.
func Profile(p *api.Profile, agg *domain.SubjectAggregate) string {
	var sb strings.Builder
	winRate := 0.0
	if p.BattleCount > 0 {
		winRate = float64(p.Wins) / float64(p.BattleCount) * 100
	}

	fmt.Fprintf(&sb, "%s\nPlayer: %s (%s)\n%s\n\n", divider, p.Name, p.Tag, divider)
	fmt.Fprintf(&sb, "Trophies: %d (Best: %d)\n", p.Trophies, p.BestTrophies)
	fmt.Fprintf(&sb, "Level: %d\n", p.ExpLevel)
	fmt.Fprintf(&sb, "Arena: %s\n\n", p.Arena.Name)
	sb.WriteString("Battle Stats (All Time):\n")
	fmt.Fprintf(&sb, "- Wins: %d\n- Losses: %d\n- Total Battles: %d\n", p.Wins, p.Losses, p.BattleCount)
	fmt.Fprintf(&sb, "- Win Rate: %.1f%%\n- 3-Crown Wins: %d\n", winRate, p.ThreeCrownWins)
	if p.Clan != nil {
		fmt.Fprintf(&sb, "\nClan: %s (%s)\n", p.Clan.Name, p.Clan.Tag)
	}
	if p.CurrentFavouriteCard != nil {
		fmt.Fprintf(&sb, "Favourite Card: %s\n", p.CurrentFavouriteCard.Name)
	}

	if agg != nil && agg.Total.Battles > 0 {
		fmt.Fprintf(&sb, "\n%s\nMONITORED SESSION STATS:\n", divider)
		t := agg.Total
		fmt.Fprintf(&sb, "Total: %dW / %dL / %dD (%d games)\n", t.Wins, t.Losses, t.Draws, t.Battles)
		fmt.Fprintf(&sb, "Session Win Rate: %.1f%%\n", t.WinRate()*100)
	}
	return sb.String()
}

// Chests renders the upcoming chest cycle.
func Chests(tag string, cycle *api.ChestCycle) string {
	if cycle == nil || len(cycle.Items) == 0 {
		return fmt.Sprintf("No chest data available for %s", domain.DisplayTag(tag))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📦 Upcoming Chests for %s:\n\n", domain.DisplayTag(tag))
	for _, item := range cycle.Items {
		switch item.Index {
		case 0:
			fmt.Fprintf(&sb, "Next: %s\n", item.Name)
		default:
			fmt.Fprintf(&sb, "+%d: %s\n", item.Index, item.Name)
		}
	}
	return sb.String()
}

// MonitoredList renders the /list response.
func MonitoredList(subjects []domain.Subject, aggFor func(tag string) *domain.SubjectAggregate) string {
	if len(subjects) == 0 {
		return "📋 No players are currently being monitored."
	}

	var sb strings.Builder
	sb.WriteString("📋 Monitored Players:\n\n")
	for _, subj := range subjects {
		state := "active"
		if subj.Status == domain.StatusPaused {
			state = "paused"
		}
		fmt.Fprintf(&sb, "• %s (%s) [%s]\n", orUnknown(subj.Name), domain.DisplayTag(subj.Tag), state)
		if agg := aggFor(subj.Tag); agg != nil {
			fmt.Fprintf(&sb, "  %d games | %.1f%% WR | %d rivals\n",
				agg.Total.Battles, agg.Total.WinRate()*100, len(stats.ListRivals(agg, 0)))
		}
	}
	return sb.String()
}

// sortedModes orders mode keys by battle count descending, name ascending on
// ties, for stable output.
func sortedModes(byMode map[string]*domain.WinLoss) []string {
	modes := make([]string, 0, len(byMode))
	for mode := range byMode {
		modes = append(modes, mode)
	}
	sort.Slice(modes, func(i, j int) bool {
		if byMode[modes[i]].Battles != byMode[modes[j]].Battles {
			return byMode[modes[i]].Battles > byMode[modes[j]].Battles
		}
		return modes[i] < modes[j]
	})
	return modes
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
