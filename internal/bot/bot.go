// Package bot is the Telegram command surface: it parses commands from one
// authorized chat and maps them onto the monitoring service.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/allocvoid/clashspy/internal/config"
	"github.com/allocvoid/clashspy/internal/constants"
	"github.com/allocvoid/clashspy/internal/domain"
	"github.com/allocvoid/clashspy/internal/format"
	"github.com/allocvoid/clashspy/internal/service"
	"github.com/allocvoid/clashspy/internal/stats"
)

const updateTimeout = 60 // long-poll seconds

type Bot struct {
	api    *tgbotapi.BotAPI
	svc    *service.MonitorService
	chatID int64
	logger zerolog.Logger
}

// New wires the command handler onto an already-authorized bot client. The
// client is shared with the notifier, so it is constructed once upstream.
func New(botAPI *tgbotapi.BotAPI, cfg *config.Config, svc *service.MonitorService, logger zerolog.Logger) *Bot {
	return &Bot{
		api:    botAPI,
		svc:    svc,
		chatID: cfg.TelegramChatID,
		logger: logger,
	}
}

// Run consumes command updates until the context is canceled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = updateTimeout
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat.ID != b.chatID {
		b.logger.Warn().Int64("chat_id", msg.Chat.ID).Msg("ignoring command from unauthorized chat")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	args := strings.Fields(msg.CommandArguments())
	var reply string

	switch msg.Command() {
	case "start", "help":
		reply = helpText
	case "search":
		reply = b.search(ctx, args)
	case "monitor":
		reply = b.monitor(ctx, args)
	case "unmonitor":
		reply = b.unmonitor(ctx, args)
	case "list", "listmonitors":
		reply = b.list()
	case "stats":
		reply = b.stats(args)
	case "rivals":
		reply = b.rivals(ctx, args)
	case "battles":
		reply = b.battles(ctx, args)
	case "chests":
		reply = b.chests(ctx, args)
	default:
		return
	}

	b.reply(msg, reply)
}

const helpText = `Clash Royale Monitor Bot

Available commands:
- /search <playertag> - Look up player info
- /monitor <playertag> - Start monitoring a player
- /unmonitor <playertag> - Stop monitoring a player
- /list - List all monitored players
- /stats <playertag> - View monitored battle statistics
- /rivals <playertag> - Show repeat opponents (rivalries)
- /rivals <playertag> <opponent> - Head-to-head vs opponent
- /battles <playertag> - Recent recorded battles
- /chests <playertag> - Upcoming chest cycle

Player tags can be with or without #`

func (b *Bot) search(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /search <playertag>"
	}
	tag := args[0]

	profile, err := b.svc.SearchPlayer(ctx, tag)
	if err != nil {
		return b.errorReply(tag, err)
	}

	// Session stats are best-effort: the player may not be monitored.
	var agg *domain.SubjectAggregate
	if _, a, err := b.svc.GetStats(tag); err == nil {
		agg = a
	}
	return format.Profile(profile, agg)
}

func (b *Bot) monitor(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /monitor <playertag>"
	}
	tag := args[0]

	subj, err := b.svc.StartMonitoring(ctx, tag)
	if err != nil {
		return b.errorReply(tag, err)
	}
	return fmt.Sprintf("✅ Now monitoring %s (%s)\nBattle updates will be posted here.", subj.Name, domain.DisplayTag(subj.Tag))
}

func (b *Bot) unmonitor(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /unmonitor <playertag>"
	}
	tag := args[0]

	subj, err := b.svc.StopMonitoring(ctx, tag)
	if err != nil {
		return b.errorReply(tag, err)
	}
	return fmt.Sprintf("✅ Stopped monitoring %s (%s)\n📊 Recorded statistics are preserved.", subj.Name, domain.DisplayTag(subj.Tag))
}

func (b *Bot) list() string {
	subjects := b.svc.ListMonitored()
	return format.MonitoredList(subjects, func(tag string) *domain.SubjectAggregate {
		_, agg, err := b.svc.GetStats(tag)
		if err != nil {
			return nil
		}
		return agg
	})
}

func (b *Bot) stats(args []string) string {
	if len(args) == 0 {
		return "Usage: /stats <playertag>"
	}
	tag := args[0]

	subj, agg, err := b.svc.GetStats(tag)
	if err != nil {
		return b.errorReply(tag, err)
	}
	return format.Stats(subj, agg)
}

func (b *Bot) rivals(ctx context.Context, args []string) string {
	switch len(args) {
	case 0:
		return "Usage:\n/rivals <playertag> - Show all repeat opponents\n/rivals <playertag> <opponent_tag> - Head-to-head vs opponent"
	case 1:
		tag := args[0]
		subj, _, err := b.svc.GetStats(tag)
		if err != nil {
			return b.errorReply(tag, err)
		}
		rivals, err := b.svc.GetRivals(tag, 0)
		if err != nil {
			return b.errorReply(tag, err)
		}
		return format.RivalsList(rivals, subj.Name)
	default:
		tag, oppTag := args[0], args[1]
		rival, err := b.svc.HeadToHead(tag, oppTag)
		if err != nil {
			return b.errorReply(tag, err)
		}
		history, err := b.svc.RecentBattles(ctx, tag, constants.BattleHistoryCap)
		if err != nil {
			history = nil
		}
		return format.HeadToHead(rival, history)
	}
}

func (b *Bot) battles(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /battles <playertag>"
	}
	tag := args[0]

	history, err := b.svc.RecentBattles(ctx, tag, 10)
	if err != nil {
		return b.errorReply(tag, err)
	}
	if len(history) == 0 {
		return fmt.Sprintf("No battles recorded yet for %s", domain.DisplayTag(tag))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Recent battles for %s:\n\n", domain.DisplayTag(tag))
	for _, rec := range history {
		fmt.Fprintf(&sb, "[%s] %d-%d vs %s | %s\n",
			strings.ToUpper(string(rec.Outcome[0])), rec.SubjectCrowns, rec.OpponentCrowns,
			rec.OpponentName, rec.Mode)
	}
	return sb.String()
}

func (b *Bot) chests(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /chests <playertag>"
	}
	tag := args[0]

	cycle, err := b.svc.UpcomingChests(ctx, tag)
	if err != nil {
		return b.errorReply(tag, err)
	}
	return format.Chests(tag, cycle)
}

// errorReply maps service errors to user-facing text with the tag and a
// stable error kind, never a raw transport error.
func (b *Bot) errorReply(tag string, err error) string {
	display := domain.DisplayTag(tag)
	switch {
	case errors.Is(err, service.ErrProfileNotFound):
		return "❌ Player not found: " + display
	case errors.Is(err, service.ErrAlreadyMonitored):
		return "⚠️ Already monitoring " + display
	case errors.Is(err, service.ErrNotMonitored):
		return "⚠️ Player " + display + " is not being monitored."
	case errors.Is(err, stats.ErrOpponentNotFound):
		return "No match history found against that opponent."
	default:
		b.logger.Error().Err(err).Str("tag", tag).Msg("command failed")
		return "❌ Something went wrong handling " + display + ", try again later."
	}
}

func (b *Bot) reply(msg *tgbotapi.Message, text string) {
	if text == "" {
		return
	}
	for _, part := range splitReply(text) {
		out := tgbotapi.NewMessage(b.chatID, part)
		out.ReplyToMessageID = msg.MessageID
		if _, err := b.api.Send(out); err != nil {
			b.logger.Error().Err(err).Msg("failed to send reply")
			return
		}
	}
}

func splitReply(text string) []string {
	limit := constants.TelegramMessageLimit
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		parts = append(parts, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
