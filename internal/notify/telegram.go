// Package notify delivers monitoring events to Telegram. Messages go
// through a buffered queue drained by a single sender goroutine that spaces
// sends to stay under Telegram's per-chat rate limit.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/allocvoid/clashspy/internal/constants"
	"github.com/allocvoid/clashspy/internal/domain"
	"github.com/allocvoid/clashspy/internal/format"
)

// queueSize bounds pending notifications; on overflow the new event is
// dropped and logged.
const queueSize = 100

// Sender is the part of the Telegram bot API the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier renders events and sends them to one chat.
type TelegramNotifier struct {
	sender Sender
	chatID int64
	logger zerolog.Logger

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewTelegramNotifier(sender Sender, chatID int64, logger zerolog.Logger) *TelegramNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &TelegramNotifier{
		sender: sender,
		chatID: chatID,
		logger: logger,
		queue:  make(chan string, queueSize),
		cancel: cancel,
	}
	n.wg.Add(1)
	go n.sendLoop(ctx)
	return n
}

// Close stops the sender after draining queued messages.
func (n *TelegramNotifier) Close() {
	n.cancel()
	n.wg.Wait()
}

// Publish renders the event and enqueues it. Never blocks the caller: when
// the queue is full the event is dropped with a log line.
func (n *TelegramNotifier) Publish(ctx context.Context, ev domain.Event) {
	text := n.render(ev)
	if text == "" {
		return
	}

	select {
	case n.queue <- text:
	default:
		n.logger.Warn().
			Str("tag", ev.SubjectTag()).
			Str("event_id", ev.EventID()).
			Msg("notification queue full, dropping event")
	}
}

func (n *TelegramNotifier) render(ev domain.Event) string {
	switch e := ev.(type) {
	case domain.NewBattleDetected:
		var sb strings.Builder
		sb.WriteString("NEW BATTLE — ")
		sb.WriteString(e.Subject.Name)
		sb.WriteString("\n")
		sb.WriteString(format.Battle(e.Battle))
		if e.Rival != nil {
			sb.WriteString("\n")
			sb.WriteString(format.RivalAlert(*e.Rival))
		}
		sb.WriteString("\n\n")
		sb.WriteString(format.SessionSummary(e.Aggregate))
		return sb.String()

	case domain.RivalPromoted:
		return format.RivalPromotion(e.Subject.Name, e.Rival)

	case domain.ArenaChanged:
		return format.ArenaChange(e.Subject.Name, e.FromArena, e.ToArena, e.Trophies)

	case domain.LogDiscontinuityDetected:
		n.logger.Info().
			Str("tag", e.SubjectTag()).
			Int("battles_taken", e.BattlesTaken).
			Msg("battle log discontinuity")
		// Informational only, not worth a chat message.
		return ""

	case domain.MonitorFailing:
		return "⚠️ Monitoring trouble for " + domain.DisplayTag(e.SubjectTag()) +
			": repeated " + e.Reason + ". Will keep retrying."

	default:
		return ""
	}
}

func (n *TelegramNotifier) sendLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued before stopping.
			for {
				select {
				case text := <-n.queue:
					n.send(text)
				default:
					return
				}
			}
		case text := <-n.queue:
			n.send(text)

			select {
			case <-ctx.Done():
			case <-time.After(constants.TelegramSendInterval):
			}
		}
	}
}

func (n *TelegramNotifier) send(text string) {
	for _, part := range splitMessage(text, constants.TelegramMessageLimit) {
		msg := tgbotapi.NewMessage(n.chatID, part)
		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Error().Err(err).Msg("failed to send telegram message")
			return
		}
	}
}

// splitMessage chunks text to fit Telegram's message length cap.
func splitMessage(text string, limit int) []string {
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
