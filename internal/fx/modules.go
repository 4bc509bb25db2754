package fx

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"github.com/allocvoid/clashspy/internal/api"
	"github.com/allocvoid/clashspy/internal/bot"
	"github.com/allocvoid/clashspy/internal/config"
	"github.com/allocvoid/clashspy/internal/database"
	"github.com/allocvoid/clashspy/internal/logger"
	"github.com/allocvoid/clashspy/internal/monitor"
	"github.com/allocvoid/clashspy/internal/notify"
	"github.com/allocvoid/clashspy/internal/server"
	"github.com/allocvoid/clashspy/internal/service"
	"github.com/allocvoid/clashspy/internal/store"
)

// ProvideLimiter builds the shared token bucket all outbound Clash API
// requests draw from, scheduled polls and command-path fetches alike.
func ProvideLimiter(cfg *config.Config) *rate.Limiter {
	perMinute := cfg.RequestsPerMinute
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

func ProvideBotAPI(cfg *config.Config, log zerolog.Logger) (*tgbotapi.BotAPI, error) {
	botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Info().Str("username", botAPI.Self.UserName).Msg("telegram bot authorized")
	return botAPI, nil
}

func ProvideNotifier(botAPI *tgbotapi.BotAPI, cfg *config.Config, log zerolog.Logger) *notify.TelegramNotifier {
	return notify.NewTelegramNotifier(botAPI, cfg.TelegramChatID, log)
}

var Module = fx.Options(
	fx.Provide(logger.New),
	fx.Provide(config.Load),
	fx.Provide(database.New),
	fx.Provide(store.New),
	// api client
	fx.Provide(api.NewClient),
	fx.Provide(func(c *api.Client) service.BattleAPI { return c }),
	fx.Provide(ProvideLimiter),
	// telegram
	fx.Provide(ProvideBotAPI),
	fx.Provide(ProvideNotifier),
	fx.Provide(func(n *notify.TelegramNotifier) service.Notifier { return n }),
	fx.Provide(bot.New),
	// svc
	fx.Provide(service.NewMonitorService),
	fx.Provide(func(s *service.MonitorService) monitor.Runner { return s }),
	fx.Provide(monitor.NewScheduler),
	// server
	fx.Provide(server.NewMonitorServer),
)
