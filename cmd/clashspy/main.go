package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/allocvoid/clashspy/internal/bot"
	"github.com/allocvoid/clashspy/internal/config"
	"github.com/allocvoid/clashspy/internal/constants"
	fxmodules "github.com/allocvoid/clashspy/internal/fx"
	"github.com/allocvoid/clashspy/internal/middleware"
	"github.com/allocvoid/clashspy/internal/monitor"
	"github.com/allocvoid/clashspy/internal/notify"
	"github.com/allocvoid/clashspy/internal/server"
	"github.com/allocvoid/clashspy/internal/service"
)

func main() {
	fx.New(
		fxmodules.Module,
		fx.Invoke(runMonitoring),
		fx.Invoke(runServer),
	).Run()
}

// runMonitoring starts the polling pipeline: scheduler, persisted-subject
// resume, the Telegram command loop, and the notifier lifecycle.
func runMonitoring(
	lc fx.Lifecycle,
	svc *service.MonitorService,
	sched *monitor.Scheduler,
	commandBot *bot.Bot,
	notifier *notify.TelegramNotifier,
	logger zerolog.Logger,
) {
	botCtx, botCancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			svc.AttachWatcher(sched)
			sched.Start()
			if err := svc.Resume(ctx); err != nil {
				return err
			}
			go commandBot.Run(botCtx)
			logger.Info().Msg("monitoring pipeline started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			botCancel()
			sched.Stop()
			notifier.Close()
			logger.Info().Msg("monitoring pipeline stopped")
			return nil
		},
	})
}

func runServer(
	lc fx.Lifecycle,
	monitorServer *server.MonitorServer,
	cfg *config.Config,
	db *sql.DB,
	logger zerolog.Logger,
) {
	mux := http.NewServeMux()
	monitorServer.Routes(mux)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	handler := middleware.RequestID(logger)(c.Handler(mux))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: handler,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info().Str("addr", srv.Addr).Msg("server starting")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatal().Err(err).Msg("server failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info().Msg("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("server shutdown failed")
				return err
			}

			if err := db.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing database connection")
			}
			logger.Info().Msg("server stopped gracefully")
			return nil
		},
	})
}
