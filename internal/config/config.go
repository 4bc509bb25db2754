package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/allocvoid/clashspy/internal/constants"
)

type Config struct {
	ClashAPIToken     string
	TelegramBotToken  string
	TelegramChatID    int64
	DBPath            string
	ServerPort        string
	LogLevel          string
	PollInterval      time.Duration
	RequestsPerMinute int
}

func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	cfg := &Config{
		ClashAPIToken:     getEnv("CLASH_API_TOKEN", ""),
		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		DBPath:            getEnv("DB_PATH", "clashspy.db"),
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		PollInterval:      getEnvDuration("POLL_INTERVAL", constants.DefaultPollInterval),
		RequestsPerMinute: getEnvInt("API_RATE_LIMIT", constants.DefaultRequestsPerMinute),
	}

	if cfg.ClashAPIToken == "" {
		return nil, fmt.Errorf("CLASH_API_TOKEN is required")
	}
	if cfg.TelegramBotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	chatID, err := strconv.ParseInt(getEnv("TELEGRAM_CHAT_ID", ""), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID is required and must be numeric")
	}
	cfg.TelegramChatID = chatID

	logger.Info().
		Str("db_path", cfg.DBPath).
		Str("server_port", cfg.ServerPort).
		Str("log_level", cfg.LogLevel).
		Dur("poll_interval", cfg.PollInterval).
		Int("api_rate_limit", cfg.RequestsPerMinute).
		Msg("configuration loaded")

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
