package constants

import "time"

const (
	// DefaultPollInterval is the idle delay between battle-log cycles for
	// one subject.
	DefaultPollInterval = 60 * time.Second
	// ProfileRefreshInterval paces the slower profile refresh (name, arena,
	// trophies) so it does not double the fetch budget.
	ProfileRefreshInterval = 5 * time.Minute
	// DefaultRequestsPerMinute is the shared outbound budget across all
	// subjects when the config does not override it.
	DefaultRequestsPerMinute = 30
)

const (
	BackoffBase       = 5 * time.Second
	BackoffCap        = 5 * time.Minute
	MaxFetchRetries   = 5
	MaxCommitFailures = 3
)

const (
	ExternalAPITimeout = 10 * time.Second
	DatabaseTimeout    = 5 * time.Second
	RequestTimeout     = 30 * time.Second
)

const (
	DBMaxOpenConns    = 10
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 1 * time.Hour
	DBMaxIdleTime     = 10 * time.Minute
)

const (
	// BattleHistoryCap bounds the persisted per-subject battle history.
	BattleHistoryCap = 100
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	// TelegramSendInterval spaces outgoing messages to stay under
	// Telegram's per-chat limit (~30/min).
	TelegramSendInterval = 2 * time.Second
	// TelegramMessageLimit is Telegram's hard message length cap.
	TelegramMessageLimit = 4096
)
