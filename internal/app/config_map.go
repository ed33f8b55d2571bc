package app

import (
	"strconv"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/eventbus/rabbitmq"
	"castbot/internal/observability/ops"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log. ok is false when it is unset or not a
// chat id.
func logTarget(cfg *config.Config) (chatID int64, ok bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// mapStorageConfig falls back to the memory driver when no storage section
// is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgresql":
		driver = "postgres"
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

// mapPolicy keeps an explicit "0s" delay; only a missing value takes the
// default.
func mapPolicy(cfg *config.Config) (broadcast.Policy, error) {
	def := broadcast.DefaultPolicy()
	ok, err := delayOrDefault("broadcast.success_delay", cfg.Broadcast.SuccessDelay, def.SuccessDelay)
	if err != nil {
		return def, err
	}
	fail, err := delayOrDefault("broadcast.failure_delay", cfg.Broadcast.FailureDelay, def.FailureDelay)
	if err != nil {
		return def, err
	}
	return broadcast.Policy{SuccessDelay: ok, FailureDelay: fail}, nil
}

func delayOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return config.ParseDurationField(path, raw)
}

// parseMode normalizes broadcast.parse_mode to the names Telegram expects.
func parseMode(cfg *config.Config) string {
	switch strings.ToUpper(strings.TrimSpace(cfg.Broadcast.ParseMode)) {
	case "MARKDOWN":
		return "Markdown"
	case "MARKDOWNV2":
		return "MarkdownV2"
	default:
		return "HTML"
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationField("ops.read_timeout", oc.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationField("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationField("ops.idle_timeout", oc.IdleTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         oc.Token,
		Pprof:         oc.Pprof,
		AllowInsecure: oc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// mapEventsConfig reports ok=false when forwarding is disabled.
func mapEventsConfig(cfg *config.Config) (rabbitmq.Config, bool) {
	ec := cfg.Events
	if ec == nil || !ec.Enabled || strings.TrimSpace(ec.URL) == "" {
		return rabbitmq.Config{}, false
	}
	return rabbitmq.Config{
		URL:      strings.TrimSpace(ec.URL),
		Exchange: strings.TrimSpace(ec.Exchange),
		Source:   "castbot",
	}, true
}
