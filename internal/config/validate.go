package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts 5-field, 6-field (seconds) and descriptor specs.
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects configs that would fail at runtime. It is used at startup
// and before committing a hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required (or set BOT_TOKEN)")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must not be empty (or set OWNER_ID)")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("broadcast.success_delay", cfg.Broadcast.SuccessDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("broadcast.failure_delay", cfg.Broadcast.FailureDelay); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(cfg.Broadcast.ParseMode)) {
	case "", "HTML", "MARKDOWN", "MARKDOWNV2":
	default:
		return fmt.Errorf("broadcast.parse_mode: unsupported %q", cfg.Broadcast.ParseMode)
	}
	if spec := strings.TrimSpace(cfg.Directory.RefreshSchedule); spec != "" {
		if _, err := scheduleParser.Parse(spec); err != nil {
			return fmt.Errorf("directory.refresh_schedule: %w", err)
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "file":
			if strings.TrimSpace(s.Path) == "" {
				return errors.New("storage.path is required when storage.driver=file")
			}
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return errors.New("storage.path is required when storage.driver=sqlite")
			}
			if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
				return err
			}
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				return errors.New("storage.dsn is required when storage.driver=postgres")
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", s.Driver)
		}
		if s.MaxOpenConns < 0 {
			return errors.New("storage.max_open_conns must be >= 0")
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if e := cfg.Events; e != nil && e.Enabled && strings.TrimSpace(e.URL) == "" {
		return errors.New("events.url is required when events.enabled=true (or set AMQP_URL)")
	}
	return nil
}
