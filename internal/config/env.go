package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays deployment environment variables on cfg:
//
//	BOT_TOKEN     telegram.token
//	OWNER_ID      appended to telegram.owner_user_ids
//	DATABASE_URL  storage.driver=postgres, storage.dsn
//	AMQP_URL      events.enabled=true, events.url
//	PORT          ops.enabled=true, ops.addr=":PORT"
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("BOT_TOKEN"); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get("OWNER_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("OWNER_ID: invalid user id %q", v)
		}
		if !slices.Contains(cfg.Telegram.OwnerUserIDs, id) {
			cfg.Telegram.OwnerUserIDs = append(cfg.Telegram.OwnerUserIDs, id)
		}
	}
	if v, ok := get("DATABASE_URL"); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v, ok := get("AMQP_URL"); ok {
		if cfg.Events == nil {
			cfg.Events = &EventsConfig{}
		}
		cfg.Events.Enabled = true
		cfg.Events.URL = v
	}
	if v, ok := get("PORT"); ok {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("PORT: invalid port %q", v)
		}
		cfg.Ops.Enabled = true
		cfg.Ops.Addr = ":" + v
	}
	return nil
}
