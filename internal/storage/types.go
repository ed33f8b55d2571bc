package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process only, lost on restart
//   - "file": dependency-free JSON snapshot + audit jsonl next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via DSN (lib/pq)
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	Component     string
	Action        string
	Target        string
	OK            int
	Fail          int
	Error         string
	TookMS        int64
	MetaJSON      string
}

// User is someone who has talked to the bot.
type User struct {
	ID        int64
	FirstName string
	Username  string
	LastSeen  time.Time
}

// Channel is a broadcast channel registered by an admin.
type Channel struct {
	ID       int64
	Title    string
	Username string
	// CanPost and IsAdmin are the bot's rights at the last check.
	CanPost   bool
	IsAdmin   bool
	UpdatedAt time.Time
}

// Store is the persistence API used by the bot.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	UpsertUser(ctx context.Context, u User) error
	CountUsers(ctx context.Context) (int, error)
	// ListUserIDs returns every registered user ordered by id.
	ListUserIDs(ctx context.Context) ([]int64, error)

	IsAdmin(ctx context.Context, userID int64) (bool, error)
	// AddAdmin reports false when the user already was an admin.
	AddAdmin(ctx context.Context, userID int64) (bool, error)
	// RemoveAdmin reports false when the user was not an admin.
	RemoveAdmin(ctx context.Context, userID int64) (bool, error)
	ListAdmins(ctx context.Context) ([]int64, error)

	UpsertChannel(ctx context.Context, c Channel) error
	// RemoveChannel reports false when the channel was not registered.
	RemoveChannel(ctx context.Context, chatID int64) (bool, error)
	GetChannel(ctx context.Context, chatID int64) (Channel, error)
	// ListChannels returns registered channels ordered by id.
	ListChannels(ctx context.Context) ([]Channel, error)

	Close() error
}
