package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "castbot/pkg/logx"
)

// sqlStore implements Store on database/sql. Queries are written with "?"
// placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	numbered bool // postgres: $1, $2, ...
}

func newSQLStore(db *sql.DB, log logx.Logger, numbered bool) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, log: log, numbered: numbered}
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit(at_ms, actor_id, actor_username, chat_id, component, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Component, e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqlStore) UpsertUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO users(user_id, first_name, username, last_seen_ms) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   first_name = excluded.first_name,
		   username = excluded.username,
		   last_seen_ms = excluded.last_seen_ms`),
		u.ID, nullStr(u.FirstName), nullStr(u.Username), u.LastSeen.UnixMilli(),
	)
	return err
}

func (s *sqlStore) CountUsers(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *sqlStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.ids(ctx, `SELECT user_id FROM users ORDER BY user_id`)
}

func (s *sqlStore) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM admins WHERE user_id = ?`), userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) AddAdmin(ctx context.Context, userID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO admins(user_id) VALUES(?) ON CONFLICT(user_id) DO NOTHING`), userID)
	return affected(res, err)
}

func (s *sqlStore) RemoveAdmin(ctx context.Context, userID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM admins WHERE user_id = ?`), userID)
	return affected(res, err)
}

func (s *sqlStore) ListAdmins(ctx context.Context) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.ids(ctx, `SELECT user_id FROM admins ORDER BY user_id`)
}

func (s *sqlStore) UpsertChannel(ctx context.Context, c Channel) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO channels(chat_id, title, username, can_post, is_admin, updated_ms) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   title = excluded.title,
		   username = excluded.username,
		   can_post = excluded.can_post,
		   is_admin = excluded.is_admin,
		   updated_ms = excluded.updated_ms`),
		c.ID, c.Title, nullStr(c.Username), c.CanPost, c.IsAdmin, c.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) RemoveChannel(ctx context.Context, chatID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM channels WHERE chat_id = ?`), chatID)
	return affected(res, err)
}

const channelCols = `chat_id, title, username, can_post, is_admin, updated_ms`

func (s *sqlStore) GetChannel(ctx context.Context, chatID int64) (Channel, error) {
	if s == nil || s.db == nil {
		return Channel{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+channelCols+` FROM channels WHERE chat_id = ?`), chatID)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	return c, err
}

func (s *sqlStore) ListChannels(ctx context.Context) ([]Channel, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelCols+` FROM channels ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (Channel, error) {
	var (
		c        Channel
		username sql.NullString
		updated  int64
	)
	if err := r.Scan(&c.ID, &c.Title, &username, &c.CanPost, &c.IsAdmin, &updated); err != nil {
		return Channel{}, err
	}
	c.Username = username.String
	c.UpdatedAt = time.UnixMilli(updated)
	return c, nil
}

func (s *sqlStore) ids(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
