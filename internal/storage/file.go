package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	logx "castbot/pkg/logx"
)

// memStore keeps every registry in maps. It backs the "memory" driver and,
// with a journal attached, the "file" driver.
type memStore struct {
	mu       sync.Mutex
	users    map[int64]User
	admins   map[int64]struct{}
	channels map[int64]Channel
	audit    []AuditEntry // memory driver only; bounded

	// journal is called with every mutation while mu is held.
	journal func(r journalRecord) error
}

// NewMemory returns a Store that lives only in process memory.
func NewMemory() Store {
	return newMemStore()
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[int64]User{},
		admins:   map[int64]struct{}{},
		channels: map[int64]Channel{},
	}
}

const memAuditMax = 1000

func (s *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	if over := len(s.audit) - memAuditMax; over > 0 {
		s.audit = slices.Delete(s.audit, 0, over)
	}
	return nil
}

func (s *memStore) record(r journalRecord) error {
	if s.journal == nil {
		return nil
	}
	return s.journal(r)
}

func (s *memStore) UpsertUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return s.record(journalRecord{Op: opUser, User: &u})
}

func (s *memStore) CountUsers(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
}

func (s *memStore) ListUserIDs(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (s *memStore) IsAdmin(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.admins[userID]
	return ok, nil
}

func (s *memStore) AddAdmin(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[userID]; ok {
		return false, nil
	}
	s.admins[userID] = struct{}{}
	return true, s.record(journalRecord{Op: opAdminAdd, ID: userID})
}

func (s *memStore) RemoveAdmin(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[userID]; !ok {
		return false, nil
	}
	delete(s.admins, userID)
	return true, s.record(journalRecord{Op: opAdminDel, ID: userID})
}

func (s *memStore) ListAdmins(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.admins))
	for id := range s.admins {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (s *memStore) UpsertChannel(_ context.Context, c Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.ID] = c
	return s.record(journalRecord{Op: opChannel, Channel: &c})
}

func (s *memStore) RemoveChannel(_ context.Context, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[chatID]; !ok {
		return false, nil
	}
	delete(s.channels, chatID)
	return true, s.record(journalRecord{Op: opChannelDel, ID: chatID})
}

func (s *memStore) GetChannel(_ context.Context, chatID int64) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[chatID]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return c, nil
}

func (s *memStore) ListChannels(context.Context) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Channel) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *memStore) Close() error { return nil }

// apply replays one journal record. Caller holds mu.
func (s *memStore) apply(r journalRecord) {
	switch r.Op {
	case opUser:
		if r.User != nil {
			s.users[r.User.ID] = *r.User
		}
	case opAdminAdd:
		s.admins[r.ID] = struct{}{}
	case opAdminDel:
		delete(s.admins, r.ID)
	case opChannel:
		if r.Channel != nil {
			s.channels[r.Channel.ID] = *r.Channel
		}
	case opChannelDel:
		delete(s.channels, r.ID)
	}
}

const (
	opUser       = "user"
	opAdminAdd   = "admin_add"
	opAdminDel   = "admin_del"
	opChannel    = "channel"
	opChannelDel = "channel_del"
)

type journalRecord struct {
	Op      string   `json:"op"`
	ID      int64    `json:"id,omitempty"`
	User    *User    `json:"user,omitempty"`
	Channel *Channel `json:"channel,omitempty"`
}

type snapshot struct {
	Users    []User    `json:"users"`
	Admins   []int64   `json:"admins"`
	Channels []Channel `json:"channels"`
}

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (periodic snapshot)
//   - <prefix>.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	*memStore
	log logx.Logger

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	mem := newMemStore()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	fs := &fileStore{
		memStore:     mem,
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		compactEvery: 1000,
	}
	mem.journal = fs.appendJournal
	return fs, nil
}

// appendJournal runs with memStore.mu held.
func (s *fileStore) appendJournal(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("storage journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{
		Users:    make([]User, 0, len(s.users)),
		Admins:   make([]int64, 0, len(s.admins)),
		Channels: make([]Channel, 0, len(s.channels)),
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, u)
	}
	for id := range s.admins {
		snap.Admins = append(snap.Admins, id)
	}
	for _, c := range s.channels {
		snap.Channels = append(snap.Channels, c)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, u := range snap.Users {
		into.users[u.ID] = u
	}
	for _, id := range snap.Admins {
		into.admins[id] = struct{}{}
	}
	for _, c := range snap.Channels {
		into.channels[c.ID] = c
	}
	return nil
}

func replayJournal(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		into.apply(r)
	}
	return sc.Err()
}
