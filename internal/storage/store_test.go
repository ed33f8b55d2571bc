package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	logx "castbot/pkg/logx"
)

// exerciseStore runs the same registry checks against any backend.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	seen := time.UnixMilli(1_700_000_000_000)

	for _, u := range []User{
		{ID: 30, FirstName: "Cici", LastSeen: seen},
		{ID: 10, FirstName: "Ani", Username: "ani", LastSeen: seen},
		{ID: 20, FirstName: "Budi", LastSeen: seen},
		{ID: 10, FirstName: "Ani", Username: "ani_baru", LastSeen: seen},
	} {
		if err := st.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser(%d) error = %v", u.ID, err)
		}
	}
	if n, err := st.CountUsers(ctx); err != nil || n != 3 {
		t.Fatalf("CountUsers() = %d, %v; want 3", n, err)
	}
	ids, err := st.ListUserIDs(ctx)
	if err != nil || !reflect.DeepEqual(ids, []int64{10, 20, 30}) {
		t.Fatalf("ListUserIDs() = %v, %v; want [10 20 30]", ids, err)
	}

	if added, err := st.AddAdmin(ctx, 7); err != nil || !added {
		t.Fatalf("AddAdmin(7) = %v, %v; want true", added, err)
	}
	if added, err := st.AddAdmin(ctx, 7); err != nil || added {
		t.Fatalf("AddAdmin(7) again = %v, %v; want false", added, err)
	}
	if _, err := st.AddAdmin(ctx, 3); err != nil {
		t.Fatalf("AddAdmin(3) error = %v", err)
	}
	if ok, _ := st.IsAdmin(ctx, 7); !ok {
		t.Fatalf("IsAdmin(7) = false")
	}
	if ok, _ := st.IsAdmin(ctx, 8); ok {
		t.Fatalf("IsAdmin(8) = true")
	}
	if admins, _ := st.ListAdmins(ctx); !reflect.DeepEqual(admins, []int64{3, 7}) {
		t.Fatalf("ListAdmins() = %v, want [3 7]", admins)
	}
	if removed, _ := st.RemoveAdmin(ctx, 3); !removed {
		t.Fatalf("RemoveAdmin(3) = false")
	}
	if removed, _ := st.RemoveAdmin(ctx, 3); removed {
		t.Fatalf("RemoveAdmin(3) twice = true")
	}

	chans := []Channel{
		{ID: -1002, Title: "Promo", Username: "promo", CanPost: true, IsAdmin: true, UpdatedAt: seen},
		{ID: -1001, Title: "Info", CanPost: true, UpdatedAt: seen},
	}
	for _, c := range chans {
		if err := st.UpsertChannel(ctx, c); err != nil {
			t.Fatalf("UpsertChannel(%d) error = %v", c.ID, err)
		}
	}
	got, err := st.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels() error = %v", err)
	}
	want := []Channel{chans[0], chans[1]}
	if len(got) != 2 || got[0].ID != want[0].ID || got[1].ID != want[1].ID {
		t.Fatalf("ListChannels() = %+v, want ordered by id", got)
	}
	if got[0].Username != "promo" || !got[0].IsAdmin || !got[0].UpdatedAt.Equal(seen) {
		t.Fatalf("channel round trip = %+v", got[0])
	}
	if _, err := st.GetChannel(ctx, -5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetChannel(missing) error = %v, want ErrNotFound", err)
	}
	if removed, _ := st.RemoveChannel(ctx, -1001); !removed {
		t.Fatalf("RemoveChannel(-1001) = false")
	}

	if err := st.AppendAudit(ctx, AuditEntry{ActorID: 7, Component: "broadcast", Action: "broadcast", OK: 2, Fail: 1}); err != nil {
		t.Fatalf("AppendAudit() error = %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "castbot.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(sqlite) error = %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	exerciseStore(t, st)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "castbot.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(file) error = %v", err)
	}
	exerciseStore(t, st)
	// Close compacts the journal into the snapshot.
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	ctx := context.Background()
	if _, err := st.AddAdmin(ctx, 99); err != nil {
		t.Fatalf("AddAdmin(99) error = %v", err)
	}
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journalFile.Sync()
	fs.mu.Unlock()

	reopened, err := openFile(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("second reopen error = %v", err)
	}
	defer reopened.Close()
	defer st.Close()

	if ids, _ := reopened.ListUserIDs(ctx); !reflect.DeepEqual(ids, []int64{10, 20, 30}) {
		t.Fatalf("users after reopen = %v", ids)
	}
	if admins, _ := reopened.ListAdmins(ctx); !reflect.DeepEqual(admins, []int64{7, 99}) {
		t.Fatalf("admins after reopen = %v, want [7 99]", admins)
	}
	if chans, _ := reopened.ListChannels(ctx); len(chans) != 1 || chans[0].ID != -1002 {
		t.Fatalf("channels after reopen = %+v", chans)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("Open(mongo) error = nil")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("Open(postgres without dsn) error = nil")
	}
}
