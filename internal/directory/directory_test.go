package directory

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type fakeResolver struct {
	mu    sync.Mutex
	chats map[string]kit.ChatInfo
	err   error
	calls []string
}

func (f *fakeResolver) ResolveChat(_ context.Context, ref string) (kit.ChatInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref)
	if f.err != nil {
		return kit.ChatInfo{}, false, f.err
	}
	info, ok := f.chats[ref]
	return info, ok, nil
}

func (f *fakeResolver) set(ref string, info kit.ChatInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[ref] = info
}

func newTestDirectory(t *testing.T) (*Directory, storage.Store, *fakeResolver) {
	t.Helper()
	st := storage.NewMemory()
	res := &fakeResolver{chats: map[string]kit.ChatInfo{
		"@promo":    {ID: -1001, Title: "Promo", Username: "promo", CanPost: true, IsAdmin: true},
		"-1001":     {ID: -1001, Title: "Promo", Username: "promo", CanPost: true, IsAdmin: true},
		"@readonly": {ID: -1002, Title: "RO", Username: "readonly"},
		"-1003":     {ID: -1003, Title: "Info", CanPost: true},
	}}
	return New(st, res, logx.Nop()), st, res
}

func TestListRecipients(t *testing.T) {
	t.Parallel()

	d, st, _ := newTestDirectory(t)
	ctx := context.Background()
	for _, id := range []int64{30, 10, 20} {
		if err := st.UpsertUser(ctx, storage.User{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	for _, c := range []storage.Channel{
		{ID: -3, CanPost: true, IsAdmin: true},
		{ID: -2, CanPost: true},
		{ID: -1, CanPost: false, IsAdmin: true},
	} {
		if err := st.UpsertChannel(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	users, err := d.ListUserRecipients(ctx)
	if err != nil || !reflect.DeepEqual(users, []broadcast.Address{10, 20, 30}) {
		t.Fatalf("ListUserRecipients() = %v, %v", users, err)
	}
	all, _ := d.ListChannelRecipients(ctx, false)
	if !reflect.DeepEqual(all, []broadcast.Address{-3, -2}) {
		t.Fatalf("ListChannelRecipients(false) = %v, want [-3 -2]", all)
	}
	admin, _ := d.ListChannelRecipients(ctx, true)
	if !reflect.DeepEqual(admin, []broadcast.Address{-3}) {
		t.Fatalf("ListChannelRecipients(true) = %v, want [-3]", admin)
	}
}

func TestRegisterChannel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ref     string
		wantErr error
		wantID  int64
	}{
		{ref: "@promo", wantID: -1001},
		{ref: "promo", wantID: -1001},
		{ref: "https://t.me/promo", wantID: -1001},
		{ref: "-1003", wantID: -1003},
		{ref: "@readonly", wantErr: ErrNoPostRights},
		{ref: "@ghost", wantErr: ErrChannelNotFound},
		{ref: "  ", wantErr: ErrChannelNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(strings.TrimSpace(tt.ref), func(t *testing.T) {
			t.Parallel()
			d, st, _ := newTestDirectory(t)
			info, err := d.Register(context.Background(), tt.ref)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Register(%q) error = %v, want %v", tt.ref, err, tt.wantErr)
			}
			if tt.wantErr != nil {
				if chans, _ := st.ListChannels(context.Background()); len(chans) != 0 {
					t.Fatalf("refused channel was stored: %+v", chans)
				}
				return
			}
			if int64(info.ID) != tt.wantID {
				t.Fatalf("Register(%q) id = %d, want %d", tt.ref, info.ID, tt.wantID)
			}
			if _, err := st.GetChannel(context.Background(), tt.wantID); err != nil {
				t.Fatalf("GetChannel(%d) error = %v", tt.wantID, err)
			}
		})
	}
}

func TestRefreshTracksRights(t *testing.T) {
	t.Parallel()

	d, st, res := newTestDirectory(t)
	ctx := context.Background()
	for _, ref := range []string{"@promo", "-1003"} {
		if _, err := d.Register(ctx, ref); err != nil {
			t.Fatalf("Register(%s) error = %v", ref, err)
		}
	}

	// Promo demotes the bot; Info disappears.
	res.set("-1001", kit.ChatInfo{ID: -1001, Title: "Promo!", Username: "promo", CanPost: true})
	res.mu.Lock()
	delete(res.chats, "-1003")
	res.mu.Unlock()

	stats, err := d.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if stats != (RefreshStats{Checked: 2, Changed: 2, Lost: 1}) {
		t.Fatalf("Refresh() stats = %+v", stats)
	}
	promo, _ := st.GetChannel(ctx, -1001)
	if promo.IsAdmin || !promo.CanPost || promo.Title != "Promo!" {
		t.Fatalf("promo after refresh = %+v", promo)
	}
	if admin, _ := d.ListChannelRecipients(ctx, true); len(admin) != 0 {
		t.Fatalf("admin-only recipients = %v, want none", admin)
	}
	if all, _ := d.ListChannelRecipients(ctx, false); !reflect.DeepEqual(all, []broadcast.Address{-1001}) {
		t.Fatalf("recipients = %v, want [-1001]", all)
	}

	// Second pass is a no-op.
	stats, _ = d.Refresh(ctx)
	if stats.Changed != 0 || stats.Lost != 0 {
		t.Fatalf("second Refresh() stats = %+v", stats)
	}
}

func TestRefresherRunsOnSchedule(t *testing.T) {
	t.Parallel()

	d, _, res := newTestDirectory(t)
	if _, err := d.Register(context.Background(), "@promo"); err != nil {
		t.Fatal(err)
	}
	r := NewRefresher(d, logx.Nop())
	done := make(chan RefreshStats, 4)
	r.OnRefresh = func(st RefreshStats, err error) {
		if err != nil {
			return
		}
		select {
		case done <- st:
		default:
		}
	}
	// Six-field spec: every second, no startup spread.
	if err := r.Apply("* * * * * *"); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(context.Background())

	select {
	case st := <-done:
		if st.Checked != 1 {
			t.Fatalf("refresh checked %d channels, want 1", st.Checked)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("refresh never ran")
	}
	res.mu.Lock()
	called := len(res.calls)
	res.mu.Unlock()
	if called < 2 {
		t.Fatalf("resolver calls = %d, want register + refresh", called)
	}

	if err := r.Apply("not a schedule"); err == nil {
		t.Fatalf("Apply(invalid) error = nil")
	}
}

func TestStartupSpreadDelaysFirstRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := withStartupSpread(time.Minute, now, "@every 1m")
	first := s.Next(now)
	if first.Before(now.Add(time.Minute)) || !first.Before(now.Add(time.Minute+maxStartupSpread)) {
		t.Fatalf("first run = %v, want within [1m, 1m30s) of %v", first, now)
	}
	// Later runs follow the base interval (truncated to whole seconds).
	if gap := s.Next(first).Sub(first); gap <= 59*time.Second || gap > time.Minute {
		t.Fatalf("second run gap = %v, want about 1m", gap)
	}
}
