package router

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type sentText struct {
	chat int64
	text string
}

type fakeAdapter struct {
	mu      sync.Mutex
	texts   []sentText
	answers map[string]string
	notify  chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{answers: map[string]string{}, notify: make(chan struct{}, 64)}
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.texts = append(f.texts, sentText{chat: to.ChatID, text: text})
	f.mu.Unlock()
	f.ping()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	f.answers[id] = text
	f.mu.Unlock()
	f.ping()
	return nil
}

func (f *fakeAdapter) ping() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *fakeAdapter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter was never called")
	}
}

func (f *fakeAdapter) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1].text
}

type staticAuth map[int64]Access

func (a staticAuth) AccessOf(_ context.Context, id int64) Access { return a[id] }

func textUpdate(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
}

func startRouter(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		args  []string
		pos   []string
		flags map[string]string
		bools map[string]bool
	}{
		{name: "empty", flags: map[string]string{}, bools: map[string]bool{}},
		{
			name:  "audience with bool flag",
			args:  []string{"channels", "--admin-only"},
			pos:   []string{"channels"},
			flags: map[string]string{},
			bools: map[string]bool{"admin-only": true},
		},
		{
			name:  "flag does not consume next token",
			args:  []string{"--admin-only", "all"},
			pos:   []string{"all"},
			flags: map[string]string{},
			bools: map[string]bool{"admin-only": true},
		},
		{
			name:  "value flag",
			args:  []string{"-k=v", "--name=a=b"},
			flags: map[string]string{"k": "v", "name": "a=b"},
			bools: map[string]bool{},
		},
		{
			name:  "negative chat id stays positional",
			args:  []string{"-1001234567890", "-", "--"},
			pos:   []string{"-1001234567890", "-", "--"},
			flags: map[string]string{},
			bools: map[string]bool{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pos, flags, bools := parseFlags(tt.args)
			if !reflect.DeepEqual(pos, tt.pos) {
				t.Fatalf("pos = %q, want %q", pos, tt.pos)
			}
			if !reflect.DeepEqual(flags, tt.flags) {
				t.Fatalf("flags = %v, want %v", flags, tt.flags)
			}
			if !reflect.DeepEqual(bools, tt.bools) {
				t.Fatalf("bools = %v, want %v", bools, tt.bools)
			}
		})
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	tests := map[string][]string{
		"":                        nil,
		"/broadcast":              {"/broadcast"},
		"/channel_add  @promo ":   {"/channel_add", "@promo"},
		`/cmd a "b c" --k=v`:      {"/cmd", "a", "b c", "--k=v"},
		`/cmd 'it''s' x\ y`:       {"/cmd", "its", "x y"},
		"/admin_add\t42\n--force": {"/admin_add", "42", "--force"},
	}
	for in, want := range tests {
		if got := tokenizeCommandLine(in); !reflect.DeepEqual(got, want) {
			t.Fatalf("tokenizeCommandLine(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRouteCommand(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	r := New(ad, staticAuth{1: AccessAdmin}, logx.Nop(), WithWorkers(2))
	got := make(chan *Request, 1)
	r.SetRegistry([]Command{{
		Name:    "broadcast",
		Aliases: []string{"bc"},
		Access:  AccessAdmin,
		Handle: func(_ context.Context, req *Request) error {
			got <- req
			return nil
		},
	}}, nil, nil)
	startRouter(t, r)

	r.Route(context.Background(), textUpdate(1, "/BC@castbot channels --admin-only"))
	select {
	case req := <-got:
		if req.Command != "broadcast" || req.Access != AccessAdmin {
			t.Fatalf("request = %q access %v, want broadcast/admin", req.Command, req.Access)
		}
		if !reflect.DeepEqual(req.Args, []string{"channels"}) || !req.BoolFlags["admin-only"] {
			t.Fatalf("args = %q flags = %v", req.Args, req.BoolFlags)
		}
		if req.ReqID == "" || req.Logger.IsZero() {
			t.Fatalf("request id or logger missing")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}
}

func TestRouteRefusesUnauthorized(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	r := New(ad, staticAuth{}, logx.Nop(), WithWorkers(1))
	r.SetRegistry([]Command{{
		Name:   "admin_add",
		Access: AccessOwner,
		Handle: func(context.Context, *Request) error {
			t.Errorf("handler ran for unauthorized user")
			return nil
		},
	}}, nil, nil)
	startRouter(t, r)

	r.Route(context.Background(), textUpdate(7, "/admin_add 42"))
	ad.wait(t)
	if got := ad.lastText(); got != DefaultReplies().Unauthorized {
		t.Fatalf("reply = %q, want unauthorized reply", got)
	}
}

func TestRouteUnknownAndFallback(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	r := New(ad, nil, logx.Nop(), WithWorkers(1))
	seen := make(chan string, 4)
	r.SetRegistry(nil, nil, func(_ context.Context, req *Request) error {
		seen <- req.Message.Text
		if strings.HasPrefix(req.Message.Text, "/") {
			return ErrUnhandled
		}
		return nil
	})
	startRouter(t, r)

	r.Route(context.Background(), textUpdate(5, "hello"))
	if got := <-seen; got != "hello" {
		t.Fatalf("fallback got %q, want hello", got)
	}

	r.Route(context.Background(), textUpdate(5, "/nope"))
	if got := <-seen; got != "/nope" {
		t.Fatalf("fallback got %q, want /nope", got)
	}
	ad.wait(t)
	if got := ad.lastText(); got != DefaultReplies().Unknown {
		t.Fatalf("reply = %q, want unknown reply", got)
	}
}

func TestRouteCallback(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	r := New(ad, staticAuth{3: AccessAdmin}, logx.Nop(), WithWorkers(1))
	r.SetRegistry(nil, []CallbackRoute{{
		Prefix: "bc",
		Action: "send",
		Access: AccessAdmin,
		Handle: func(_ context.Context, req *Request) error {
			req.CallbackAnswer = "ok:" + req.Payload
			return nil
		},
	}}, nil)
	startRouter(t, r)

	r.Route(context.Background(), kit.Update{
		Kind:     kit.UpdateCallback,
		Callback: &kit.Callback{ID: "cb1", FromID: 3, ChatID: 3, Data: "bc:send:x:y"},
	})
	ad.wait(t)
	ad.mu.Lock()
	got := ad.answers["cb1"]
	ad.mu.Unlock()
	if got != "ok:x:y" {
		t.Fatalf("callback answer = %q, want ok:x:y", got)
	}
}

func TestCallbackAnsweredOnce(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	r := New(ad, nil, logx.Nop(), WithWorkers(1))
	r.SetRegistry(nil, []CallbackRoute{{
		Prefix: "bc",
		Action: "send",
		Handle: func(ctx context.Context, req *Request) error {
			if err := req.Answer(ctx, "early"); err != nil {
				return err
			}
			req.CallbackAnswer = "late"
			return nil
		},
	}}, nil)
	startRouter(t, r)

	r.Route(context.Background(), kit.Update{
		Kind:     kit.UpdateCallback,
		Callback: &kit.Callback{ID: "cb2", FromID: 4, ChatID: 4, Data: "bc:send"},
	})
	ad.wait(t)
	// Give a second answer a chance to arrive.
	time.Sleep(50 * time.Millisecond)
	ad.mu.Lock()
	got := ad.answers["cb2"]
	ad.mu.Unlock()
	if got != "early" {
		t.Fatalf("callback answer = %q, want early", got)
	}
}

func TestRouteBusyWhenQueueFull(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	r := New(ad, nil, logx.Nop())
	// No workers are running, so the queue fills up.
	for i := 0; i < cap(r.jobs); i++ {
		r.Route(context.Background(), textUpdate(9, "/help"))
	}
	if got := ad.lastText(); got != "" {
		t.Fatalf("unexpected reply %q before the queue is full", got)
	}
	r.Route(context.Background(), textUpdate(9, "/help"))
	if got := ad.lastText(); got != DefaultReplies().Busy {
		t.Fatalf("reply = %q, want busy reply", got)
	}
}

func TestRoutePanicIsRecovered(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	r := New(ad, nil, logx.Nop(), WithWorkers(1))
	r.SetRegistry([]Command{
		{Name: "boom", Handle: func(context.Context, *Request) error { panic("boom") }},
		{Name: "ping", Handle: func(ctx context.Context, req *Request) error {
			_, err := ad.SendText(ctx, req.Chat, "pong", nil)
			return err
		}},
	}, nil, nil)
	startRouter(t, r)

	r.Route(context.Background(), textUpdate(2, "/boom"))
	r.Route(context.Background(), textUpdate(2, "/ping"))
	ad.wait(t)
	if got := ad.lastText(); got != "pong" {
		t.Fatalf("reply = %q, want pong", got)
	}
}

func TestHelpTextAndMenu(t *testing.T) {
	t.Parallel()

	r := New(newFakeAdapter(), nil, logx.Nop())
	noop := func(context.Context, *Request) error { return nil }
	r.SetRegistry([]Command{
		{Name: "start", Description: "mulai", Handle: noop},
		{Name: "broadcast", Usage: "/broadcast [users|channels|all]", Description: "kirim pesan", Access: AccessAdmin, Handle: noop},
		{Name: "admin_add", Access: AccessOwner, Handle: noop},
		{Name: "start", Description: "duplicate", Handle: noop},
		{Name: "", Handle: noop},
	}, nil, nil)

	everyone := r.HelpText(AccessEveryone)
	if !strings.Contains(everyone, "/start - mulai") || strings.Contains(everyone, "/broadcast") {
		t.Fatalf("HelpText(everyone) = %q", everyone)
	}
	admin := r.HelpText(AccessAdmin)
	if !strings.Contains(admin, "/broadcast [users|channels|all] - kirim pesan") || strings.Contains(admin, "admin_add") {
		t.Fatalf("HelpText(admin) = %q", admin)
	}
	if owner := r.HelpText(AccessOwner); !strings.Contains(owner, "/admin_add") {
		t.Fatalf("HelpText(owner) = %q", owner)
	}

	var names []string
	for _, c := range r.MenuCommands() {
		names = append(names, c.Command)
	}
	if !reflect.DeepEqual(names, []string{"start", "help"}) {
		t.Fatalf("MenuCommands() = %v, want [start help]", names)
	}
}

func TestErrUnhandledIsNotLoggedAsFailure(t *testing.T) {
	t.Parallel()

	h := MWRequestLog(logx.Nop())(func(context.Context, *Request) error { return ErrUnhandled })
	if err := h(context.Background(), &Request{}); !errors.Is(err, ErrUnhandled) {
		t.Fatalf("err = %v, want ErrUnhandled", err)
	}
}

func TestPanicRecoverReturnsErrPanic(t *testing.T) {
	t.Parallel()

	h := Chain(func(context.Context, *Request) error { panic("boom") },
		MWPanicRecover(logx.Nop()),
		MWTimeout(time.Second),
	)
	if err := h(context.Background(), &Request{}); !errors.Is(err, ErrPanic) {
		t.Fatalf("err = %v, want ErrPanic", err)
	}
}

func TestLongHandlerLeavesOtherWorkersFree(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	r := New(ad, nil, logx.Nop(), WithWorkers(2))
	started := make(chan struct{})
	release := make(chan struct{})
	r.SetRegistry([]Command{{
		Name:   "send",
		Access: AccessEveryone,
		Handle: func(ctx context.Context, _ *Request) error {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}}, nil, nil)
	startRouter(t, r)
	defer close(release)

	r.Route(context.Background(), textUpdate(1, "/send"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("long handler never started")
	}

	r.Route(context.Background(), textUpdate(2, "/help"))
	ad.wait(t)
	if got := ad.lastText(); !strings.Contains(got, "/send") {
		t.Fatalf("reply = %q, want help text while another run is in flight", got)
	}
}
