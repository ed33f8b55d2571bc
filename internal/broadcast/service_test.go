package broadcast

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

type fakeAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *fakeAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type fakeObserver struct {
	mu          sync.Mutex
	transitions []string
	runs        int
}

func (o *fakeObserver) ObserveTransition(from, to string, accepted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from+">"+to)
}

func (o *fakeObserver) ObserveRun(string, int, int, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs++
}

type harness struct {
	svc    *Service
	sender *fakeSender
	dir    *fakeDirectory
	pres   *fakePresenter
	audit  *fakeAudit
	obs    *fakeObserver
	bus    eventbus.Bus
}

func newHarness(dir *fakeDirectory, sender *fakeSender) *harness {
	h := &harness{
		sender: sender,
		dir:    dir,
		pres:   &fakePresenter{},
		audit:  &fakeAudit{},
		obs:    &fakeObserver{},
		bus:    eventbus.New(),
	}
	ns := &noSleep{}
	disp := NewDispatcher(sender, DefaultPolicy(), logx.Nop(), WithSleep(ns.sleep))
	h.svc = NewService(NewSessionStore(), dir, disp, h.pres,
		WithBus(h.bus), WithAudit(h.audit), WithObserver(h.obs))
	return h
}

func TestServiceScenarioEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeDirectory{users: addrs(1, 2, 3)}, &fakeSender{fail: map[Address]bool{2: true}})
	events, unsub := h.bus.Subscribe(4)
	defer unsub()

	ctx := context.Background()
	op := Operator{ID: 42, Username: "owner"}
	if err := h.svc.StartBroadcast(ctx, op, Audience{Users: true}); err != nil {
		t.Fatalf("StartBroadcast() error = %v", err)
	}
	for _, in := range []Input{TextInput("Hello"), TextInput("skip"), ChoiceInput(ChoiceNo)} {
		if _, err := h.svc.HandleInput(ctx, op, in); err != nil {
			t.Fatalf("HandleInput(%+v) error = %v", in, err)
		}
	}
	if len(h.pres.previews) != 1 || h.pres.previews[0].Text != "Hello" {
		t.Fatalf("previews = %+v, want one Hello preview", h.pres.previews)
	}

	out, err := h.svc.HandleInput(ctx, op, ChoiceInput(ChoiceConfirm))
	if err != nil {
		t.Fatalf("confirm error = %v", err)
	}
	if out.Dispatch == nil || !reflect.DeepEqual(*out.Dispatch, Draft{Text: "Hello"}) {
		t.Fatalf("dispatched = %+v", out.Dispatch)
	}

	reports := h.pres.Reports()
	if len(reports) != 1 || reports[0].Res != (Result{Sent: 2, Failed: 1}) || reports[0].Err != nil {
		t.Fatalf("reports = %+v, want one {2 1}", reports)
	}
	if s, _ := h.svc.Sessions().Snapshot(op.ID); s.Step != StepIdle || s.Draft.Text != "" {
		t.Fatalf("session after run = %+v", s)
	}
	if h.svc.Sessions().Busy(op.ID) {
		t.Fatalf("operator still busy after run")
	}

	if len(h.audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(h.audit.entries))
	}
	if e := h.audit.entries[0]; e.OK != 2 || e.Fail != 1 || e.Action != "broadcast" || e.ActorID != 42 {
		t.Fatalf("audit entry = %+v", e)
	}
	if h.obs.runs != 1 || len(h.obs.transitions) == 0 {
		t.Fatalf("observer runs=%d transitions=%v", h.obs.runs, h.obs.transitions)
	}

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing bus event, got %v", types)
		}
	}
	if !reflect.DeepEqual(types, []string{EventStarted, EventFinished}) {
		t.Fatalf("events = %v", types)
	}

	runs := h.svc.Runs()
	if len(runs) != 1 || runs[0].Running || runs[0].Sent != 2 || runs[0].Failed != 1 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestStartBroadcastRefusesWithoutRecipients(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeDirectory{}, &fakeSender{})
	err := h.svc.StartBroadcast(context.Background(), Operator{ID: 1}, Audience{Users: true})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("StartBroadcast() error = %v, want ErrNoRecipients", err)
	}
	if _, ok := h.svc.Sessions().Snapshot(1); ok {
		t.Fatalf("session created for refused broadcast")
	}

	boom := errors.New("db down")
	h = newHarness(&fakeDirectory{err: boom}, &fakeSender{})
	if err := h.svc.StartBroadcast(context.Background(), Operator{ID: 1}, Audience{Users: true}); !errors.Is(err, boom) {
		t.Fatalf("StartBroadcast() error = %v, want wrapping %v", err, boom)
	}
}

func TestConfirmReportsUnavailableRecipients(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeDirectory{users: addrs(1, 2)}, &fakeSender{})
	ctx := context.Background()
	op := Operator{ID: 7}
	if err := h.svc.StartBroadcast(ctx, op, Audience{Users: true}); err != nil {
		t.Fatalf("StartBroadcast() error = %v", err)
	}
	for _, in := range []Input{TextInput("Hi"), TextInput("skip"), ChoiceInput(ChoiceNo)} {
		if _, err := h.svc.HandleInput(ctx, op, in); err != nil {
			t.Fatalf("HandleInput(%+v) error = %v", in, err)
		}
	}

	boom := errors.New("db down")
	h.dir.err = boom
	_, err := h.svc.HandleInput(ctx, op, ChoiceInput(ChoiceConfirm))
	if !errors.Is(err, ErrRecipientsUnavailable) || !errors.Is(err, boom) {
		t.Fatalf("confirm error = %v, want ErrRecipientsUnavailable wrapping %v", err, boom)
	}

	reports := h.pres.Reports()
	if len(reports) != 1 {
		t.Fatalf("reports = %+v, want one", reports)
	}
	if reports[0].Res != (Result{}) || !errors.Is(reports[0].Err, ErrRecipientsUnavailable) {
		t.Fatalf("report = %+v, want empty result with ErrRecipientsUnavailable", reports[0])
	}
	if calls := h.sender.Calls(); len(calls) != 0 {
		t.Fatalf("sends = %d, want 0", len(calls))
	}
	if h.svc.Sessions().Busy(op.ID) {
		t.Fatalf("operator still busy after failed confirm")
	}
	if s, _ := h.svc.Sessions().Snapshot(op.ID); s.Step != StepIdle {
		t.Fatalf("step after failed confirm = %v, want idle", s.Step)
	}
}

func TestOperatorBusyDuringDispatch(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(&fakeDirectory{users: addrs(1, 2)}, &fakeSender{gate: gate})
	ctx := context.Background()
	op := Operator{ID: 5}
	other := Operator{ID: 6}

	if err := h.svc.StartBroadcast(ctx, op, Audience{Users: true}); err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	for _, in := range []Input{TextInput("Hi"), TextInput("skip"), TextInput("no")} {
		if _, err := h.svc.HandleInput(ctx, op, in); err != nil {
			t.Fatalf("HandleInput: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.HandleInput(ctx, op, ChoiceInput(ChoiceConfirm))
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !h.svc.Sessions().Busy(op.ID) {
		if time.Now().After(deadline) {
			t.Fatalf("operator never became busy")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := h.svc.HandleInput(ctx, op, TextInput("hello?")); !errors.Is(err, ErrBusy) {
		t.Fatalf("input during dispatch error = %v, want ErrBusy", err)
	}
	if err := h.svc.StartBroadcast(ctx, op, Audience{Users: true}); !errors.Is(err, ErrBusy) {
		t.Fatalf("StartBroadcast during dispatch error = %v, want ErrBusy", err)
	}
	// Another operator is not affected.
	if err := h.svc.StartBroadcast(ctx, other, Audience{Users: true}); err != nil {
		t.Fatalf("other operator StartBroadcast error = %v", err)
	}

	close(gate)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatch error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch did not finish")
	}
	if h.svc.Sessions().Busy(op.ID) {
		t.Fatalf("operator still busy")
	}
}

func TestRecipientsMergesAudiences(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{
		users:    addrs(10, 11, -100),
		channels: addrs(-100, -200, -300),
		admin:    addrs(-300),
	}
	tests := []struct {
		aud  Audience
		want []Address
	}{
		{Audience{Users: true}, addrs(10, 11, -100)},
		{Audience{Channels: true}, addrs(-100, -200, -300)},
		{Audience{Channels: true, AdminOnly: true}, addrs(-300)},
		{Audience{Users: true, Channels: true}, addrs(10, 11, -100, -200, -300)},
	}
	for _, tt := range tests {
		got, err := Recipients(context.Background(), dir, tt.aud)
		if err != nil {
			t.Fatalf("Recipients(%v) error = %v", tt.aud, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("Recipients(%v) = %v, want %v", tt.aud, got, tt.want)
		}
	}
}

func TestSessionStoreConcurrentOperators(t *testing.T) {
	t.Parallel()

	st := NewSessionStore()
	var wg sync.WaitGroup
	for op := int64(1); op <= 64; op++ {
		wg.Add(1)
		go func(op int64) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, _ = st.Update(op, func(s *Session) bool {
					if !s.Active() {
						s.Start(Audience{Users: true})
					}
					s.Handle(TextInput("text"))
					return false
				})
			}
		}(op)
	}
	wg.Wait()
	if got := st.Len(); got != 64 {
		t.Fatalf("Len() = %d, want 64", got)
	}
	s, ok := st.Snapshot(7)
	if !ok || s.Draft.Text != "text" {
		t.Fatalf("Snapshot(7) = %+v, %v", s, ok)
	}
	if got := st.Active(); got != 64 {
		t.Fatalf("Active() = %d, want 64", got)
	}
}
