package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errSend = errors.New("forbidden: bot was blocked by the user")

type sentCall struct {
	Method  string
	To      Address
	Handle  string
	Text    string
	Buttons []LinkButton
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sentCall
	fail  map[Address]bool
	// gate, when set, blocks every send until it is closed.
	gate chan struct{}
}

func (f *fakeSender) record(ctx context.Context, c sentCall) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c.Buttons = append([]LinkButton(nil), c.Buttons...)
	f.calls = append(f.calls, c)
	if f.fail[c.To] {
		return errSend
	}
	return nil
}

func (f *fakeSender) SendText(ctx context.Context, to Address, text string, b []LinkButton) error {
	return f.record(ctx, sentCall{Method: "text", To: to, Text: text, Buttons: b})
}

func (f *fakeSender) SendPhoto(ctx context.Context, to Address, h, caption string, b []LinkButton) error {
	return f.record(ctx, sentCall{Method: "photo", To: to, Handle: h, Text: caption, Buttons: b})
}

func (f *fakeSender) SendVideo(ctx context.Context, to Address, h, caption string, b []LinkButton) error {
	return f.record(ctx, sentCall{Method: "video", To: to, Handle: h, Text: caption, Buttons: b})
}

func (f *fakeSender) SendAnimation(ctx context.Context, to Address, h, caption string, b []LinkButton) error {
	return f.record(ctx, sentCall{Method: "animation", To: to, Handle: h, Text: caption, Buttons: b})
}

func (f *fakeSender) Calls() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

type fakeDirectory struct {
	users    []Address
	channels []Address
	admin    []Address
	err      error
}

func (d *fakeDirectory) ListUserRecipients(context.Context) ([]Address, error) {
	return d.users, d.err
}

func (d *fakeDirectory) ListChannelRecipients(_ context.Context, adminOnly bool) ([]Address, error) {
	if adminOnly {
		return d.admin, d.err
	}
	return d.channels, d.err
}

func (d *fakeDirectory) ResolveChannel(_ context.Context, ref string) (ChannelInfo, bool, error) {
	return ChannelInfo{}, false, d.err
}

type report struct {
	Res Result
	Err error
}

type fakePresenter struct {
	mu       sync.Mutex
	prompts  []Prompt
	previews []Draft
	reports  []report
}

func (p *fakePresenter) Prompt(_ context.Context, _ Operator, pr Prompt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, pr)
	return nil
}

func (p *fakePresenter) Preview(_ context.Context, _ Operator, d Draft) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.previews = append(p.previews, d.Clone())
	return nil
}

func (p *fakePresenter) Report(_ context.Context, _ Operator, res Result, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report{Res: res, Err: err})
	return nil
}

func (p *fakePresenter) Reports() []report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]report(nil), p.reports...)
}

func (p *fakePresenter) LastPrompt() Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return PromptNone
	}
	return p.prompts[len(p.prompts)-1]
}

// noSleep records pauses without waiting.
type noSleep struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (n *noSleep) sleep(ctx context.Context, d time.Duration) error {
	n.mu.Lock()
	n.pauses = append(n.pauses, d)
	n.mu.Unlock()
	return ctx.Err()
}
