package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "castbot/pkg/logx"
)

// ErrDraftNotSendable is returned by Dispatch for a draft with neither text
// nor media.
var ErrDraftNotSendable = errors.New("draft has no text or media")

// Address is a recipient chat id (user or channel).
type Address int64

// Sender performs exactly one delivery attempt per call.
type Sender interface {
	SendText(ctx context.Context, to Address, text string, buttons []LinkButton) error
	SendPhoto(ctx context.Context, to Address, handle, caption string, buttons []LinkButton) error
	SendVideo(ctx context.Context, to Address, handle, caption string, buttons []LinkButton) error
	SendAnimation(ctx context.Context, to Address, handle, caption string, buttons []LinkButton) error
}

// Deliver sends d to one recipient using the call that matches its media.
func Deliver(ctx context.Context, s Sender, to Address, d Draft) error {
	switch d.Media.Kind {
	case MediaPhoto:
		return s.SendPhoto(ctx, to, d.Media.Handle, d.Text, d.Buttons)
	case MediaVideo:
		return s.SendVideo(ctx, to, d.Media.Handle, d.Text, d.Buttons)
	case MediaAnimation:
		return s.SendAnimation(ctx, to, d.Media.Handle, d.Text, d.Buttons)
	default:
		return s.SendText(ctx, to, d.Text, d.Buttons)
	}
}

// Result is the tally of one run.
type Result struct {
	Sent   int
	Failed int
}

func (r Result) Total() int { return r.Sent + r.Failed }

// Policy is the fixed pacing between deliveries.
type Policy struct {
	SuccessDelay time.Duration
	FailureDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{SuccessDelay: 50 * time.Millisecond, FailureDelay: 300 * time.Millisecond}
}

// Dispatcher delivers a draft to recipients one after another.
type Dispatcher struct {
	sender Sender
	log    logx.Logger

	mu     sync.RWMutex
	policy Policy

	sleep   func(ctx context.Context, d time.Duration) error
	observe func(to Address, media MediaKind, err error)
}

type DispatcherOption func(*Dispatcher)

// WithSleep replaces the pause between deliveries (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// WithDeliveryObserver is called after every delivery attempt.
func WithDeliveryObserver(fn func(to Address, media MediaKind, err error)) DispatcherOption {
	return func(d *Dispatcher) { d.observe = fn }
}

func NewDispatcher(sender Sender, policy Policy, log logx.Logger, opts ...DispatcherOption) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sender: sender, log: log, policy: policy, sleep: sleepCtx}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetPolicy changes the pacing for runs started afterwards.
func (d *Dispatcher) SetPolicy(p Policy) {
	d.mu.Lock()
	d.policy = p
	d.mu.Unlock()
}

func (d *Dispatcher) Policy() Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

// Dispatch sends draft to every recipient in order. A failed delivery is
// counted and never retried; the run continues with a longer pause.
//
// The run only stops early when ctx is done, in which case the partial
// tally is returned with ctx.Err().
func (d *Dispatcher) Dispatch(ctx context.Context, draft Draft, recipients []Address) (Result, error) {
	var res Result
	if !draft.Sendable() {
		return res, ErrDraftNotSendable
	}
	pol := d.Policy()

	for i, to := range recipients {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := Deliver(ctx, d.sender, to, draft)
		if d.observe != nil {
			d.observe(to, draft.Media.Kind, err)
		}
		pause := pol.SuccessDelay
		if err != nil {
			res.Failed++
			pause = pol.FailureDelay
			d.log.Debug("broadcast delivery failed", logx.Int64("to", int64(to)), logx.Err(err))
		} else {
			res.Sent++
		}
		if i == len(recipients)-1 || pause <= 0 {
			continue
		}
		if err := d.sleep(ctx, pause); err != nil {
			return res, err
		}
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
