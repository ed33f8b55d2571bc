package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

const (
	EventStarted  = "broadcast.started"
	EventFinished = "broadcast.finished"
)

// Operator identifies who drives a conversation.
type Operator struct {
	ID       int64
	Username string
}

// Presenter renders conversation output to the operator.
type Presenter interface {
	Prompt(ctx context.Context, op Operator, p Prompt) error
	// Preview shows the draft exactly as recipients will get it.
	Preview(ctx context.Context, op Operator, d Draft) error
	// Report is sent once per run with the final tally, or with err when
	// the recipients could not be resolved.
	Report(ctx context.Context, op Operator, res Result, err error) error
}

// Observer receives conversation and run statistics (metrics).
type Observer interface {
	ObserveTransition(from, to string, accepted bool)
	ObserveRun(audience string, sent, failed int, took time.Duration)
}

type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// RunEvent is the payload of broadcast.* bus events.
type RunEvent struct {
	RunID      string `json:"run_id"`
	OperatorID int64  `json:"operator_id"`
	Audience   string `json:"audience"`
	Media      string `json:"media"`
	Buttons    int    `json:"buttons"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent,omitempty"`
	Failed     int    `json:"failed,omitempty"`
	TookMS     int64  `json:"took_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Service ties sessions, the directory and the dispatcher together.
type Service struct {
	store     *SessionStore
	dir       Directory
	disp      *Dispatcher
	presenter Presenter
	log       logx.Logger

	bus   eventbus.Bus
	audit AuditSink
	obs   Observer
	runs  *runHistory
}

type ServiceOption func(*Service)

func WithLogger(l logx.Logger) ServiceOption { return func(s *Service) { s.log = l } }
func WithBus(b eventbus.Bus) ServiceOption   { return func(s *Service) { s.bus = b } }
func WithAudit(a AuditSink) ServiceOption    { return func(s *Service) { s.audit = a } }
func WithObserver(o Observer) ServiceOption  { return func(s *Service) { s.obs = o } }

func NewService(store *SessionStore, dir Directory, disp *Dispatcher, presenter Presenter, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		dir:       dir,
		disp:      disp,
		presenter: presenter,
		runs:      newRunHistory(50),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Service) Sessions() *SessionStore { return s.store }
func (s *Service) Dispatcher() *Dispatcher { return s.disp }

// StartBroadcast opens a conversation at AskText for op. It refuses to start
// when aud resolves to no recipients.
func (s *Service) StartBroadcast(ctx context.Context, op Operator, aud Audience) error {
	if aud.IsZero() {
		aud.Users = true
	}
	rcpts, err := Recipients(ctx, s.dir, aud)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	if len(rcpts) == 0 {
		return ErrNoRecipients
	}

	var out Outcome
	if _, err := s.store.Update(op.ID, func(sess *Session) bool {
		out = sess.Start(aud)
		return false
	}); err != nil {
		return err
	}
	s.observe(out)
	s.log.Debug("broadcast conversation started",
		logx.Int64("operator", op.ID),
		logx.String("audience", aud.String()),
		logx.Int("recipients", len(rcpts)),
	)
	return s.presenter.Prompt(ctx, op, out.Prompt)
}

// HandleInput advances op's conversation. On confirm it resolves the
// recipients and runs the dispatch before returning; op stays busy for the
// whole run.
func (s *Service) HandleInput(ctx context.Context, op Operator, in Input) (Outcome, error) {
	var (
		out     Outcome
		aud     Audience
		preview Draft
	)
	release, err := s.store.Update(op.ID, func(sess *Session) bool {
		aud = sess.Audience
		out = sess.Handle(in)
		if out.ShowPreview {
			preview = sess.Draft.Clone()
		}
		return out.Dispatch != nil
	})
	if err != nil {
		return out, err
	}
	if release != nil {
		defer release()
	}
	s.observe(out)

	if out.Prompt == PromptNone {
		return out, nil
	}
	if out.ShowPreview {
		if err := s.presenter.Preview(ctx, op, preview); err != nil {
			s.log.Warn("preview failed", logx.Int64("operator", op.ID), logx.Err(err))
		}
	}
	if err := s.presenter.Prompt(ctx, op, out.Prompt); err != nil {
		s.log.Warn("prompt failed", logx.Int64("operator", op.ID), logx.Err(err))
	}
	if out.Dispatch == nil {
		return out, nil
	}

	rcpts, err := Recipients(ctx, s.dir, aud)
	if err != nil {
		s.log.Error("resolve recipients failed", logx.Int64("operator", op.ID), logx.Err(err))
		err = fmt.Errorf("%w: %w", ErrRecipientsUnavailable, err)
		if rerr := s.presenter.Report(ctx, op, Result{}, err); rerr != nil {
			s.log.Warn("report failed", logx.Int64("operator", op.ID), logx.Err(rerr))
		}
		return out, err
	}
	res, runErr := s.RunDispatch(ctx, op, aud, *out.Dispatch, rcpts)
	if err := s.presenter.Report(ctx, op, res, runErr); err != nil {
		s.log.Warn("report failed", logx.Int64("operator", op.ID), logx.Err(err))
	}
	return out, runErr
}

// RunDispatch fans draft out to recipients and records the run.
func (s *Service) RunDispatch(ctx context.Context, op Operator, aud Audience, draft Draft, recipients []Address) (Result, error) {
	ev := RunEvent{
		RunID:      uuid.NewString(),
		OperatorID: op.ID,
		Audience:   aud.String(),
		Media:      draft.Media.Kind.String(),
		Buttons:    len(draft.Buttons),
		Total:      len(recipients),
	}
	start := time.Now()
	s.runs.begin(ev, start)
	s.publish(EventStarted, ev)
	s.log.Info("broadcast started",
		logx.String("run", ev.RunID),
		logx.Int64("operator", op.ID),
		logx.String("audience", ev.Audience),
		logx.String("media", ev.Media),
		logx.Int("total", ev.Total),
	)

	res, err := s.disp.Dispatch(ctx, draft, recipients)
	took := time.Since(start)

	ev.Sent, ev.Failed, ev.TookMS = res.Sent, res.Failed, took.Milliseconds()
	if err != nil {
		ev.Error = err.Error()
	}
	s.runs.finish(ev, time.Now())
	s.publish(EventFinished, ev)
	if s.obs != nil {
		s.obs.ObserveRun(ev.Audience, res.Sent, res.Failed, took)
	}
	s.appendAudit(ctx, op, ev)

	fields := []logx.Field{
		logx.String("run", ev.RunID),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Duration("took", took),
	}
	switch {
	case err != nil:
		s.log.Warn("broadcast stopped early", append(fields, logx.Err(err))...)
	case res.Failed > 0:
		s.log.Warn("broadcast finished with failures", fields...)
	default:
		s.log.Info("broadcast finished", fields...)
	}
	return res, err
}

// Runs returns recent runs, newest first.
func (s *Service) Runs() []RunStatus { return s.runs.list() }

func (s *Service) observe(out Outcome) {
	if s.obs == nil || (out.From == out.To && out.Prompt == PromptNone) {
		return
	}
	s.obs.ObserveTransition(out.From.String(), out.To.String(), out.Accepted)
}

func (s *Service) publish(typ string, ev RunEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) appendAudit(ctx context.Context, op Operator, ev RunEvent) {
	if s.audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"run_id":   ev.RunID,
		"audience": ev.Audience,
		"media":    ev.Media,
		"buttons":  ev.Buttons,
	})
	// The run may have stopped because ctx ended; the audit row is still wanted.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.audit.AppendAudit(actx, storage.AuditEntry{
		At:            time.Now(),
		ActorID:       op.ID,
		ActorUsername: op.Username,
		ChatID:        op.ID,
		Component:     "broadcast",
		Action:        "broadcast",
		Target:        ev.Audience,
		OK:            ev.Sent,
		Fail:          ev.Failed,
		Error:         ev.Error,
		TookMS:        ev.TookMS,
		MetaJSON:      string(meta),
	})
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		s.log.Warn("audit append failed", logx.String("run", ev.RunID), logx.Err(err))
	}
}
