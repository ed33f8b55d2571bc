// Package bot is the command layer of castbot: it registers the slash
// commands and conversation buttons with the router and turns operator
// messages into broadcast conversation input.
package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/directory"
	"castbot/internal/router"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

type Deps struct {
	Service   *broadcast.Service
	Directory *directory.Directory
	Store     storage.Store
	Adapter   kit.Adapter
	Sender    *Sender
	Log       logx.Logger
	Owners    []int64
}

type Bot struct {
	svc    *broadcast.Service
	dir    *directory.Directory
	store  storage.Store
	ad     kit.Adapter
	sender *Sender
	log    logx.Logger
	now    func() time.Time

	mu     sync.RWMutex
	owners map[int64]struct{}
}

var _ router.Authorizer = (*Bot)(nil)

func New(d Deps) *Bot {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	b := &Bot{
		svc:    d.Service,
		dir:    d.Directory,
		store:  d.Store,
		ad:     d.Adapter,
		sender: d.Sender,
		log:    d.Log,
		now:    time.Now,
	}
	b.SetOwners(d.Owners)
	return b
}

// SetOwners replaces the owner set (config hot reload).
func (b *Bot) SetOwners(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id != 0 {
			m[id] = struct{}{}
		}
	}
	b.mu.Lock()
	b.owners = m
	b.mu.Unlock()
}

func (b *Bot) IsOwner(id int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.owners[id]
	return ok
}

// SeedOwners makes every owner an admin.
func (b *Bot) SeedOwners(ctx context.Context) error {
	b.mu.RLock()
	ids := make([]int64, 0, len(b.owners))
	for id := range b.owners {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		added, err := b.store.AddAdmin(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if added {
			b.log.Info("owner seeded as admin", logx.Int64("user_id", id))
		}
	}
	return errors.Join(errs...)
}

// AccessOf implements router.Authorizer. Owners are always admins; admin
// lookups that fail count as no access.
func (b *Bot) AccessOf(ctx context.Context, userID int64) router.Access {
	if userID == 0 {
		return router.AccessEveryone
	}
	if b.IsOwner(userID) {
		return router.AccessOwner
	}
	ok, err := b.store.IsAdmin(ctx, userID)
	if err != nil {
		b.log.Warn("admin lookup failed", logx.Int64("user_id", userID), logx.Err(err))
		return router.AccessEveryone
	}
	if ok {
		return router.AccessAdmin
	}
	return router.AccessEveryone
}

// TrackUser registers the sender of every private message as a broadcast
// recipient.
func (b *Bot) TrackUser(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil || msg.IsGroup || msg.FromID <= 0 {
		return
	}
	err := b.store.UpsertUser(ctx, storage.User{
		ID:        msg.FromID,
		FirstName: msg.FromFirstName,
		Username:  msg.FromUsername,
		LastSeen:  b.now(),
	})
	if err != nil {
		b.log.Warn("user upsert failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
	}
}

// Fallback feeds private messages that are not registered commands to the
// operator's conversation.
func (b *Bot) Fallback(ctx context.Context, req *router.Request) error {
	msg := req.Message
	isCommand := strings.HasPrefix(strings.TrimSpace(msg.Text), "/")
	if req.Access < router.AccessAdmin {
		if isCommand {
			return router.ErrUnhandled
		}
		return nil
	}
	op := operatorOf(req)
	if !b.conversing(op.ID) {
		if isCommand {
			return router.ErrUnhandled
		}
		return nil
	}

	_, err := b.svc.HandleInput(ctx, op, b.inputOf(msg))
	switch {
	case errors.Is(err, broadcast.ErrBusy):
		return b.reply(ctx, req, textBusy)
	case err != nil && !errors.Is(err, context.Canceled):
		req.Logger.Warn("broadcast input failed", logx.Err(err))
	}
	return nil
}

func (b *Bot) inputOf(msg *kit.Message) broadcast.Input {
	if msg.MediaKind != kit.MediaNone {
		return broadcast.MediaInput(mediaOf(msg.MediaKind, msg.MediaHandle))
	}
	in := broadcast.TextInput(msg.Text)
	if b.sender == nil || strings.EqualFold(b.sender.ParseMode(), "HTML") {
		in.HTML = msg.TextHTML
	}
	return in
}

// conversing reports an open conversation or a run in flight.
func (b *Bot) conversing(op int64) bool {
	st := b.svc.Sessions()
	if st.Busy(op) {
		return true
	}
	s, ok := st.Snapshot(op)
	return ok && s.Active()
}

func (b *Bot) handleChoice(ctx context.Context, req *router.Request) error {
	op := operatorOf(req)
	if !b.conversing(op.ID) {
		req.CallbackAnswer = textExpired
		return nil
	}
	choice := broadcast.ParseChoice(req.Action)
	if choice == broadcast.ChoiceConfirm {
		// The run keeps this handler busy until the last recipient.
		_ = req.Answer(ctx, "")
	}
	_, err := b.svc.HandleInput(ctx, op, broadcast.ChoiceInput(choice))
	switch {
	case errors.Is(err, broadcast.ErrBusy):
		req.CallbackAnswer = textBusy
	case err != nil && !errors.Is(err, context.Canceled):
		req.Logger.Warn("broadcast choice failed", logx.Err(err))
	}
	return nil
}

// Callbacks are the conversation buttons.
func (b *Bot) Callbacks() []router.CallbackRoute {
	actions := []string{tgui.ActionYes, tgui.ActionNo, tgui.ActionSend, tgui.ActionRestart, tgui.ActionCancel}
	out := make([]router.CallbackRoute, 0, len(actions))
	for _, a := range actions {
		out = append(out, router.CallbackRoute{
			Prefix: callbackPrefix,
			Action: a,
			Access: router.AccessAdmin,
			Handle: b.handleChoice,
		})
	}
	return out
}

func (b *Bot) reply(ctx context.Context, req *router.Request, text string) error {
	_, err := b.ad.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func operatorOf(req *router.Request) broadcast.Operator {
	op := broadcast.Operator{ID: req.FromID}
	if req.Message != nil {
		op.Username = req.Message.FromUsername
	}
	return op
}
