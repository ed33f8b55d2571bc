// Package router turns transport updates into handler calls: slash commands,
// inline-button callbacks ("prefix:action:payload") and a fallback for
// plain messages. Handlers run on a bounded worker pool.
package router

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

// ErrUnhandled is returned by a fallback handler that did not consume the
// message. For an unknown command the router then sends its Unknown reply.
var ErrUnhandled = errors.New("router: update not handled")

type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
	AccessOwner
)

func (a Access) String() string {
	switch a {
	case AccessAdmin:
		return "admin"
	case AccessOwner:
		return "owner"
	}
	return "everyone"
}

// Authorizer resolves the access level of a user.
type Authorizer interface {
	AccessOf(ctx context.Context, userID int64) Access
}

type Command struct {
	Name        string   // without "/"
	Aliases     []string // e.g. ["bc"]
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackRoute struct {
	Prefix  string // "bc" in "bc:send"
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Message  *kit.Message  // nil for callbacks
	Callback *kit.Callback // nil for messages
	Access   Access

	Command   string // command name or "cb:prefix:action"
	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	Action    string // callback action
	Payload   string // callback payload
	ReqID     string
	Logger    logx.Logger

	// CallbackAnswer is shown to the user when the router answers the
	// callback after the handler returns.
	CallbackAnswer string

	answer   func(ctx context.Context, text string) error
	answered bool
}

// Answer answers the callback right away, for handlers that run long.
// Later answers for the same request are dropped.
func (req *Request) Answer(ctx context.Context, text string) error {
	if req.answer == nil || req.answered {
		return nil
	}
	req.answered = true
	return req.answer(ctx, text)
}

// Replies are the router's own user-facing texts.
type Replies struct {
	Unknown      string
	Unauthorized string
	Busy         string
}

func DefaultReplies() Replies {
	return Replies{
		Unknown:      "perintah tidak dikenal. coba /help",
		Unauthorized: "kamu tidak punya akses ke perintah ini",
		Busy:         "bot sedang sibuk, coba lagi sebentar",
	}
}

type Router struct {
	mu        sync.RWMutex
	commands  map[string]*Command // name and aliases
	ordered   []*Command
	callbacks map[string]map[string]CallbackRoute
	fallback  HandlerFunc
	observe   func(ctx context.Context, up kit.Update)

	adapter kit.Adapter
	auth    Authorizer
	log     logx.Logger
	replies Replies
	workers int
	jobs    chan func()
}

type Option func(*Router)

// WithWorkers sets the worker pool size. Default max(NumCPU, 4).
func WithWorkers(n int) Option      { return func(r *Router) { r.workers = n } }
func WithReplies(rp Replies) Option { return func(r *Router) { r.replies = rp } }

// WithObserver runs fn on a worker for every update before it is routed.
func WithObserver(fn func(ctx context.Context, up kit.Update)) Option {
	return func(r *Router) { r.observe = fn }
}

func New(adapter kit.Adapter, auth Authorizer, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		commands:  map[string]*Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		adapter:   adapter,
		auth:      auth,
		log:       log,
		replies:   DefaultReplies(),
		workers:   max(runtime.NumCPU(), 4),
		jobs:      make(chan func(), 256),
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers <= 0 {
		r.workers = 4
	}
	return r
}

// SetRegistry replaces commands and callbacks. A "help" command is always
// added. fallback receives private-chat messages that are not commands.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute, fallback HandlerFunc) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Description: "daftar perintah",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := r.adapter.SendText(ctx, req.Chat, r.HelpText(req.Access), &kit.SendOptions{DisablePreview: true})
			return err
		},
	})

	byName := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		if _, dup := byName[name]; dup {
			continue
		}
		c.Name = name
		byName[name] = c
		ordered = append(ordered, c)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, taken := byName[a]; !taken {
				byName[a] = c
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, rt := range cbs {
		p := strings.TrimSpace(rt.Prefix)
		a := strings.TrimSpace(rt.Action)
		if p == "" || a == "" || rt.Handle == nil {
			continue
		}
		if cb[p] == nil {
			cb[p] = map[string]CallbackRoute{}
		}
		cb[p][a] = rt
	}

	r.mu.Lock()
	r.commands = byName
	r.ordered = ordered
	r.callbacks = cb
	r.fallback = fallback
	r.mu.Unlock()
}

// MenuCommands lists commands open to everyone, for the platform menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		if c.Access == AccessEveryone {
			out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
		}
	}
	return out
}

// HelpText lists the commands visible at access level a.
func (r *Router) HelpText(a Access) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lines := []string{"📚 Daftar perintah:"}
	for _, c := range r.ordered {
		if c.Access > a {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		if c.Description != "" {
			lines = append(lines, "• "+usage+" - "+c.Description)
		} else {
			lines = append(lines, "• "+usage)
		}
	}
	return strings.Join(lines, "\n")
}

// DispatchLoop routes updates until ctx ends or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	r.log.Info("router started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var wg sync.WaitGroup
	wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go func(idx int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					r.run(idx, job)
				}
			}
		}(i)
	}
	defer func() {
		close(r.jobs)
		wg.Wait()
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) run(worker int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in router worker",
				logx.Int("worker", worker),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	job()
}

// Route enqueues the handling of one update. When the queue is full the
// user gets the busy reply.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	var (
		job  func()
		busy func()
	)
	switch {
	case up.Kind == kit.UpdateMessage && up.Message != nil:
		msg := up.Message
		chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
		job = func() { r.routeMessage(ctx, up) }
		busy = func() { _, _ = r.adapter.SendText(ctx, chat, r.replies.Busy, nil) }
	case up.Kind == kit.UpdateCallback && up.Callback != nil:
		id := up.Callback.ID
		job = func() { r.routeCallback(ctx, up) }
		busy = func() { _ = r.adapter.AnswerCallback(ctx, id, r.replies.Busy) }
	default:
		return
	}
	select {
	case r.jobs <- job:
	default:
		busy()
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if r.observe != nil {
		r.observe(ctx, up)
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	text := strings.TrimSpace(msg.Text)

	r.mu.RLock()
	commands := r.commands
	fallback := r.fallback
	r.mu.RUnlock()

	if !strings.HasPrefix(text, "/") || msg.MediaKind != kit.MediaNone {
		if fallback == nil || msg.IsGroup {
			return
		}
		req := r.newRequest(ctx, up, chat, msg.FromID, "message")
		req.Message = msg
		_ = r.exec(ctx, req, fallback, 0)
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	cmd, ok := commands[word]
	if !ok {
		if msg.IsGroup {
			// Other bots' commands in groups are not ours to answer.
			return
		}
		// Unknown commands still reach an open conversation, which rejects them.
		if fallback != nil {
			req := r.newRequest(ctx, up, chat, msg.FromID, "message")
			req.Message = msg
			if err := r.exec(ctx, req, fallback, 0); !errors.Is(err, ErrUnhandled) {
				return
			}
		}
		_, _ = r.adapter.SendText(ctx, chat, r.replies.Unknown, nil)
		return
	}

	req := r.newRequest(ctx, up, chat, msg.FromID, cmd.Name)
	req.Message = msg
	if req.Access < cmd.Access {
		_, _ = r.adapter.SendText(ctx, chat, r.replies.Unauthorized, nil)
		return
	}
	req.RawArgs = parts[1:]
	req.Args, req.Flags, req.BoolFlags = parseFlags(req.RawArgs)
	_ = r.exec(ctx, req, cmd.Handle, cmd.Timeout)
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	prefix, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	r.mu.RLock()
	route, found := r.callbacks[prefix][action]
	r.mu.RUnlock()
	if !found {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req := r.newRequest(ctx, up, chat, cb.FromID, "cb:"+prefix+":"+action)
	req.Callback = cb
	req.Action = action
	req.Payload = payload
	req.answer = func(ctx context.Context, text string) error {
		return r.adapter.AnswerCallback(ctx, cb.ID, text)
	}
	if req.Access < route.Access {
		_ = req.Answer(ctx, r.replies.Unauthorized)
		return
	}
	_ = r.exec(ctx, req, route.Handle, route.Timeout)
	_ = req.Answer(ctx, req.CallbackAnswer)
}

func (r *Router) newRequest(ctx context.Context, up kit.Update, chat kit.ChatTarget, from int64, command string) *Request {
	rid := newReqID()
	access := AccessEveryone
	if r.auth != nil {
		access = r.auth.AccessOf(ctx, from)
	}
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Access:  access,
		Command: command,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", command),
		),
	}
}

func (r *Router) exec(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) error {
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	return final(ctx, req)
}
