// Package rabbitmq forwards eventbus events to a RabbitMQ topic exchange so
// other services can follow broadcast runs.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

const (
	DefaultExchange = "castbot.events"
	maxDialDelay    = 60 * time.Second
)

type Config struct {
	URL      string
	Exchange string // default "castbot.events"
	// Source is stamped on every envelope (AppId), e.g. the bot username.
	Source         string
	PublishTimeout time.Duration // default 5s
	DialAttempts   int           // default 5
	DialDelay      time.Duration // first backoff step, default 1s
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Source string    `json:"source,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// Forwarder publishes bus events with publisher confirms.
type Forwarder struct {
	cfg  Config
	log  logx.Logger
	dial func(url string) (*amqp.Connection, error)

	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel

	published atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 5
	}
	if cfg.DialDelay <= 0 {
		cfg.DialDelay = time.Second
	}
	return &Forwarder{cfg: cfg, log: log, dial: amqp.Dial}
}

// Stats reports publish outcomes since start.
func (f *Forwarder) Stats() (published, failed uint64) {
	return f.published.Load(), f.failed.Load()
}

// Connect dials the broker with exponential backoff and declares the exchange.
func (f *Forwarder) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch != nil {
		return nil
	}

	var (
		conn    *amqp.Connection
		lastErr error
	)
	for i := 1; i <= f.cfg.DialAttempts; i++ {
		c, err := f.dial(f.cfg.URL)
		if err == nil {
			conn = c
			break
		}
		lastErr = err
		sleep := min(f.cfg.DialDelay<<(i-1), maxDialDelay)
		f.log.Warn("rabbitmq dial failed",
			logx.Int("attempt", i),
			logx.Duration("sleep", sleep),
			logx.Err(err),
		)
		if i == f.cfg.DialAttempts {
			break
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rabbitmq dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if conn == nil {
		return fmt.Errorf("rabbitmq: connect after %d attempts: %w", f.cfg.DialAttempts, lastErr)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(f.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: declare exchange %s: %w", f.cfg.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: confirm mode: %w", err)
	}
	f.conn, f.ch = conn, ch
	f.log.Info("rabbitmq connected", logx.String("exchange", f.cfg.Exchange))
	return nil
}

// Run forwards events from bus until ctx ends. It returns an error when the
// broker connection is lost so a supervisor can restart it; events
// published while disconnected are not replayed.
func (f *Forwarder) Run(ctx context.Context, bus eventbus.Bus) error {
	if err := f.Connect(ctx); err != nil {
		return err
	}
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			err := f.Forward(ctx, e)
			if err == nil {
				continue
			}
			if errors.Is(err, amqp.ErrClosed) {
				f.reset()
				return fmt.Errorf("rabbitmq: connection lost: %w", err)
			}
			f.log.Warn("rabbitmq publish failed", logx.String("type", e.Type), logx.Err(err))
		}
	}
}

// Forward publishes one event and waits for the broker's confirm. The
// routing key is the event type, e.g. "broadcast.finished".
func (f *Forwarder) Forward(ctx context.Context, e eventbus.Event) error {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	if ch == nil {
		return amqp.ErrClosed
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	env := Envelope{
		ID:     uuid.NewString(),
		Type:   e.Type,
		Time:   e.Time.UTC(),
		Source: f.cfg.Source,
		Data:   e.Data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		f.failed.Add(1)
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, f.cfg.PublishTimeout)
	defer cancel()
	dc, err := ch.PublishWithDeferredConfirmWithContext(pctx, f.cfg.Exchange, e.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         env.Type,
		Timestamp:    env.Time,
		AppId:        f.cfg.Source,
		Body:         body,
	})
	if err != nil {
		f.failed.Add(1)
		return err
	}
	// dc is nil when the channel is not in confirm mode.
	if dc != nil {
		acked, err := dc.WaitContext(pctx)
		if err != nil {
			f.failed.Add(1)
			return err
		}
		if !acked {
			f.failed.Add(1)
			return errors.New("rabbitmq: publish nacked")
		}
	}
	f.published.Add(1)
	f.log.Debug("event forwarded", logx.String("type", e.Type), logx.String("id", env.ID))
	return nil
}

func (f *Forwarder) reset() {
	f.mu.Lock()
	conn := f.conn
	f.conn, f.ch = nil, nil
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close closes the broker connection.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	conn := f.conn
	ch := f.ch
	f.conn, f.ch = nil, nil
	f.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}
