// Package directory resolves broadcast recipients from the storage registries
// and keeps channel rights current through the transport.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrNoPostRights    = errors.New("bot cannot post in channel")
)

// Directory implements broadcast.Directory over a storage.Store.
type Directory struct {
	store    storage.Store
	resolver kit.ChatResolver
	log      logx.Logger
	now      func() time.Time
}

func New(store storage.Store, resolver kit.ChatResolver, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{store: store, resolver: resolver, log: log, now: time.Now}
}

var _ broadcast.Directory = (*Directory)(nil)

func (d *Directory) ListUserRecipients(ctx context.Context) ([]broadcast.Address, error) {
	ids, err := d.store.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]broadcast.Address, len(ids))
	for i, id := range ids {
		out[i] = broadcast.Address(id)
	}
	return out, nil
}

func (d *Directory) ListChannelRecipients(ctx context.Context, adminOnly bool) ([]broadcast.Address, error) {
	chans, err := d.store.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	out := make([]broadcast.Address, 0, len(chans))
	for _, c := range chans {
		if !c.CanPost || (adminOnly && !c.IsAdmin) {
			continue
		}
		out = append(out, broadcast.Address(c.ID))
	}
	return out, nil
}

// ResolveChannel asks the transport about ref ("@handle", "handle" or a
// numeric chat id).
func (d *Directory) ResolveChannel(ctx context.Context, ref string) (broadcast.ChannelInfo, bool, error) {
	ref = normalizeRef(ref)
	if ref == "" {
		return broadcast.ChannelInfo{}, false, nil
	}
	if d.resolver == nil {
		return broadcast.ChannelInfo{}, false, errors.New("channel resolution unavailable")
	}
	info, ok, err := d.resolver.ResolveChat(ctx, ref)
	if err != nil || !ok {
		return broadcast.ChannelInfo{}, ok, err
	}
	return broadcast.ChannelInfo{
		ID:       broadcast.Address(info.ID),
		Title:    info.Title,
		Username: info.Username,
		CanPost:  info.CanPost,
		IsAdmin:  info.IsAdmin,
	}, true, nil
}

// Register resolves ref and stores the channel. Channels the bot cannot
// post to are refused.
func (d *Directory) Register(ctx context.Context, ref string) (broadcast.ChannelInfo, error) {
	info, ok, err := d.ResolveChannel(ctx, ref)
	if err != nil {
		return info, err
	}
	if !ok {
		return info, ErrChannelNotFound
	}
	if !info.CanPost {
		return info, ErrNoPostRights
	}
	err = d.store.UpsertChannel(ctx, storage.Channel{
		ID:        int64(info.ID),
		Title:     info.Title,
		Username:  info.Username,
		CanPost:   info.CanPost,
		IsAdmin:   info.IsAdmin,
		UpdatedAt: d.now(),
	})
	if err != nil {
		return info, fmt.Errorf("store channel: %w", err)
	}
	d.log.Info("channel registered",
		logx.Int64("chat_id", int64(info.ID)),
		logx.String("title", info.Title),
		logx.Bool("is_admin", info.IsAdmin),
	)
	return info, nil
}

// Unregister removes a channel. It reports false when it was not registered.
func (d *Directory) Unregister(ctx context.Context, chatID int64) (bool, error) {
	return d.store.RemoveChannel(ctx, chatID)
}

func (d *Directory) Channels(ctx context.Context) ([]storage.Channel, error) {
	return d.store.ListChannels(ctx)
}

// RefreshStats summarizes one Refresh pass.
type RefreshStats struct {
	Checked int
	Changed int
	Lost    int // channels no longer visible or postable
	Errors  int
}

// Refresh re-checks the bot's rights in every registered channel. Channels
// that disappeared keep their row with CanPost=false so they drop out of
// recipient lists until an admin removes or re-adds them.
func (d *Directory) Refresh(ctx context.Context) (RefreshStats, error) {
	var st RefreshStats
	chans, err := d.store.ListChannels(ctx)
	if err != nil {
		return st, fmt.Errorf("list channels: %w", err)
	}
	for _, c := range chans {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Checked++
		info, ok, err := d.ResolveChannel(ctx, strconv.FormatInt(c.ID, 10))
		if err != nil {
			st.Errors++
			d.log.Debug("channel refresh failed", logx.Int64("chat_id", c.ID), logx.Err(err))
			continue
		}
		next := c
		if ok {
			next.Title, next.Username = info.Title, info.Username
			next.CanPost, next.IsAdmin = info.CanPost, info.IsAdmin
		} else {
			next.CanPost, next.IsAdmin = false, false
		}
		if c.CanPost && !next.CanPost {
			st.Lost++
		}
		if next == c {
			continue
		}
		next.UpdatedAt = d.now()
		if err := d.store.UpsertChannel(ctx, next); err != nil {
			st.Errors++
			d.log.Warn("channel refresh store failed", logx.Int64("chat_id", c.ID), logx.Err(err))
			continue
		}
		st.Changed++
	}
	return st, nil
}

func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "https://t.me/")
	ref = strings.TrimPrefix(ref, "t.me/")
	if ref == "" {
		return ""
	}
	if _, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return ref
	}
	if !strings.HasPrefix(ref, "@") {
		ref = "@" + ref
	}
	return ref
}
