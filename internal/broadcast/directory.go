package broadcast

import (
	"context"
	"errors"
)

// ErrNoRecipients means the audience resolved to nobody.
var ErrNoRecipients = errors.New("no recipients")

// ErrRecipientsUnavailable means the recipient list could not be read when
// the draft was confirmed. Nothing was sent.
var ErrRecipientsUnavailable = errors.New("recipient list unavailable")

// ChannelInfo describes a channel and the bot's rights in it.
type ChannelInfo struct {
	ID       Address
	Title    string
	Username string
	CanPost  bool
	IsAdmin  bool
}

// Directory resolves recipient lists. Each list is free of duplicates.
type Directory interface {
	ListUserRecipients(ctx context.Context) ([]Address, error)
	// ListChannelRecipients returns channels the bot can post to; with
	// adminOnly, only those where it is an administrator.
	ListChannelRecipients(ctx context.Context, adminOnly bool) ([]Address, error)
	// ResolveChannel looks a channel up by "@handle" or numeric id.
	ResolveChannel(ctx context.Context, ref string) (ChannelInfo, bool, error)
}

// Recipients resolves aud against dir: users first, then channels, each in
// directory order. An id present in both lists is kept once, at its user
// position.
func Recipients(ctx context.Context, dir Directory, aud Audience) ([]Address, error) {
	var out []Address
	var seen map[Address]struct{}
	if aud.Users {
		users, err := dir.ListUserRecipients(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, users...)
	}
	if aud.Channels {
		chans, err := dir.ListChannelRecipients(ctx, aud.AdminOnly)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			seen = make(map[Address]struct{}, len(out))
			for _, a := range out {
				seen[a] = struct{}{}
			}
		}
		for _, c := range chans {
			if _, dup := seen[c]; dup {
				continue
			}
			out = append(out, c)
		}
	}
	return out, nil
}
