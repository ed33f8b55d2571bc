package bot

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"castbot/internal/broadcast"
	kit "castbot/internal/transport"
	"castbot/pkg/tgui"
)

var errNoMediaSupport = errors.New("transport cannot send media")

// Sender delivers broadcast drafts through the transport adapter. Link
// buttons become an inline keyboard, one button per row.
type Sender struct {
	ad        kit.Adapter
	media     kit.MediaSender
	parseMode atomic.Value // string
}

var _ broadcast.Sender = (*Sender)(nil)

// NewSender uses ad for text and, when ad implements kit.MediaSender, for
// attachments.
func NewSender(ad kit.Adapter, parseMode string) *Sender {
	s := &Sender{ad: ad}
	s.media, _ = ad.(kit.MediaSender)
	s.SetParseMode(parseMode)
	return s
}

func (s *Sender) SetParseMode(mode string) {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		mode = "HTML"
	}
	s.parseMode.Store(mode)
}

func (s *Sender) ParseMode() string { return s.parseMode.Load().(string) }

func (s *Sender) SendText(ctx context.Context, to broadcast.Address, text string, buttons []broadcast.LinkButton) error {
	_, err := s.ad.SendText(ctx, target(to), text, s.options(buttons))
	return err
}

func (s *Sender) SendPhoto(ctx context.Context, to broadcast.Address, handle, caption string, buttons []broadcast.LinkButton) error {
	return s.sendMedia(ctx, to, kit.MediaPhoto, handle, caption, buttons)
}

func (s *Sender) SendVideo(ctx context.Context, to broadcast.Address, handle, caption string, buttons []broadcast.LinkButton) error {
	return s.sendMedia(ctx, to, kit.MediaVideo, handle, caption, buttons)
}

func (s *Sender) SendAnimation(ctx context.Context, to broadcast.Address, handle, caption string, buttons []broadcast.LinkButton) error {
	return s.sendMedia(ctx, to, kit.MediaAnimation, handle, caption, buttons)
}

func (s *Sender) sendMedia(ctx context.Context, to broadcast.Address, kind kit.MediaKind, handle, caption string, buttons []broadcast.LinkButton) error {
	if s.media == nil {
		return errNoMediaSupport
	}
	_, err := s.media.SendMedia(ctx, target(to), kind, handle, caption, s.options(buttons))
	return err
}

func (s *Sender) options(buttons []broadcast.LinkButton) *kit.SendOptions {
	return &kit.SendOptions{
		ParseMode:          s.ParseMode(),
		ReplyMarkupAdapter: linkKeyboard(buttons).Markup(),
	}
}

func linkKeyboard(buttons []broadcast.LinkButton) *tgui.Inline {
	out := make([]tgui.LinkButton, len(buttons))
	for i, b := range buttons {
		out[i] = tgui.LinkButton{Text: b.Label, URL: b.URL}
	}
	return tgui.URLKeyboard(out)
}

func target(a broadcast.Address) kit.ChatTarget { return kit.ChatTarget{ChatID: int64(a)} }

// mediaOf maps a transport attachment to a draft attachment.
func mediaOf(kind kit.MediaKind, handle string) broadcast.Media {
	m := broadcast.Media{Handle: handle}
	switch kind {
	case kit.MediaPhoto:
		m.Kind = broadcast.MediaPhoto
	case kit.MediaVideo:
		m.Kind = broadcast.MediaVideo
	case kit.MediaAnimation:
		m.Kind = broadcast.MediaAnimation
	}
	return m
}
