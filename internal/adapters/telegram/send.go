package telegram

import (
	"context"
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v4"

	kit "castbot/internal/transport"
)

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return a.send(ctx, to, text, opt)
}

// SendMedia re-sends an attachment by its file id. caption is rendered with
// opt.ParseMode.
func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, kind kit.MediaKind, handle, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	file := tele.File{FileID: handle}
	var what any
	switch kind {
	case kit.MediaPhoto:
		what = &tele.Photo{File: file, Caption: caption}
	case kit.MediaVideo:
		what = &tele.Video{File: file, Caption: caption}
	case kit.MediaAnimation:
		what = &tele.Animation{File: file, Caption: caption}
	default:
		return kit.MessageRef{}, fmt.Errorf("telegram: unsupported media kind %q", kind)
	}
	return a.send(ctx, to, what, opt)
}

func (a *Adapter) send(ctx context.Context, to kit.ChatTarget, what any, opt *kit.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := toSendOptions(opt)
	sendOpt.ThreadID = to.ThreadID

	var msg *tele.Message
	err := a.call(ctx, func() error {
		var err error
		msg, err = a.bot.Send(chat, what, sendOpt)
		return err
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	sendOpt := toSendOptions(opt)
	return a.call(ctx, func() error {
		_, err := a.bot.Edit(m, text, sendOpt)
		if errors.Is(err, tele.ErrSameMessageContent) {
			return nil
		}
		return err
	})
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return a.call(ctx, func() error {
		return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
	})
}

// call waits on the shared limiter before hitting the API.
func (a *Adapter) call(ctx context.Context, fn func() error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn()
}

func toSendOptions(opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok && rm != nil {
		so.ReplyMarkup = rm
	}
	return so
}
