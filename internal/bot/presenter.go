package bot

import (
	"context"

	"castbot/internal/broadcast"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

// callbackPrefix routes conversation buttons ("bc:yes", "bc:send", ...).
const callbackPrefix = "bc"

// Presenter renders conversation prompts in the operator's private chat.
type Presenter struct {
	ad     kit.Adapter
	sender *Sender
	log    logx.Logger
}

var _ broadcast.Presenter = (*Presenter)(nil)

func NewPresenter(ad kit.Adapter, sender *Sender, log logx.Logger) *Presenter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Presenter{ad: ad, sender: sender, log: log}
}

func (p *Presenter) Prompt(ctx context.Context, op broadcast.Operator, pr broadcast.Prompt) error {
	text := promptText(pr)
	if text == "" {
		return nil
	}
	b := tgui.New().ParseMode("").Line(text)
	switch pr {
	case broadcast.PromptAskAddButton, broadcast.PromptAskAnotherButton:
		b.Inline(tgui.YesNo(callbackPrefix))
	case broadcast.PromptPreview:
		b.Inline(tgui.PreviewChoices(callbackPrefix))
	}
	_, err := b.Build().Send(ctx, p.ad, kit.ChatTarget{ChatID: op.ID})
	return err
}

// Preview delivers the draft to the operator with the same call recipients
// will get.
func (p *Presenter) Preview(ctx context.Context, op broadcast.Operator, d broadcast.Draft) error {
	if err := broadcast.Deliver(ctx, p.sender, broadcast.Address(op.ID), d); err != nil {
		p.log.Debug("preview delivery failed", logx.Int64("operator", op.ID), logx.Err(err))
		_, _ = p.ad.SendText(ctx, kit.ChatTarget{ChatID: op.ID}, textPreviewFailed, nil)
		return err
	}
	return nil
}

func (p *Presenter) Report(ctx context.Context, op broadcast.Operator, res broadcast.Result, err error) error {
	_, sendErr := p.ad.SendText(ctx, kit.ChatTarget{ChatID: op.ID}, reportText(res, err), nil)
	return sendErr
}
