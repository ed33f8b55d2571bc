package telegram

import (
	tele "gopkg.in/telebot.v4"

	kit "castbot/internal/transport"
	"castbot/pkg/tgui"
)

// convertMessage maps a telebot message to the transport form. Captions are
// treated as text so a captioned photo carries both.
func convertMessage(m *tele.Message) *kit.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	out := &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		IsGroup:  m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
		out.FromFirstName = m.Sender.FirstName
	}
	if m.ReplyTo != nil && m.ReplyTo.Sender != nil {
		out.ReplyToFromID = m.ReplyTo.Sender.ID
	}

	text, ents := m.Text, m.Entities
	if text == "" {
		text, ents = m.Caption, m.CaptionEntities
	}
	out.Text = text
	if text != "" {
		out.TextHTML = tgui.FromEntities(text, toEntities(ents)).String()
	}

	switch {
	case m.Photo != nil:
		out.MediaKind, out.MediaHandle = kit.MediaPhoto, m.Photo.FileID
	case m.Animation != nil:
		out.MediaKind, out.MediaHandle = kit.MediaAnimation, m.Animation.FileID
	case m.Video != nil:
		out.MediaKind, out.MediaHandle = kit.MediaVideo, m.Video.FileID
	}
	return out
}

func toEntities(in tele.Entities) []tgui.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]tgui.Entity, 0, len(in))
	for _, e := range in {
		te := tgui.Entity{
			Type:     string(e.Type),
			Offset:   e.Offset,
			Length:   e.Length,
			URL:      e.URL,
			Language: e.Language,
		}
		if e.User != nil {
			te.UserID = e.User.ID
		}
		out = append(out, te)
	}
	return out
}
