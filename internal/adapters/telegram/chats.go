package telegram

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// ResolveChat looks up ref ("@username" or a numeric id) and the bot's
// rights in it. Chats the bot cannot see report ok=false.
func (a *Adapter) ResolveChat(ctx context.Context, ref string) (kit.ChatInfo, bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return kit.ChatInfo{}, false, nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return kit.ChatInfo{}, false, err
	}
	chat, err := a.bot.ChatByUsername(ref)
	if err != nil {
		if isChatGone(err) {
			return kit.ChatInfo{}, false, nil
		}
		return kit.ChatInfo{}, false, err
	}
	info := kit.ChatInfo{ID: chat.ID, Title: chat.Title, Username: chat.Username}
	if a.bot.Me == nil {
		return info, true, nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return info, true, err
	}
	member, err := a.bot.ChatMemberOf(chat, a.bot.Me)
	if err != nil {
		if isChatGone(err) {
			// Visible but the bot is not in it.
			return info, true, nil
		}
		return info, true, err
	}
	info.IsAdmin, info.CanPost = memberRights(chat.Type, member)
	return info, true, nil
}

func memberRights(typ tele.ChatType, m *tele.ChatMember) (isAdmin, canPost bool) {
	if m == nil {
		return false, false
	}
	switch m.Role {
	case tele.Creator:
		return true, true
	case tele.Administrator:
		if typ == tele.ChatChannel || typ == tele.ChatChannelPrivate {
			return true, m.CanPostMessages
		}
		return true, true
	case tele.Member:
		// Plain members cannot post in channels.
		return false, typ != tele.ChatChannel && typ != tele.ChatChannelPrivate
	case tele.Restricted:
		return false, m.CanSendMessages
	}
	return false, false
}

func isChatGone(err error) bool {
	return errors.Is(err, tele.ErrChatNotFound) ||
		errors.Is(err, tele.ErrKickedFromGroup) ||
		errors.Is(err, tele.ErrKickedFromSuperGroup) ||
		errors.Is(err, tele.ErrKickedFromChannel) ||
		errors.Is(err, tele.ErrNotChannelMember)
}

// UpdateMenuCommands sets Telegram's command menu (setMyCommands). It only
// calls the API when the list changed since the last successful update.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		_, _ = h.Write([]byte(c.Command))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(d))
		_, _ = h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
