package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/directory"
	"castbot/internal/router"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

// Commands returns every slash command of the bot.
func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "mulai", Handle: b.cmdStart},
		{
			Name:        "broadcast",
			Aliases:     []string{"bc"},
			Description: "kirim pesan ke pengguna atau channel",
			Usage:       "/broadcast [users|channels|all] [--admin-only]",
			Access:      router.AccessAdmin,
			Handle:      b.cmdBroadcast,
		},
		{Name: "stats", Description: "jumlah penerima", Access: router.AccessAdmin, Timeout: 10 * time.Second, Handle: b.cmdStats},
		{Name: "channels", Description: "daftar channel", Access: router.AccessAdmin, Timeout: 10 * time.Second, Handle: b.cmdChannels},
		{
			Name:        "channel_add",
			Description: "daftarkan channel",
			Usage:       "/channel_add <@channel|id>",
			Access:      router.AccessAdmin,
			Timeout:     15 * time.Second,
			Handle:      b.cmdChannelAdd,
		},
		{
			Name:        "channel_del",
			Description: "hapus channel",
			Usage:       "/channel_del <id>",
			Access:      router.AccessAdmin,
			Timeout:     10 * time.Second,
			Handle:      b.cmdChannelDel,
		},
		{Name: "admins", Description: "daftar admin", Access: router.AccessAdmin, Timeout: 10 * time.Second, Handle: b.cmdAdmins},
		{
			Name:        "admin_add",
			Description: "tambah admin",
			Usage:       "/admin_add <user_id> (atau balas pesan user)",
			Access:      router.AccessOwner,
			Timeout:     10 * time.Second,
			Handle:      b.cmdAdminAdd,
		},
		{
			Name:        "admin_del",
			Description: "hapus admin",
			Usage:       "/admin_del <user_id> (atau balas pesan user)",
			Access:      router.AccessOwner,
			Timeout:     10 * time.Second,
			Handle:      b.cmdAdminDel,
		},
	}
}

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	name := strings.TrimSpace(req.Message.FromFirstName)
	if name == "" {
		name = "kamu"
	}
	mb := tgui.New().Title("👋", "Halo, "+name+"!").
		Line("Bot ini mengirim pengumuman dari admin.")
	if req.Access >= router.AccessAdmin {
		mb.Blank().Line("Ketik /broadcast untuk membuat pesan, atau /help untuk daftar perintah.")
	}
	_, err := mb.Build().Send(ctx, b.ad, req.Chat)
	return err
}

// parseAudience reads "/broadcast [users|channels|all] [--admin-only]".
func parseAudience(args []string, bools map[string]bool) (broadcast.Audience, bool) {
	aud := broadcast.Audience{Users: true}
	if len(args) > 1 {
		return aud, false
	}
	if len(args) == 1 {
		switch strings.ToLower(args[0]) {
		case "users", "user", "pengguna":
		case "channels", "channel":
			aud = broadcast.Audience{Channels: true}
		case "all", "semua":
			aud = broadcast.Audience{Users: true, Channels: true}
		default:
			return aud, false
		}
	}
	if bools["admin-only"] || bools["admin_only"] {
		if !aud.Channels {
			return aud, false
		}
		aud.AdminOnly = true
	}
	return aud, true
}

func (b *Bot) cmdBroadcast(ctx context.Context, req *router.Request) error {
	if req.Message.IsGroup {
		return b.reply(ctx, req, "Broadcast hanya bisa dibuat lewat chat pribadi dengan bot.")
	}
	aud, ok := parseAudience(req.Args, req.BoolFlags)
	if !ok {
		return b.reply(ctx, req, "Format: /broadcast [users|channels|all] [--admin-only]\n--admin-only hanya untuk channels atau all.")
	}
	err := b.svc.StartBroadcast(ctx, operatorOf(req), aud)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, broadcast.ErrBusy):
		return b.reply(ctx, req, textBusy)
	case errors.Is(err, broadcast.ErrNoRecipients):
		return b.reply(ctx, req, textNoRecipients)
	default:
		req.Logger.Warn("broadcast start failed", logx.String("audience", aud.String()), logx.Err(err))
		return b.reply(ctx, req, textResolveFailed)
	}
}

func (b *Bot) cmdStats(ctx context.Context, req *router.Request) error {
	users, err := b.store.CountUsers(ctx)
	if err != nil {
		return b.fail(ctx, req, "stats", err)
	}
	chans, err := b.store.ListChannels(ctx)
	if err != nil {
		return b.fail(ctx, req, "stats", err)
	}
	postable := 0
	for _, c := range chans {
		if c.CanPost {
			postable++
		}
	}

	mb := tgui.New().Title("📊", "Statistik").
		KV("Pengguna", strconv.Itoa(users)).
		KV("Channel", fmt.Sprintf("%d (%d bisa dikirimi)", len(chans), postable)).
		KV("Sesi aktif", strconv.Itoa(b.svc.Sessions().Active()))
	if runs := b.svc.Runs(); len(runs) > 0 {
		last := runs[0]
		status := fmt.Sprintf("%s, terkirim %d, gagal %d dari %d", last.Audience, last.Sent, last.Failed, last.Total)
		if last.Running {
			status += " (berjalan)"
		}
		mb.KV("Broadcast terakhir", status)
	}
	_, err = mb.Build().Send(ctx, b.ad, req.Chat)
	return err
}

func (b *Bot) cmdChannels(ctx context.Context, req *router.Request) error {
	chans, err := b.dir.Channels(ctx)
	if err != nil {
		return b.fail(ctx, req, "channels", err)
	}
	if len(chans) == 0 {
		return b.reply(ctx, req, "Belum ada channel. Tambahkan dengan /channel_add @channel.")
	}
	mb := tgui.New().Title("📣", fmt.Sprintf("Channel (%d)", len(chans)))
	for _, c := range chans {
		mb.RawLine(channelLine(c))
	}
	_, err = mb.Build().Send(ctx, b.ad, req.Chat)
	return err
}

func channelLine(c storage.Channel) tgui.H {
	title := tgui.Shorten(c.Title, 40)
	if title == "" {
		title = "(tanpa judul)"
	}
	if c.Username != "" {
		title += " @" + c.Username
	}
	rights := "❌ tidak bisa kirim"
	switch {
	case c.CanPost && c.IsAdmin:
		rights = "✅ admin"
	case c.CanPost:
		rights = "✅ bisa kirim"
	}
	return tgui.H("• " + tgui.Esc(title).String() + " " + tgui.Code(strconv.FormatInt(c.ID, 10)).String() + " " + rights)
}

func (b *Bot) cmdChannelAdd(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return b.reply(ctx, req, "Format: /channel_add <@channel|id>")
	}
	info, err := b.dir.Register(ctx, req.Args[0])
	b.audit(ctx, req, "channel_add", req.Args[0], err)
	switch {
	case err == nil:
		msg := "✅ Channel " + info.Title + " ditambahkan."
		if !info.IsAdmin {
			msg += " Bot bukan admin di channel ini, jadi tidak ikut --admin-only."
		}
		return b.reply(ctx, req, msg)
	case errors.Is(err, directory.ErrChannelNotFound):
		return b.reply(ctx, req, "Channel tidak ditemukan. Pastikan bot sudah ditambahkan ke channel.")
	case errors.Is(err, directory.ErrNoPostRights):
		return b.reply(ctx, req, "Bot tidak punya izin mengirim pesan di channel itu.")
	default:
		return b.fail(ctx, req, "channel_add", err)
	}
}

func (b *Bot) cmdChannelDel(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return b.reply(ctx, req, "Format: /channel_del <id>")
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		return b.reply(ctx, req, "ID channel harus berupa angka, misalnya -1001234567890.")
	}
	removed, err := b.dir.Unregister(ctx, id)
	b.audit(ctx, req, "channel_del", req.Args[0], err)
	if err != nil {
		return b.fail(ctx, req, "channel_del", err)
	}
	if !removed {
		return b.reply(ctx, req, "Channel itu tidak terdaftar.")
	}
	return b.reply(ctx, req, "🗑 Channel dihapus.")
}

func (b *Bot) cmdAdmins(ctx context.Context, req *router.Request) error {
	ids, err := b.store.ListAdmins(ctx)
	if err != nil {
		return b.fail(ctx, req, "admins", err)
	}
	mb := tgui.New().Title("🛡", fmt.Sprintf("Admin (%d)", len(ids)))
	for _, id := range ids {
		line := "• " + tgui.Mention(strconv.FormatInt(id, 10), id).String()
		if b.IsOwner(id) {
			line += " " + tgui.I("owner").String()
		}
		mb.RawLine(tgui.H(line))
	}
	_, err = mb.Build().Send(ctx, b.ad, req.Chat)
	return err
}

// targetUser takes the user id from the first argument or, without one,
// from the author of the replied-to message.
func targetUser(req *router.Request) (int64, bool) {
	if len(req.Args) > 0 {
		id, err := strconv.ParseInt(req.Args[0], 10, 64)
		return id, err == nil && id > 0
	}
	if id := req.Message.ReplyToFromID; id > 0 {
		return id, true
	}
	return 0, false
}

func (b *Bot) cmdAdminAdd(ctx context.Context, req *router.Request) error {
	id, ok := targetUser(req)
	if !ok {
		return b.reply(ctx, req, "Format: /admin_add <user_id>, atau balas pesan user dengan /admin_add.")
	}
	added, err := b.store.AddAdmin(ctx, id)
	b.audit(ctx, req, "admin_add", strconv.FormatInt(id, 10), err)
	if err != nil {
		return b.fail(ctx, req, "admin_add", err)
	}
	if !added {
		return b.reply(ctx, req, "User itu sudah admin.")
	}
	return b.reply(ctx, req, fmt.Sprintf("✅ %d sekarang admin.", id))
}

func (b *Bot) cmdAdminDel(ctx context.Context, req *router.Request) error {
	id, ok := targetUser(req)
	if !ok {
		return b.reply(ctx, req, "Format: /admin_del <user_id>, atau balas pesan user dengan /admin_del.")
	}
	if b.IsOwner(id) {
		return b.reply(ctx, req, "Owner tidak bisa dihapus dari admin.")
	}
	removed, err := b.store.RemoveAdmin(ctx, id)
	b.audit(ctx, req, "admin_del", strconv.FormatInt(id, 10), err)
	if err != nil {
		return b.fail(ctx, req, "admin_del", err)
	}
	if !removed {
		return b.reply(ctx, req, "User itu bukan admin.")
	}
	return b.reply(ctx, req, fmt.Sprintf("🗑 %d bukan admin lagi.", id))
}

// fail logs err and tells the user the command failed.
func (b *Bot) fail(ctx context.Context, req *router.Request, what string, err error) error {
	_ = b.reply(ctx, req, "Terjadi kesalahan. Coba lagi nanti.")
	return fmt.Errorf("%s: %w", what, err)
}

func (b *Bot) audit(ctx context.Context, req *router.Request, action, target string, err error) {
	e := storage.AuditEntry{
		At:        b.now(),
		ActorID:   req.FromID,
		ChatID:    req.Chat.ChatID,
		Component: "bot",
		Action:    action,
		Target:    target,
	}
	if req.Message != nil {
		e.ActorUsername = req.Message.FromUsername
	}
	if err != nil {
		e.Fail, e.Error = 1, err.Error()
	} else {
		e.OK = 1
	}
	if aerr := b.store.AppendAudit(ctx, e); aerr != nil && !errors.Is(aerr, storage.ErrDisabled) {
		req.Logger.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
