package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// MediaKind names the attachment carried by a message.
type MediaKind string

const (
	MediaNone      MediaKind = ""
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
)

type Message struct {
	ID            int
	ChatID        int64
	ThreadID      int // telegram forum topic thread id (0 if none)
	FromID        int64
	FromUsername  string
	FromFirstName string
	Text          string
	// TextHTML is Text (or the caption) with formatting entities rendered as
	// Telegram HTML. Empty when the message has no text.
	TextHTML string
	IsGroup  bool

	// MediaKind/MediaHandle describe an attached photo, video or animation.
	// The handle is a platform file id usable for re-sending.
	MediaKind   MediaKind
	MediaHandle string

	// ReplyToFromID is the author of the replied-to message (0 if none).
	ReplyToFromID int64
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// MediaSender is implemented by adapters that can send attachments by handle.
type MediaSender interface {
	SendMedia(ctx context.Context, to ChatTarget, kind MediaKind, handle, caption string, opt *SendOptions) (MessageRef, error)
}

// ChatInfo describes a chat and the bot's rights in it.
type ChatInfo struct {
	ID       int64
	Title    string
	Username string
	// IsAdmin is true when the bot is an administrator or creator.
	IsAdmin bool
	// CanPost is true when the bot may publish messages (channels).
	CanPost bool
}

// ChatResolver looks up chats by "@username" or numeric id.
// ok is false when the chat does not exist or is not visible to the bot.
type ChatResolver interface {
	ResolveChat(ctx context.Context, ref string) (info ChatInfo, ok bool, err error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
