package transport

import (
	"context"
	"errors"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID            int
	ChatID        int64
	ThreadID      int // telegram forum topic thread id (0 if none)
	FromID        int64
	FromUsername  string
	FromFirstName string
	FromLastName  string
	Text          string
	IsPrivate     bool
}

// DisplayName returns "First Last" with blanks trimmed.
func (m *Message) DisplayName() string {
	switch {
	case m.FromFirstName == "":
		return m.FromLastName
	case m.FromLastName == "":
		return m.FromFirstName
	default:
		return m.FromFirstName + " " + m.FromLastName
	}
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

// Button is a single URL call-to-action attached under a message.
type Button struct {
	Label string
	URL   string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Button         *Button
}

// Notifier delivers rendered content to a chat. Errors are opaque to callers.
type Notifier interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendPhoto sends image (URL or platform file id) with text as caption.
	SendPhoto(ctx context.Context, to ChatTarget, image, caption string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Notifier
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
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

// ErrBlocked marks a send rejected because the recipient blocked the bot
// or deleted the chat. Adapters wrap their platform error with it.
var ErrBlocked = errors.New("transport: recipient unavailable")

// RetryAfter returns the back-off the platform asked for in err, or zero.
// Adapters expose it with a RetryAfter() time.Duration method.
func RetryAfter(err error) time.Duration {
	var hint interface{ RetryAfter() time.Duration }
	if errors.As(err, &hint) {
		return hint.RetryAfter()
	}
	return 0
}
