package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an incoming chat message as seen by the rule modules.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	// FromIsBot is set for messages sent by bots (the game replies this way).
	FromIsBot bool
	// Mentioned is set when the message mentions the running account.
	Mentioned bool
	ReplyToID int
	Text      string
}

// IsChannelPost reports whether the message carries no sender.
func (m Message) IsChannelPost() bool { return m.FromID == 0 }

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
	ParseMode      string
	DisablePreview bool
	// ReplyTo makes the message a reply to the given message id (0 = none).
	ReplyTo int
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
