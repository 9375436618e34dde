package rules

import (
	"context"

	"tgsigner/internal/queue"
	"tgsigner/internal/transport"
)

// TextSender is the send half of a transport adapter.
type TextSender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// ReplyTracker is told about every sent message and picks reply targets.
type ReplyTracker interface {
	ReplyTo(payload string) int
	NoteSent(ctx context.Context, messageID int)
}

// GameSender delivers queued commands to the game chat.
type GameSender struct {
	out     TextSender
	target  transport.ChatTarget
	replies ReplyTracker
}

func NewGameSender(out TextSender, target transport.ChatTarget, replies ReplyTracker) *GameSender {
	return &GameSender{out: out, target: target, replies: replies}
}

func (s *GameSender) Send(ctx context.Context, cmd queue.Command) (int, error) {
	opt := &transport.SendOptions{DisablePreview: true}
	if s.replies != nil {
		opt.ReplyTo = s.replies.ReplyTo(cmd.Payload)
	}
	ref, err := s.out.SendText(ctx, s.target, cmd.Payload, opt)
	if err != nil {
		return 0, err
	}
	if s.replies != nil {
		s.replies.NoteSent(ctx, ref.MessageID)
	}
	return ref.MessageID, nil
}

// ReplyTrackers consults each tracker in turn; the first non-zero reply
// target wins. Every tracker is told about sent messages.
type ReplyTrackers []ReplyTracker

func (ts ReplyTrackers) ReplyTo(payload string) int {
	for _, t := range ts {
		if id := t.ReplyTo(payload); id != 0 {
			return id
		}
	}
	return 0
}

func (ts ReplyTrackers) NoteSent(ctx context.Context, messageID int) {
	for _, t := range ts {
		t.NoteSent(ctx, messageID)
	}
}
