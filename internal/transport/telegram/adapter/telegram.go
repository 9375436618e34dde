// Package adapter posts through the Bot API. It carries log lines to the
// log chat; the game itself is played through the mtproto package.
package adapter

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

type Config struct {
	Token string
}

// Adapter sends text with a bot token. It never polls for updates.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if b.Me != nil {
		log.Debug("log bot ready", logx.String("username", b.Me.Username))
	}
	return &Adapter{log: log, bot: b}, nil
}

// SendText sends text to the target chat, splitting it when it exceeds the
// Telegram limit. Only the first chunk carries ReplyTo. Throttling failures
// are returned as kit.RetryAfterError.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range kit.SplitText(text, kit.TextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 && opt.ReplyTo != 0 {
			sendOpt.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: chat}
		}
		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}
