package adapter

import (
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "tgsigner/internal/transport"
)

// classify maps telebot failures onto the transport error contract.
// A FloodError carries retry_after from the Bot API; anything else falls back
// to matching the message text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return kit.RetryAfter(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	return kit.ClassifyText(err)
}
