package transport

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var ErrNotRunning = errors.New("transport not running")

// RetryAfterError is implemented by send errors that carry the remote
// system's advertised retry delay (flood wait, slow mode, HTTP 429).
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter marks err as a throttling failure that may be retried after the
// given delay.
//
//	return transport.RetryAfter(err, 8*time.Second)
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// IsThrottled reports whether err (or anything it wraps) is a throttling
// error, returning the advertised delay.
func IsThrottled(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Telegram and MTProto phrase throttling a few different ways:
// "retry after 8", "SLOWMODE_WAIT ... wait 8 seconds", "FLOOD_WAIT_8".
var reThrottleText = regexp.MustCompile(`(?i)(?:retry after|wait of|wait)\s+(\d+)(?:\s*seconds?)?|(?:flood|slowmode)_wait_(\d+)`)

// ParseRetryAfterText extracts a retry delay from a throttling error message.
func ParseRetryAfterText(msg string) (time.Duration, bool) {
	m := reThrottleText.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// ClassifyText wraps err with RetryAfter when its message advertises a delay.
// Errors that are already classified are returned unchanged.
func ClassifyText(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := IsThrottled(err); ok {
		return err
	}
	if d, ok := ParseRetryAfterText(err.Error()); ok {
		return RetryAfter(err, d)
	}
	return err
}
