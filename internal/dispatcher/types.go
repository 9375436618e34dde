package dispatcher

import (
	"context"
	"time"

	"tgsigner/internal/queue"
	"tgsigner/internal/storage"
)

// Sender delivers a command payload and returns the sent message id.
// Throttling failures implement transport.RetryAfterError.
type Sender interface {
	Send(ctx context.Context, cmd queue.Command) (messageID int, err error)
}

type SenderFunc func(ctx context.Context, cmd queue.Command) (int, error)

func (f SenderFunc) Send(ctx context.Context, cmd queue.Command) (int, error) { return f(ctx, cmd) }

// Journal receives one entry per outcome. storage.Store satisfies it.
type Journal interface {
	AppendJournal(ctx context.Context, e storage.JournalEntry) error
}

type Config struct {
	MinInterval  time.Duration
	PollInterval time.Duration
	RetryBuffer  time.Duration
	// RetryPriority is the tier for throttle retries; 0 preempts everything due.
	RetryPriority int
	// MaxThrottleRetries bounds consecutive throttle retries of one command.
	// 0 means the default; negative disables retries.
	MaxThrottleRetries int
	SendTimeout        time.Duration
	CallbackTimeout    time.Duration
}

const (
	DefaultMinInterval        = 10 * time.Second
	DefaultPollInterval       = time.Second
	DefaultRetryBuffer        = time.Second
	DefaultMaxThrottleRetries = 5
	DefaultSendTimeout        = 30 * time.Second
	DefaultCallbackTimeout    = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryBuffer < 0 {
		c.RetryBuffer = 0
	}
	if c.RetryPriority < 0 {
		c.RetryPriority = 0
	}
	if c.MaxThrottleRetries == 0 {
		c.MaxThrottleRetries = DefaultMaxThrottleRetries
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = DefaultCallbackTimeout
	}
	return c
}

// Outcome of one dispatched command.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeThrottled Outcome = "throttled"
	OutcomeFailed    Outcome = "failed"
	OutcomeDropped   Outcome = "dropped"
	OutcomeCancelled Outcome = "cancelled"
)

// Event is the payload of dispatch.* bus events.
type Event struct {
	Payload    string
	Key        string
	Outcome    Outcome
	MessageID  int
	RetryAfter time.Duration
	RetryKey   string
	Attempt    int
	Took       time.Duration
	Error      string
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	Dispatching bool
	Sent        uint64
	Throttled   uint64
	Failed      uint64
	Dropped     uint64
	CallbackErr uint64
	LastSend    time.Time
}
