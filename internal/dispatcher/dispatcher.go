package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tgsigner/internal/eventbus"
	"tgsigner/internal/queue"
	"tgsigner/internal/storage"
	"tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

const retrySuffix = ":retry"

// Dispatcher is the only consumer of a queue.Queue.
type Dispatcher struct {
	q       *queue.Queue
	sender  Sender
	clock   queue.Clock
	bus     eventbus.Bus
	journal Journal
	log     logx.Logger

	mu  sync.Mutex
	cfg Config

	// lastSend is written only by the Run goroutine.
	lastSend     time.Time
	lastSendNano atomic.Int64

	dispatching atomic.Bool
	sent        atomic.Uint64
	throttled   atomic.Uint64
	failed      atomic.Uint64
	dropped     atomic.Uint64
	callbackErr atomic.Uint64
}

type Option func(*Dispatcher)

func WithClock(c queue.Clock) Option { return func(d *Dispatcher) { d.clock = c } }
func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }
func WithJournal(j Journal) Option { return func(d *Dispatcher) { d.journal = j } }
func WithLogger(l logx.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func New(cfg Config, q *queue.Queue, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		q:      q,
		sender: sender,
		clock:  queue.SystemClock(),
		log:    logx.Nop(),
		cfg:    cfg.withDefaults(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.clock == nil {
		d.clock = queue.SystemClock()
	}
	return d
}

// Apply swaps the timing and retry settings. It takes effect on the next
// command.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	d.mu.Unlock()
	if old != cfg {
		d.log.Info("dispatcher config applied",
			logx.Duration("min_interval", cfg.MinInterval),
			logx.Int("retry_priority", cfg.RetryPriority),
			logx.Int("max_throttle_retries", cfg.MaxThrottleRetries),
		)
	}
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Dispatcher) Snapshot() Stats {
	st := Stats{
		Dispatching: d.dispatching.Load(),
		Sent:        d.sent.Load(),
		Throttled:   d.throttled.Load(),
		Failed:      d.failed.Load(),
		Dropped:     d.dropped.Load(),
		CallbackErr: d.callbackErr.Load(),
	}
	if n := d.lastSendNano.Load(); n != 0 {
		st.LastSend = time.Unix(0, n)
	}
	return st
}

// Run processes commands until ctx is cancelled. A command that was already
// dequeued is carried to an outcome; cancellation is only observed between
// commands and during the send-interval wait.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", logx.Duration("min_interval", d.config().MinInterval))
	defer d.log.Info("dispatcher stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if d.q.Empty() {
			select {
			case <-ctx.Done():
				return nil
			case <-d.clock.After(d.config().PollInterval):
			}
			continue
		}
		cmd, err := d.q.Dequeue(ctx)
		if err != nil {
			return nil
		}
		d.dispatching.Store(true)
		d.process(ctx, cmd)
		d.dispatching.Store(false)
	}
}

func (d *Dispatcher) process(ctx context.Context, cmd queue.Command) {
	cfg := d.config()

	if wait := d.gap(cfg); wait > 0 {
		d.log.Trace("waiting send interval", logx.String("key", cmd.Key), logx.Duration("wait", wait))
		select {
		case <-ctx.Done():
			d.q.MarkCompleted(cmd.Key, false)
			d.record(cmd, Event{Outcome: OutcomeCancelled, Error: ctx.Err().Error()})
			return
		case <-d.clock.After(wait):
		}
	}

	start := d.clock.Now()
	msgID, err := d.send(ctx, cfg, cmd)
	d.lastSend = d.clock.Now()
	d.lastSendNano.Store(d.lastSend.UnixNano())
	took := d.lastSend.Sub(start)

	if err == nil {
		d.sent.Add(1)
		d.q.MarkCompleted(cmd.Key, true)
		d.record(cmd, Event{Outcome: OutcomeSent, MessageID: msgID, Took: took})
		if took >= 2*time.Second {
			d.log.Info("command sent", logx.String("payload", cmd.Payload), logx.String("key", cmd.Key), logx.Int("message_id", msgID), logx.Duration("took", took))
		} else {
			d.log.Debug("command sent", logx.String("payload", cmd.Payload), logx.String("key", cmd.Key), logx.Int("message_id", msgID), logx.Duration("took", took))
		}
		if cmd.Callback != nil {
			d.runCallback(ctx, cfg, cmd)
		}
		return
	}

	if after, ok := transport.IsThrottled(err); ok {
		d.onThrottled(cfg, cmd, after, err, took)
		return
	}

	d.failed.Add(1)
	d.q.MarkCompleted(cmd.Key, false)
	d.record(cmd, Event{Outcome: OutcomeFailed, Error: err.Error(), Took: took})
	d.log.Warn("command failed", logx.String("payload", cmd.Payload), logx.String("key", cmd.Key), logx.Err(err))
}

func (d *Dispatcher) gap(cfg Config) time.Duration {
	if d.lastSend.IsZero() || cfg.MinInterval <= 0 {
		return 0
	}
	return cfg.MinInterval - d.clock.Now().Sub(d.lastSend)
}

// send runs detached from ctx so shutdown never interrupts a send that has
// started.
func (d *Dispatcher) send(ctx context.Context, cfg Config, cmd queue.Command) (msgID int, err error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panic: %v", r)
			d.log.Error("send.panic", logx.String("key", cmd.Key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return d.sender.Send(sctx, cmd)
}

func (d *Dispatcher) onThrottled(cfg Config, cmd queue.Command, after time.Duration, err error, took time.Duration) {
	// Mark first: a ":retry" key is reused by its own retry.
	d.q.MarkCompleted(cmd.Key, false)

	if cfg.MaxThrottleRetries < 0 || cmd.Attempt >= cfg.MaxThrottleRetries {
		d.dropped.Add(1)
		d.record(cmd, Event{Outcome: OutcomeDropped, RetryAfter: after, Error: err.Error(), Took: took})
		d.log.Warn("command dropped after throttle retries",
			logx.String("payload", cmd.Payload),
			logx.String("key", cmd.Key),
			logx.Int("attempt", cmd.Attempt),
			logx.Duration("retry_after", after),
		)
		return
	}

	retry := queue.Command{
		Payload:   cmd.Payload,
		NotBefore: d.clock.Now().Add(after + cfg.RetryBuffer),
		Priority:  cfg.RetryPriority,
		Key:       RetryKey(cmd.Key),
		Callback:  cmd.Callback,
		Attempt:   cmd.Attempt + 1,
	}
	if !d.q.Enqueue(retry) {
		// The retry key is still live from an earlier throttle; this attempt
		// has nowhere to go.
		d.dropped.Add(1)
		d.record(cmd, Event{Outcome: OutcomeDropped, RetryAfter: after, Error: err.Error(), Took: took})
		d.log.Warn("command dropped; throttle retry already queued",
			logx.String("payload", cmd.Payload),
			logx.String("key", cmd.Key),
			logx.String("retry_key", retry.Key),
			logx.Duration("retry_after", after),
		)
		return
	}
	d.throttled.Add(1)
	d.record(cmd, Event{Outcome: OutcomeThrottled, RetryAfter: after, RetryKey: retry.Key, Error: err.Error(), Took: took})
	d.log.Warn("send throttled",
		logx.String("payload", cmd.Payload),
		logx.String("key", cmd.Key),
		logx.Duration("after", after),
		logx.Int("attempt", retry.Attempt),
	)
}

// RetryKey derives the dedupe key used for a throttle retry of key. Keyless
// commands stay keyless, and retry keys map to themselves.
func RetryKey(key string) string {
	if key == "" || strings.HasSuffix(key, retrySuffix) {
		return key
	}
	return key + retrySuffix
}

func (d *Dispatcher) runCallback(ctx context.Context, cfg Config, cmd queue.Command) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.CallbackTimeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("callback panic: %v", r)
				d.log.Error("callback.panic", logx.String("key", cmd.Key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = cmd.Callback(cctx)
	}()
	if err != nil {
		d.callbackErr.Add(1)
		d.log.Warn("callback failed", logx.String("key", cmd.Key), logx.Err(err))
	}
}

func (d *Dispatcher) record(cmd queue.Command, ev Event) {
	ev.Payload = cmd.Payload
	ev.Key = cmd.Key
	ev.Attempt = cmd.Attempt
	now := d.clock.Now()

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: "dispatch." + string(ev.Outcome), Time: now, Data: ev})
	}
	if d.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.journal.AppendJournal(jctx, storage.JournalEntry{
		ID:         uuid.NewString(),
		At:         now,
		Payload:    ev.Payload,
		Key:        ev.Key,
		Outcome:    string(ev.Outcome),
		MessageID:  ev.MessageID,
		RetryAfter: ev.RetryAfter,
		Attempt:    ev.Attempt,
		Error:      ev.Error,
	})
	if err != nil {
		d.log.Debug("journal append failed", logx.Err(err))
	}
}
