package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tgsigner/internal/eventbus"
	"tgsigner/internal/queue"
	"tgsigner/internal/storage"
	"tgsigner/internal/transport"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func start(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("dispatcher did not stop")
		}
	}
}

func fastConfig() Config {
	return Config{MinInterval: time.Millisecond, PollInterval: 5 * time.Millisecond, RetryBuffer: time.Second}
}

func TestThrottleRequeuesWithElevatedPriority(t *testing.T) {
	t.Parallel()

	q := queue.New(nil)
	journal := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "dispatch.")
	defer unsub()

	var calls atomic.Int32
	sender := SenderFunc(func(ctx context.Context, cmd queue.Command) (int, error) {
		calls.Add(1)
		return 0, transport.RetryAfter(errors.New("Too Many Requests: retry after 8"), 8*time.Second)
	})
	var callbackRan atomic.Bool
	d := New(fastConfig(), q, sender, WithJournal(journal), WithBus(bus))

	key := "daily:signin:42"
	q.Enqueue(queue.Command{Payload: ".宗门点卯", Priority: 2, Key: key, Callback: func(context.Context) error {
		callbackRan.Store(true)
		return nil
	}})

	before := time.Now()
	stop := start(t, d)
	waitFor(t, time.Second, func() bool { st, _ := q.State(key + ":retry"); return st == queue.StatePending })
	stop()

	if st, _ := q.State(key); st != queue.StateFailed {
		t.Fatalf("original key state=%q want failed", st)
	}
	if callbackRan.Load() {
		t.Fatalf("callback ran for a throttled send")
	}
	snap := q.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("queue has %d items, want the retry only", len(snap))
	}
	retry := snap[0]
	if retry.Priority != 0 || retry.Payload != ".宗门点卯" || retry.Attempt != 1 {
		t.Fatalf("unexpected retry %+v", retry)
	}
	want := before.Add(9 * time.Second)
	if diff := retry.NotBefore.Sub(want); diff < 0 || diff > time.Second {
		t.Fatalf("retry NotBefore off by %v", diff)
	}
	if calls.Load() != 1 {
		t.Fatalf("sender called %d times", calls.Load())
	}

	select {
	case ev := <-events:
		de := ev.Data.(Event)
		if ev.Type != "dispatch.throttled" || de.RetryAfter != 8*time.Second || de.RetryKey != key+":retry" {
			t.Fatalf("unexpected event %s %+v", ev.Type, de)
		}
	default:
		t.Fatalf("no throttled event published")
	}
	j := journal.Journal()
	if len(j) != 1 || j[0].Outcome != "throttled" || j[0].ID == "" {
		t.Fatalf("journal=%+v", j)
	}
	if d.Snapshot().Throttled != 1 {
		t.Fatalf("stats=%+v", d.Snapshot())
	}
}

func TestThrottleRetryCarriesCallback(t *testing.T) {
	t.Parallel()

	q := queue.New(nil)
	var calls atomic.Int32
	sender := SenderFunc(func(ctx context.Context, cmd queue.Command) (int, error) {
		if calls.Add(1) == 1 {
			return 0, transport.RetryAfter(errors.New("flood"), 0)
		}
		return 99, nil
	})
	cfg := fastConfig()
	cfg.RetryBuffer = 0
	d := New(cfg, q, sender)

	var fired atomic.Int32
	q.Enqueue(queue.Command{Payload: ".闭关修炼", Key: "periodic:闭关修炼:1", Callback: func(context.Context) error {
		fired.Add(1)
		return nil
	}})

	stop := start(t, d)
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
	stop()

	if st, _ := q.State("periodic:闭关修炼:1:retry"); st != queue.StateCompleted {
		t.Fatalf("retry state=%q", st)
	}
	if fired.Load() != 1 {
		t.Fatalf("callback fired %d times", fired.Load())
	}
}

func TestThrottleRetriesAreBounded(t *testing.T) {
	t.Parallel()

	q := queue.New(nil)
	var calls atomic.Int32
	sender := SenderFunc(func(ctx context.Context, cmd queue.Command) (int, error) {
		calls.Add(1)
		return 0, transport.RetryAfter(errors.New("flood"), 0)
	})
	cfg := fastConfig()
	cfg.RetryBuffer = 0
	cfg.MaxThrottleRetries = 2
	d := New(cfg, q, sender)

	q.Enqueue(queue.Command{Payload: ".问道", Key: "periodic:问道:1"})
	stop := start(t, d)
	waitFor(t, time.Second, func() bool { return d.Snapshot().Dropped == 1 })
	stop()

	if calls.Load() != 3 {
		t.Fatalf("sender called %d times, want 1 + 2 retries", calls.Load())
	}
	if !q.Empty() {
		t.Fatalf("dropped command left items queued")
	}
	if st, _ := q.State("periodic:问道:1:retry"); st != queue.StateFailed {
		t.Fatalf("retry key state=%q", st)
	}
}

func TestThrottleWithLiveRetryIsDropped(t *testing.T) {
	t.Parallel()

	q := queue.New(nil)
	journal := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "dispatch.")
	defer unsub()

	sender := SenderFunc(func(ctx context.Context, cmd queue.Command) (int, error) {
		return 0, transport.RetryAfter(errors.New("flood"), 3*time.Second)
	})
	d := New(fastConfig(), q, sender, WithJournal(journal), WithBus(bus))

	key := "custom:.炼丹:7"
	q.Enqueue(queue.Command{Payload: ".炼丹", Key: RetryKey(key), NotBefore: time.Now().Add(time.Hour), Attempt: 1})
	q.Enqueue(queue.Command{Payload: ".炼丹", Key: key})

	stop := start(t, d)
	waitFor(t, time.Second, func() bool { return d.Snapshot().Dropped == 1 })
	stop()

	if s := d.Snapshot(); s.Throttled != 0 {
		t.Fatalf("stats=%+v, rejected retry counted as throttled", s)
	}
	if st, _ := q.State(key); st != queue.StateFailed {
		t.Fatalf("original key state=%q want failed", st)
	}
	if st, _ := q.State(RetryKey(key)); st != queue.StatePending {
		t.Fatalf("earlier retry state=%q want pending", st)
	}
	select {
	case ev := <-events:
		de := ev.Data.(Event)
		if ev.Type != "dispatch.dropped" || de.RetryKey != "" {
			t.Fatalf("unexpected event %s %+v", ev.Type, de)
		}
	default:
		t.Fatalf("no dropped event published")
	}
	if j := journal.Journal(); len(j) != 1 || j[0].Outcome != "dropped" {
		t.Fatalf("journal=%+v", j)
	}
}

func TestIdleRunPicksUpLaterEnqueue(t *testing.T) {
	t.Parallel()

	q := queue.New(nil)
	var sent atomic.Int32
	sender := SenderFunc(func(ctx context.Context, cmd queue.Command) (int, error) {
		sent.Add(1)
		return 5, nil
	})
	d := New(fastConfig(), q, sender)

	stop := start(t, d)
	defer stop()
	// Several poll intervals pass with nothing queued.
	time.Sleep(30 * time.Millisecond)
	if sent.Load() != 0 || d.Snapshot().Dispatching {
		t.Fatalf("dispatcher acted on an empty queue")
	}

	q.Enqueue(queue.Command{Payload: ".宗门点卯", Key: "daily:signin:9"})
	waitFor(t, time.Second, func() bool { st, _ := q.State("daily:signin:9"); return st == queue.StateCompleted })
	if sent.Load() != 1 {
		t.Fatalf("sent=%d", sent.Load())
	}
}

func TestSerialExecutionAndInterval(t *testing.T) {
	t.Parallel()

	const interval = 30 * time.Millisecond
	q := queue.New(nil)

	var (
		mu       sync.Mutex
		order    []string
		sentAt   []time.Time
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	sender := SenderFunc(func(ctx context.Context, cmd queue.Command) (int, error) {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inFlight.Add(-1)
		mu.Lock()
		order = append(order, cmd.Payload)
		sentAt = append(sentAt, time.Now())
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return 1, nil
	})
	cfg := fastConfig()
	cfg.MinInterval = interval
	d := New(cfg, q, sender)

	for _, p := range []string{"a", "b", "c"} {
		q.Enqueue(queue.Command{Payload: p, Priority: 1, Key: "k:" + p})
	}
	stop := start(t, d)
	waitFor(t, 2*time.Second, func() bool { st, _ := q.State("k:c"); return st == queue.StateCompleted })
	stop()

	if overlap.Load() {
		t.Fatalf("two sends were in flight at once")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order=%v", order)
	}
	for i := 1; i < len(sentAt); i++ {
		if gap := sentAt[i].Sub(sentAt[i-1]); gap < interval {
			t.Fatalf("send %d only %v after previous", i, gap)
		}
	}
}

func TestIntervalAppliesAfterFailure(t *testing.T) {
	t.Parallel()

	const interval = 40 * time.Millisecond
	q := queue.New(nil)
	var (
		mu     sync.Mutex
		sentAt []time.Time
	)
	sender := SenderFunc(func(ctx context.Context, cmd queue.Command) (int, error) {
		mu.Lock()
		sentAt = append(sentAt, time.Now())
		mu.Unlock()
		if cmd.Payload == "bad" {
			return 0, errors.New("chat not found")
		}
		return 1, nil
	})
	cfg := fastConfig()
	cfg.MinInterval = interval
	d := New(cfg, q, sender)

	q.Enqueue(queue.Command{Payload: "bad", Key: "bad"})
	q.Enqueue(queue.Command{Payload: "good", Key: "good"})
	stop := start(t, d)
	waitFor(t, time.Second, func() bool { st, _ := q.State("good"); return st == queue.StateCompleted })
	stop()

	if st, _ := q.State("bad"); st != queue.StateFailed {
		t.Fatalf("bad state=%q", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if gap := sentAt[1].Sub(sentAt[0]); gap < interval {
		t.Fatalf("gap after failure %v < %v", gap, interval)
	}
	if s := d.Snapshot(); s.Failed != 1 || s.Sent != 1 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestCallbacks(t *testing.T) {
	t.Parallel()

	q := queue.New(nil)
	sender := SenderFunc(func(ctx context.Context, cmd queue.Command) (int, error) {
		switch cmd.Payload {
		case "fail":
			return 0, errors.New("boom")
		case "panic":
			panic("sender exploded")
		}
		return 7, nil
	})
	d := New(fastConfig(), q, sender)

	var okRuns, failRuns atomic.Int32
	q.Enqueue(queue.Command{Payload: "fail", Key: "fail", Callback: func(context.Context) error { failRuns.Add(1); return nil }})
	q.Enqueue(queue.Command{Payload: "panic", Key: "panic", Callback: func(context.Context) error { failRuns.Add(1); return nil }})
	q.Enqueue(queue.Command{Payload: "cb-panics", Key: "cb-panics", Callback: func(context.Context) error { panic("callback exploded") }})
	q.Enqueue(queue.Command{Payload: "chain", Key: "chain", Callback: func(context.Context) error {
		okRuns.Add(1)
		q.Enqueue(queue.Command{Payload: "next", Key: "next", Callback: func(context.Context) error { okRuns.Add(1); return nil }})
		return nil
	}})

	stop := start(t, d)
	waitFor(t, 2*time.Second, func() bool { st, _ := q.State("next"); return st == queue.StateCompleted && okRuns.Load() == 2 })
	stop()

	if failRuns.Load() != 0 {
		t.Fatalf("callbacks ran for failed sends")
	}
	if st, _ := q.State("panic"); st != queue.StateFailed {
		t.Fatalf("panicking send state=%q", st)
	}
	if st, _ := q.State("cb-panics"); st != queue.StateCompleted {
		t.Fatalf("callback panic changed state: %q", st)
	}
	if d.Snapshot().CallbackErr != 1 {
		t.Fatalf("stats=%+v", d.Snapshot())
	}
}

func TestCancelDuringIntervalFailsItem(t *testing.T) {
	t.Parallel()

	q := queue.New(nil)
	var sent atomic.Int32
	sender := SenderFunc(func(ctx context.Context, cmd queue.Command) (int, error) {
		sent.Add(1)
		return 1, nil
	})
	cfg := fastConfig()
	cfg.MinInterval = time.Hour
	d := New(cfg, q, sender)

	q.Enqueue(queue.Command{Payload: "first", Key: "first"})
	q.Enqueue(queue.Command{Payload: "second", Key: "second"})

	stop := start(t, d)
	waitFor(t, time.Second, func() bool { st, _ := q.State("second"); return st == queue.StateExecuting })
	stop()

	if st, _ := q.State("second"); st != queue.StateFailed {
		t.Fatalf("second state=%q want failed", st)
	}
	if sent.Load() != 1 {
		t.Fatalf("sent=%d", sent.Load())
	}
}

func TestSendSurvivesShutdown(t *testing.T) {
	t.Parallel()

	q := queue.New(nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	sender := SenderFunc(func(ctx context.Context, cmd queue.Command) (int, error) {
		close(entered)
		<-release
		return 1, ctx.Err()
	})
	d := New(fastConfig(), q, sender)
	q.Enqueue(queue.Command{Payload: "x", Key: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = d.Run(ctx); close(done) }()

	<-entered
	cancel()
	close(release)
	<-done

	if st, _ := q.State("x"); st != queue.StateCompleted {
		t.Fatalf("in-flight send state=%q; its context was cancelled", st)
	}
}

func TestRetryKey(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"":                     "",
		"daily:signin:1":       "daily:signin:1:retry",
		"daily:signin:1:retry": "daily:signin:1:retry",
	} {
		if got := RetryKey(in); got != want {
			t.Fatalf("RetryKey(%q)=%q want %q", in, got, want)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	d := New(Config{}, queue.New(nil), SenderFunc(func(context.Context, queue.Command) (int, error) { return 0, nil }))
	cfg := d.config()
	if cfg.MaxThrottleRetries != DefaultMaxThrottleRetries || cfg.PollInterval != DefaultPollInterval {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	d.Apply(Config{MinInterval: 3 * time.Second, RetryPriority: 1})
	if got := d.config(); got.MinInterval != 3*time.Second || got.RetryPriority != 1 {
		t.Fatalf("Apply not applied: %+v", got)
	}
}
