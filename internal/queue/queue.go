package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// Queue holds scheduled commands and the state of every keyed intent.
//
// Enqueue may be called from any goroutine. Dequeue and MarkCompleted are
// meant for a single consumer.
type Queue struct {
	clock Clock

	mu      sync.Mutex
	seq     uint64
	waiting waitHeap
	ready   readyHeap
	states  map[string]Status
	live    int
	notify  chan struct{}
}

func New(clock Clock) *Queue {
	if clock == nil {
		clock = SystemClock()
	}
	return &Queue{
		clock:  clock,
		states: map[string]Status{},
		notify: make(chan struct{}),
	}
}

// Enqueue schedules c. It reports false, changing nothing, when c.Key is
// already pending or executing. Keyless commands never carry a callback.
func (q *Queue) Enqueue(c Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	if c.Key != "" {
		if st, ok := q.states[c.Key]; ok && st.State.Live() {
			return false
		}
		q.states[c.Key] = Status{State: StatePending, Since: now}
		q.live++
	} else {
		c.Callback = nil
	}
	if c.NotBefore.IsZero() {
		c.NotBefore = now
	}
	q.seq++
	c.Seq = q.seq
	c.EnqueuedAt = now
	heap.Push(&q.waiting, c)

	close(q.notify)
	q.notify = make(chan struct{})
	return true
}

// Dequeue blocks until a command is due and returns it. Among due commands
// the lowest Priority wins, then the earliest Seq; a command whose NotBefore
// is still ahead never preempts one that is due. Age does not outrank
// priority: a due command that has waited longer still yields to a due one
// of lower Priority. The returned command's key, if any, moves to executing.
func (q *Queue) Dequeue(ctx context.Context) (Command, error) {
	for {
		q.mu.Lock()
		now := q.clock.Now()
		q.promoteLocked(now)
		if q.ready.Len() > 0 {
			c := heap.Pop(&q.ready).(Command)
			if c.Key != "" {
				q.states[c.Key] = Status{State: StateExecuting, Since: now}
			}
			q.mu.Unlock()
			return c, nil
		}
		var timer <-chan time.Time
		if q.waiting.Len() > 0 {
			timer = q.clock.After(q.waiting[0].NotBefore.Sub(now))
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Command{}, ctx.Err()
		case <-notify:
		case <-timer:
		}
	}
}

func (q *Queue) promoteLocked(now time.Time) {
	for q.waiting.Len() > 0 && !q.waiting[0].NotBefore.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.waiting))
	}
}

// MarkCompleted records the outcome for key. Unknown keys are ignored.
func (q *Queue) MarkCompleted(key string, success bool) {
	if key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.states[key]
	if !ok {
		return
	}
	if st.State.Live() {
		q.live--
	}
	next := StateFailed
	if success {
		next = StateCompleted
	}
	q.states[key] = Status{State: next, Since: q.clock.Now()}
}

// State returns the current state of key.
func (q *Queue) State(key string) (State, bool) {
	st, ok := q.Lookup(key)
	return st.State, ok
}

// Lookup returns the state of key together with the time it was entered.
func (q *Queue) Lookup(key string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.states[key]
	return st, ok
}

// Empty reports whether no command is waiting to be dequeued.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Len counts queued commands, keyed or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len() + q.ready.Len()
}

// PendingCount counts live keys (pending or executing). Keyless commands are
// not included.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live
}

// Snapshot lists queued commands in dispatch order as of now. Callbacks are
// stripped.
func (q *Queue) Snapshot() []Command {
	q.mu.Lock()
	now := q.clock.Now()
	out := make([]Command, 0, q.waiting.Len()+q.ready.Len())
	out = append(out, q.ready...)
	out = append(out, q.waiting...)
	q.mu.Unlock()

	due := func(c Command) bool { return !c.NotBefore.After(now) }
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if due(a) != due(b) {
			return due(a)
		}
		if !due(a) && !a.NotBefore.Equal(b.NotBefore) {
			return a.NotBefore.Before(b.NotBefore)
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Seq < b.Seq
	})
	for i := range out {
		out[i].Callback = nil
	}
	return out
}

// Prune forgets terminal states older than retention and returns how many
// were removed.
func (q *Queue) Prune(retention time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock.Now().Add(-retention)
	n := 0
	for k, st := range q.states {
		if st.State.Terminal() && st.Since.Before(cutoff) {
			delete(q.states, k)
			n++
		}
	}
	return n
}
