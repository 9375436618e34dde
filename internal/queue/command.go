package queue

import (
	"context"
	"time"
)

// Callback runs after a keyed command was sent successfully. It may enqueue
// follow-up commands.
type Callback func(ctx context.Context) error

// Command is one scheduled send.
type Command struct {
	Payload string
	// NotBefore is the earliest send time. Zero means "now".
	NotBefore time.Time
	// Priority 0 is the most urgent tier.
	Priority int
	// Key identifies the logical intent. Empty means untracked.
	Key      string
	Callback Callback

	// Attempt counts throttle retries that led to this command.
	Attempt int

	// Assigned by Enqueue.
	Seq        uint64
	EnqueuedAt time.Time
}

// State is the tracked lifecycle of a keyed command.
type State string

const (
	StatePending   State = "pending"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Live reports whether a key in this state blocks a new Enqueue.
func (s State) Live() bool { return s == StatePending || s == StateExecuting }

// Status is a key's current state and when it was entered.
type Status struct {
	State State
	Since time.Time
}

// Clock is the time source used by the queue and the dispatcher.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
