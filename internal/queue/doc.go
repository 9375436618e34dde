// Package queue is the in-memory priority queue of outgoing game commands.
//
// A command becomes eligible at its NotBefore time. Eligible commands are
// served by ascending Priority, then in enqueue order. Commands with a Key
// are deduplicated while pending or executing, and their lifecycle
// (pending, executing, then completed or failed) stays queryable until the
// key is reused or pruned.
//
// The queue is rebuilt empty on every start; rule modules re-derive their
// commands from persisted timers.
package queue
