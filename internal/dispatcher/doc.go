// Package dispatcher runs the single send loop that drains the command
// queue into the game chat.
//
// One command is in flight at a time. Sends are spaced by a minimum
// interval counted from the previous attempt, throttled sends are
// re-queued at the advertised delay, and success callbacks run after the
// outcome is recorded.
package dispatcher
