// Package cooldown extracts wait durations from free-form game text and
// keeps the per-command default cooldowns used when the text says nothing.
package cooldown
