package cooldown

import (
	"strings"
	"time"
)

// Table maps a command name (without the leading dot or arguments) to its
// known cooldown. Fallback applies to unknown commands.
type Table struct {
	Defaults map[string]time.Duration
	Fallback time.Duration
}

const (
	// DefaultThreshold is the smallest believable cooldown for commands whose
	// known default exceeds an hour.
	DefaultThreshold = 600 * time.Second
	DefaultFallback  = 30 * time.Minute

	longCooldown = time.Hour
)

var (
	dailyCooldowns = map[string]time.Duration{
		"宗门点卯": 24 * time.Hour,
		"宗门传功": 24 * time.Hour,
		"每日问安": 24 * time.Hour,
	}
	periodicCooldowns = map[string]time.Duration{
		"闭关修炼": 16 * time.Minute,
		"引道":   12 * time.Hour,
		"启阵":   12 * time.Hour,
		"探寻裂缝": 12 * time.Hour,
		"问道":   12 * time.Hour,
		"元婴出窍": 8 * time.Hour,
	}
	gardenCooldowns = map[string]time.Duration{
		"灵树灌溉": time.Hour,
		"小药园":  15 * time.Minute,
	}
	starCooldowns = map[string]time.Duration{
		"观星台":  10 * time.Minute,
		"安抚星辰": 5 * time.Minute,
	}
)

// DefaultTable returns the built-in cooldowns. Later groups never override
// earlier ones, so daily entries win over periodic ones of the same name.
func DefaultTable() Table {
	t := Table{Defaults: map[string]time.Duration{}, Fallback: DefaultFallback}
	for _, group := range []map[string]time.Duration{dailyCooldowns, periodicCooldowns, gardenCooldowns, starCooldowns} {
		for k, v := range group {
			if _, ok := t.Defaults[k]; !ok {
				t.Defaults[k] = v
			}
		}
	}
	return t
}

// WithOverrides returns a copy of t with the given entries replaced.
// Non-positive durations are ignored.
func (t Table) WithOverrides(overrides map[string]time.Duration) Table {
	out := Table{Defaults: make(map[string]time.Duration, len(t.Defaults)+len(overrides)), Fallback: t.Fallback}
	for k, v := range t.Defaults {
		out.Defaults[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			out.Defaults[CommandName(k)] = v
		}
	}
	return out
}

// Lookup returns the default for command and whether it was known.
func (t Table) Lookup(command string) (time.Duration, bool) {
	d, ok := t.Defaults[CommandName(command)]
	if ok {
		return d, true
	}
	if t.Fallback > 0 {
		return t.Fallback, false
	}
	return DefaultFallback, false
}

// CommandName reduces a chat command to its table key:
// ".引道 水" and "。引道" both become "引道".
func CommandName(command string) string {
	s := strings.TrimSpace(command)
	s = strings.TrimLeft(s, ".。")
	if i := strings.IndexFunc(s, isSpace); i >= 0 {
		s = s[:i]
	}
	return s
}
