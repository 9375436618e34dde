package rules

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind tells a cron expression from a fixed interval.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// ParsedSchedule is a schedule string after parsing.
//
// Supported forms:
//   - cron: "*/5 * * * *", "@hourly", "@every 55m"
//   - Go duration: "55m", "2h30m"
//   - HH:MM interval: "02:30" (2 hours 30 minutes)
//
// A "cron:" prefix forces cron parsing; "every:" or "interval:" forces an
// interval.
type ParsedSchedule struct {
	Kind     ScheduleKind
	Cron     string
	Every    time.Duration
	Schedule cron.Schedule
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseSchedule(raw string) (ParsedSchedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSchedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if ps, err := parseInterval(s); err == nil {
		return ps, nil
	}
	return ParsedSchedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseCron(expr string) (ParsedSchedule, error) {
	if expr == "" {
		return ParsedSchedule{}, fmt.Errorf("cron schedule required")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return ParsedSchedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSchedule{Kind: ScheduleCron, Cron: expr, Schedule: sched}, nil
}

func parseInterval(v string) (ParsedSchedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSchedule{}, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSchedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedSchedule{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
		}
	}
	if d <= 0 {
		return ParsedSchedule{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSchedule{Kind: ScheduleInterval, Every: d, Schedule: cron.Every(d)}, nil
}

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run of an interval schedule by a jitter
// so jobs sharing an interval do not all fire on the same tick.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func withStartupSpread(ps ParsedSchedule, now time.Time, tag string) cron.Schedule {
	if ps.Kind != ScheduleInterval {
		return ps.Schedule
	}
	spread := min(ps.Every, maxStartupSpread)
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &spreadSchedule{base: ps.Schedule, first: now.Add(ps.Every + jitter)}
}
