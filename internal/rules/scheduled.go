package rules

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"tgsigner/internal/queue"
	logx "tgsigner/pkg/logx"
)

// ScheduledJob sends Command on Schedule.
type ScheduledJob struct {
	Name     string
	Command  string
	Schedule string
	Priority int
}

// Scheduled owns the cron entries of the configured scheduled commands.
type Scheduled struct {
	env  Env
	cron *cron.Cron

	mu  sync.Mutex
	ids map[string]cron.EntryID
}

func NewScheduled(env Env, c *cron.Cron) *Scheduled {
	return &Scheduled{env: env.withDefaults(), cron: c, ids: map[string]cron.EntryID{}}
}

// Register replaces all scheduled jobs. Every schedule is parsed before any
// entry changes, so a bad job leaves the old set in place.
func (s *Scheduled) Register(jobs []ScheduledJob) error {
	now := s.env.now()
	parsed := make([]cron.Schedule, len(jobs))
	for i, j := range jobs {
		ps, err := ParseSchedule(j.Schedule)
		if err != nil {
			return fmt.Errorf("scheduled %q: %w", j.Name, err)
		}
		parsed[i] = withStartupSpread(ps, now, j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, id := range s.ids {
		s.cron.Remove(id)
		delete(s.ids, name)
	}
	for i, j := range jobs {
		j := j
		s.ids[j.Name] = s.cron.Schedule(parsed[i], cron.FuncJob(func() { s.Fire(j) }))
		s.env.Log.Info("scheduled command registered",
			logx.String("name", j.Name),
			logx.String("command", j.Command),
			logx.String("schedule", j.Schedule),
		)
	}
	return nil
}

// Fire queues one run of j. A run still queued from the last tick
// suppresses this one.
func (s *Scheduled) Fire(j ScheduledJob) bool {
	key := commandKey("scheduled", j.Name, s.env.ChatID)
	ok := s.env.Queue.Enqueue(queue.Command{
		Payload:   j.Command,
		NotBefore: s.env.now(),
		Priority:  j.Priority,
		Key:       key,
	})
	if !ok {
		s.env.Log.Debug("scheduled command still queued", logx.String("name", j.Name))
	}
	return ok
}

// Len reports how many jobs are registered.
func (s *Scheduled) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
