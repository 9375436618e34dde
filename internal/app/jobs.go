package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "tgsigner/pkg/logx"
)

// jobs owns the app's cron instance: housekeeping jobs and the scheduled
// commands share it.
type jobs struct {
	mu      sync.Mutex
	c       *cron.Cron
	loc     *time.Location
	log     logx.Logger
	running bool
}

func newJobs(loc *time.Location, log logx.Logger) *jobs {
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
	)
	return &jobs{c: c, loc: loc, log: log}
}

func (j *jobs) Cron() *cron.Cron { return j.c }

// add registers fn under a standard cron spec.
func (j *jobs) add(name, spec string, fn func(ctx context.Context)) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	j.c.Schedule(sched, cron.FuncJob(func() {
		start := time.Now()
		fn(context.Background())
		j.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	}))
	j.log.Debug("job registered", logx.String("job", name), logx.String("spec", spec))
	return nil
}

func (j *jobs) start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.c.Start()
	j.log.Info("cron started", logx.String("tz", j.loc.String()), logx.Int("entries", len(j.c.Entries())))
}

// stop halts triggering and waits for running jobs, up to ctx.
func (j *jobs) stop(ctx context.Context) {
	j.mu.Lock()
	running := j.running
	j.running = false
	j.mu.Unlock()
	if !running {
		return
	}
	select {
	case <-j.c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k := strings.TrimSpace(fmt.Sprint(kv[i]))
		if k == "" {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
