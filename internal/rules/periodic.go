package rules

import (
	"context"
	"sync"
	"time"

	"tgsigner/internal/cooldown"
	"tgsigner/internal/queue"
	"tgsigner/internal/storage"
	"tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

const (
	periodicDoc = "periodic_state"

	// PeriodicPriority is the queue tier of cooldown-driven tasks.
	PeriodicPriority = 1
	DefaultStagger   = 2 * time.Second

	// readyMargin delays the follow-up past the game's own cooldown.
	readyMargin = 5 * time.Second
)

// PeriodicTask is a command repeated whenever its cooldown expires.
type PeriodicTask struct {
	Name    string
	Command string
	// Flag is the enable switch that covers the task.
	Flag string
	// Success words mark a response as the task's own result.
	Success []string
}

const (
	FlagBiguan      = "biguan"
	FlagYindao      = "yindao"
	FlagQizhen      = "qizhen"
	FlagWendao      = "wendao"
	FlagRiftExplore = "rift_explore"
	FlagYuanying    = "yuanying"
)

// PeriodicTasks lists every known task in scheduling order.
var PeriodicTasks = []PeriodicTask{
	{Name: "闭关修炼", Command: ".闭关修炼", Flag: FlagBiguan, Success: []string{"闭关成功", "进入闭关"}},
	{Name: "引道", Command: ".引道 水", Flag: FlagYindao, Success: []string{"你引动", "引道成功"}},
	{Name: "启阵", Command: ".启阵", Flag: FlagQizhen, Success: []string{"启阵成功", "阵法运转"}},
	{Name: "问道", Command: ".问道", Flag: FlagWendao, Success: []string{"问道成功", "问道完毕", "有所感悟", "领悟"}},
	{Name: "探寻裂缝", Command: ".探寻裂缝", Flag: FlagRiftExplore, Success: []string{"探寻成功", "遭遇风暴", "发现", "受创"}},
	{Name: "元婴出窍", Command: ".元婴出窍", Flag: FlagYuanying, Success: []string{"云游", "出窍成功", "元婴离体"}},
	{Name: "元婴状态", Command: ".元婴状态", Flag: FlagYuanying, Success: []string{"元婴状态", "元神", "归窍", "出窍", "温养"}},
}

var cooldownWords = []string{"冷却", "请在", "后再"}

// PeriodicOptions selects tasks by flag.
type PeriodicOptions struct {
	Enabled map[string]bool
	// Stagger spaces tasks that are due at the same time.
	Stagger time.Duration
}

type taskCooldown struct {
	LastExecute     time.Time `json:"last_execute,omitempty"`
	CooldownSeconds int64     `json:"cooldown_seconds"`
	NextExecute     time.Time `json:"next_execute,omitempty"`
}

type periodicState struct {
	Cooldowns map[string]taskCooldown `json:"cooldowns"`
}

// TaskStatus describes one task's cooldown.
type TaskStatus struct {
	Name        string
	Command     string
	Enabled     bool
	Cooldown    time.Duration
	NextExecute time.Time
	Ready       bool
}

// Periodic keeps the cooldown-driven tasks cycling.
type Periodic struct {
	env  Env
	opts PeriodicOptions

	mu     sync.Mutex
	state  periodicState
	loaded bool
}

func NewPeriodic(env Env, opts PeriodicOptions) *Periodic {
	if opts.Stagger <= 0 {
		opts.Stagger = DefaultStagger
	}
	return &Periodic{env: env.withDefaults(), opts: opts}
}

func (p *Periodic) Name() string { return "periodic" }

func (p *Periodic) enabled(t PeriodicTask) bool { return p.opts.Enabled[t.Flag] }

func (p *Periodic) Start(ctx context.Context) error {
	p.mu.Lock()
	err := p.loadLocked(ctx)
	st := p.snapshotLocked()
	p.mu.Unlock()

	now := p.env.now()
	offset := time.Duration(0)
	for _, t := range PeriodicTasks {
		if !p.enabled(t) {
			continue
		}
		at := st[t.Name].NextExecute
		if !at.After(now) {
			at = now.Add(offset)
			offset += p.opts.Stagger
		}
		p.enqueue(t, at)
	}
	return err
}

// Rescan queues every enabled task that has no live command, at its next
// execute time or now when overdue. It recovers tasks whose response was
// never seen.
func (p *Periodic) Rescan(ctx context.Context) int {
	p.mu.Lock()
	if err := p.loadLocked(ctx); err != nil {
		p.env.Log.Warn("periodic state load failed", logx.Err(err))
	}
	st := p.snapshotLocked()
	p.mu.Unlock()

	now := p.env.now()
	offset := time.Duration(0)
	n := 0
	for _, t := range PeriodicTasks {
		if !p.enabled(t) {
			continue
		}
		if s, ok := p.env.Queue.State(p.key(t)); ok && s.Live() {
			continue
		}
		at := st[t.Name].NextExecute
		if !at.After(now) {
			at = now.Add(offset)
			offset += p.opts.Stagger
		}
		if p.enqueue(t, at) {
			n++
		}
	}
	if n > 0 {
		p.env.Log.Info("periodic rescan requeued tasks", logx.Int("count", n))
	}
	return n
}

func (p *Periodic) key(t PeriodicTask) string { return commandKey("periodic", t.Command, p.env.ChatID) }

func (p *Periodic) enqueue(t PeriodicTask, at time.Time) bool {
	ok := p.env.Queue.Enqueue(queue.Command{
		Payload:   t.Command,
		NotBefore: at,
		Priority:  PeriodicPriority,
		Key:       p.key(t),
	})
	if ok {
		p.env.Log.Debug("periodic task queued",
			logx.String("task", t.Name),
			logx.Time("not_before", at),
		)
	}
	return ok
}

// HandleMessage recognises a task response, records the cooldown it
// implies and queues the next run.
func (p *Periodic) HandleMessage(ctx context.Context, m transport.Message) bool {
	t, ok := p.match(m.Text)
	if !ok {
		return false
	}
	cd := p.env.Resolver.ResolveWithFallback(m.Text, t.Command)
	now := p.env.now()
	next := now.Add(cd)

	p.mu.Lock()
	if err := p.loadLocked(ctx); err != nil {
		p.env.Log.Warn("periodic state load failed", logx.Err(err))
	}
	if p.state.Cooldowns == nil {
		p.state.Cooldowns = map[string]taskCooldown{}
	}
	p.state.Cooldowns[t.Name] = taskCooldown{
		LastExecute:     now,
		CooldownSeconds: int64(cd / time.Second),
		NextExecute:     next,
	}
	err := p.saveLocked(ctx)
	p.mu.Unlock()

	if err != nil {
		p.env.Log.Warn("periodic state save failed", logx.Err(err))
	}
	p.env.Log.Info("periodic cooldown recorded",
		logx.String("task", t.Name),
		logx.String("cooldown", cooldown.Format(cd)),
		logx.Time("next_execute", next),
	)
	if p.enabled(t) {
		p.enqueue(t, next.Add(readyMargin))
	}
	return true
}

// match finds the task a response belongs to: the text must name the task
// and read as a success or a cooldown notice.
func (p *Periodic) match(text string) (PeriodicTask, bool) {
	for _, t := range PeriodicTasks {
		if !containsAny(text, []string{t.Name, t.Command}) {
			continue
		}
		if containsAny(text, t.Success) || containsAny(text, cooldownWords) {
			return t, true
		}
	}
	return PeriodicTask{}, false
}

func (p *Periodic) Status() []TaskStatus {
	p.mu.Lock()
	st := p.snapshotLocked()
	p.mu.Unlock()

	now := p.env.now()
	out := make([]TaskStatus, 0, len(PeriodicTasks))
	for _, t := range PeriodicTasks {
		c := st[t.Name]
		out = append(out, TaskStatus{
			Name:        t.Name,
			Command:     t.Command,
			Enabled:     p.enabled(t),
			Cooldown:    time.Duration(c.CooldownSeconds) * time.Second,
			NextExecute: c.NextExecute,
			Ready:       !c.NextExecute.After(now),
		})
	}
	return out
}

func (p *Periodic) snapshotLocked() map[string]taskCooldown {
	out := make(map[string]taskCooldown, len(p.state.Cooldowns))
	for k, v := range p.state.Cooldowns {
		out[k] = v
	}
	return out
}

func (p *Periodic) loadLocked(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	doc := map[string]periodicState{}
	if _, err := storage.LoadJSON(ctx, p.env.Store, periodicDoc, &doc); err != nil {
		return err
	}
	p.state = doc[p.env.stateKey()+"_periodic"]
	p.loaded = true
	return nil
}

func (p *Periodic) saveLocked(ctx context.Context) error {
	doc := map[string]periodicState{}
	if _, err := storage.LoadJSON(ctx, p.env.Store, periodicDoc, &doc); err != nil {
		return err
	}
	doc[p.env.stateKey()+"_periodic"] = p.state
	return storage.SaveJSON(ctx, p.env.Store, periodicDoc, doc)
}
