package rules

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"tgsigner/internal/queue"
	"tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

// ActivityPriority puts event answers ahead of everything else that is due.
const ActivityPriority = 0

// activityReplyWindow bounds how long a prompt stays a valid reply target.
const activityReplyWindow = 10 * time.Minute

// ActivityPattern answers a one-off game event. Any one of Patterns
// matching is enough.
type ActivityPattern struct {
	Name     string
	Patterns []string
	Response string
	Priority int
	// Reply sends the response as a reply to the prompt message.
	Reply bool
}

// DefaultActivities are the events answered with a fixed command. Events
// that need a free-form answer to a question are left to custom rules.
var DefaultActivities = []ActivityPattern{
	{
		Name: "魂魄献祭",
		Patterns: []string{
			`你感到一股无法抗拒的意志锁定了你的神魂`,
			`回复本消息\s+\.献上魂魄`,
			`回复本消息\s+\.收敛气息`,
		},
		Response: ".收敛气息",
		Reply:    true,
	},
	{
		Name: "天机考验",
		Patterns: []string{
			`【天机考验】.*请在.*使用\.我的宗门指令自省`,
			`天机有感.*道心.*蒙尘`,
		},
		Response: ".我的宗门",
	},
	{
		Name:     "洞府访客",
		Patterns: []string{`【洞府传音】`, `\.查看访客`},
		Response: ".查看访客",
	},
	{
		Name:     "接待访客",
		Patterns: []string{`使用\s+\.接待访客\s+或\s+\.驱逐访客`},
		Response: ".接待访客",
	},
}

type compiledActivity struct {
	ActivityPattern
	res []*regexp.Regexp
}

type activityPrompt struct {
	messageID int
	at        time.Time
}

// Activity answers event prompts posted by the game. It also tracks the
// prompt each queued answer should reply to.
type Activity struct {
	env     Env
	enabled bool
	acts    []compiledActivity

	mu      sync.Mutex
	prompts map[string]activityPrompt
}

// NewActivity compiles DefaultActivities followed by extra. A disabled
// module never claims a message.
func NewActivity(env Env, enabled bool, extra []ActivityPattern) (*Activity, error) {
	all := append(append([]ActivityPattern(nil), DefaultActivities...), extra...)
	acts, err := compileActivities(all)
	if err != nil {
		return nil, err
	}
	return &Activity{
		env:     env.withDefaults(),
		enabled: enabled,
		acts:    acts,
		prompts: map[string]activityPrompt{},
	}, nil
}

// CompileActivities validates activity patterns without installing them.
func CompileActivities(acts []ActivityPattern) error {
	_, err := compileActivities(acts)
	return err
}

func compileActivities(acts []ActivityPattern) ([]compiledActivity, error) {
	out := make([]compiledActivity, 0, len(acts))
	for i, a := range acts {
		if a.Response == "" {
			return nil, fmt.Errorf("activity %d (%s): response required", i, a.Name)
		}
		if len(a.Patterns) == 0 {
			return nil, fmt.Errorf("activity %d (%s): pattern required", i, a.Name)
		}
		c := compiledActivity{ActivityPattern: a}
		for _, p := range a.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("activity %d (%s): %w", i, a.Name, err)
			}
			c.res = append(c.res, re)
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *Activity) Name() string { return "activity" }

func (a *Activity) Start(context.Context) error { return nil }

func (a *Activity) HandleMessage(_ context.Context, m transport.Message) bool {
	if !a.enabled {
		return false
	}
	act, ok := a.match(m.Text)
	if !ok {
		return false
	}
	now := a.env.now()
	if act.Reply && m.ID > 0 {
		a.mu.Lock()
		a.prompts[act.Response] = activityPrompt{messageID: m.ID, at: now}
		a.mu.Unlock()
	}

	key := commandKey("activity", act.Response, a.env.ChatID)
	if !a.env.Queue.Enqueue(queue.Command{
		Payload:   act.Response,
		NotBefore: now,
		Priority:  act.Priority,
		Key:       key,
	}) {
		a.env.Log.Debug("activity answer already queued", logx.String("key", key))
		return true
	}
	a.env.Log.Info("activity recognised",
		logx.String("activity", act.Name),
		logx.String("response", act.Response),
		logx.Int("priority", act.Priority),
	)
	return true
}

func (a *Activity) match(text string) (compiledActivity, bool) {
	for _, act := range a.acts {
		for _, re := range act.res {
			if re.MatchString(text) {
				return act, true
			}
		}
	}
	return compiledActivity{}, false
}

// ReplyTo returns the prompt a queued answer belongs to, or 0.
func (a *Activity) ReplyTo(payload string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.prompts[payload]
	if !ok {
		return 0
	}
	if a.env.now().Sub(p.at) > activityReplyWindow {
		delete(a.prompts, payload)
		return 0
	}
	return p.messageID
}

func (a *Activity) NoteSent(context.Context, int) {}
