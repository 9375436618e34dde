package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"tgsigner/internal/queue"
	"tgsigner/internal/storage"
	"tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

const (
	customDoc = "custom_rules"

	DefaultCustomPriority = 2

	cooldownPrefix = "rule_cooldown_"
)

// CustomRule answers a message matching Pattern with Response.
type CustomRule struct {
	Pattern  string
	Response string
	// Cooldown suppresses repeat triggers. Zero means every match fires.
	Cooldown time.Duration
	Priority int
}

type compiledRule struct {
	CustomRule
	re *regexp.Regexp
}

// CompileRules validates rules without installing them.
func CompileRules(rules []CustomRule) error {
	_, err := compileRules(rules)
	return err
}

func compileRules(rules []CustomRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("custom rule %d: %w", i, err)
		}
		if r.Response == "" {
			return nil, fmt.Errorf("custom rule %d: response required", i)
		}
		out = append(out, compiledRule{CustomRule: r, re: re})
	}
	return out, nil
}

// Custom is the catch-all module for user-defined responses. Its rule set
// can be replaced while running.
type Custom struct {
	env Env

	mu       sync.Mutex
	rules    []compiledRule
	triggers map[string]time.Time
	loaded   bool
}

func NewCustom(env Env, rules []CustomRule) (*Custom, error) {
	c := &Custom{env: env.withDefaults()}
	if err := c.SetRules(rules); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Custom) Name() string { return "custom" }

// SetRules swaps the rule set. On error the old rules stay.
func (c *Custom) SetRules(rules []CustomRule) error {
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rules = compiled
	c.mu.Unlock()
	c.env.Log.Info("custom rules installed", logx.Int("count", len(compiled)))
	return nil
}

func (c *Custom) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

// HandleMessage fires every matching rule whose cooldown has passed.
func (c *Custom) HandleMessage(ctx context.Context, m transport.Message) bool {
	now := c.env.now()

	c.mu.Lock()
	if err := c.loadLocked(ctx); err != nil {
		c.env.Log.Warn("custom rule state load failed", logx.Err(err))
	}
	var fire []compiledRule
	for _, r := range c.rules {
		if !r.re.MatchString(m.Text) {
			continue
		}
		if last, ok := c.triggers[r.Pattern]; ok && r.Cooldown > 0 && now.Sub(last) < r.Cooldown {
			c.env.Log.Debug("custom rule cooling down",
				logx.String("pattern", r.Pattern),
				logx.Duration("remaining", r.Cooldown-now.Sub(last)),
			)
			continue
		}
		fire = append(fire, r)
	}

	queued := 0
	for _, r := range fire {
		key := commandKey("custom", r.Pattern, c.env.ChatID)
		ok := c.env.Queue.Enqueue(queue.Command{
			Payload:   r.Response,
			NotBefore: now,
			Priority:  r.Priority,
			Key:       key,
		})
		if !ok {
			continue
		}
		c.triggers[r.Pattern] = now
		queued++
		c.env.Log.Info("custom rule triggered",
			logx.String("pattern", r.Pattern),
			logx.String("response", r.Response),
		)
	}
	var err error
	if queued > 0 {
		err = storage.SaveJSON(ctx, c.env.Store, customDoc, c.docLocked())
	}
	c.mu.Unlock()

	if err != nil {
		c.env.Log.Warn("custom rule state save failed", logx.Err(err))
	}
	return queued > 0
}

func (c *Custom) docLocked() map[string]time.Time {
	doc := make(map[string]time.Time, len(c.triggers))
	for p, t := range c.triggers {
		doc[cooldownPrefix+p] = t
	}
	return doc
}

// loadLocked merges persisted trigger times into memory once. A failed load
// keeps the in-memory triggers and is retried on the next call.
func (c *Custom) loadLocked(ctx context.Context) error {
	if c.triggers == nil {
		c.triggers = map[string]time.Time{}
	}
	if c.loaded {
		return nil
	}
	doc := map[string]time.Time{}
	if _, err := storage.LoadJSON(ctx, c.env.Store, customDoc, &doc); err != nil {
		return err
	}
	for k, t := range doc {
		p, ok := strings.CutPrefix(k, cooldownPrefix)
		if !ok {
			continue
		}
		if cur, seen := c.triggers[p]; seen && cur.After(t) {
			continue
		}
		c.triggers[p] = t
	}
	c.loaded = true
	return nil
}
