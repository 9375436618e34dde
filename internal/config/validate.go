package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultResetAt        = "0 0 * * *"
	DefaultPruneEvery     = "@every 30m"
	DefaultRescan         = "@every 5m"
	DefaultStateRetention = 24 * time.Hour
	DefaultStagger        = 2 * time.Second
	DefaultCustomPriority = 2

	maxPriority = 3
)

// Validate checks everything that can be checked without side effects.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	tg := cfg.Telegram
	if tg.AppID <= 0 {
		add(errors.New("telegram.app_id is required"))
	}
	if strings.TrimSpace(tg.AppHash) == "" {
		add(errors.New("telegram.app_hash is required"))
	}
	if strings.TrimSpace(tg.Phone) == "" {
		add(errors.New("telegram.phone is required"))
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(tg.Token) == "" {
		add(errors.New("telegram.token is required when logging.telegram.enabled is set"))
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: want a numeric chat id, got %q", g))
		}
	}

	if cfg.Game.ChatID == 0 {
		add(errors.New("game.chat_id is required"))
	}
	_, err := LoadLocation(cfg.Game.Timezone)
	add(err)

	d := cfg.Dispatcher
	for path, raw := range map[string]string{
		"dispatcher.min_send_interval":   d.MinSendInterval,
		"dispatcher.poll_interval":       d.PollInterval,
		"dispatcher.retry_buffer":        d.RetryBuffer,
		"dispatcher.send_timeout":        d.SendTimeout,
		"dispatcher.callback_timeout":    d.CallbackTimeout,
		"queue.state_retention":          cfg.Queue.StateRetention,
		"cooldown.threshold":             cfg.Cooldown.Threshold,
		"cooldown.fallback":              cfg.Cooldown.Fallback,
		"periodic.stagger":               cfg.Periodic.Stagger,
		"garden.post_maintenance_rescan": cfg.Garden.PostMaintenanceRescan,
		"garden.post_harvest_rescan":     cfg.Garden.PostHarvestRescan,
		"garden.seed_shortage_retry":     cfg.Garden.SeedShortageRetry,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if d.RetryPriority < 0 || d.RetryPriority > maxPriority {
		add(fmt.Errorf("dispatcher.retry_priority must be within 0..%d", maxPriority))
	}
	if d.MaxThrottleRetries < 0 {
		add(errors.New("dispatcher.max_throttle_retries must be >= 0"))
	}
	for cmd, raw := range cfg.Cooldown.Overrides {
		_, err := ParseDurationField("cooldown.overrides."+cmd, raw)
		add(err)
	}

	add(checkCron("queue.prune_every", cfg.Queue.PruneEvery))
	add(checkCron("daily.reset_at", cfg.Daily.ResetAt))
	add(checkCron("periodic.rescan", cfg.Periodic.Rescan))

	for i, r := range cfg.CustomRules {
		path := fmt.Sprintf("custom_rules[%d]", i)
		if strings.TrimSpace(r.Pattern) == "" {
			add(fmt.Errorf("%s.pattern is required", path))
		} else if _, err := regexp.Compile(r.Pattern); err != nil {
			add(fmt.Errorf("%s.pattern: %w", path, err))
		}
		if strings.TrimSpace(r.Response) == "" {
			add(fmt.Errorf("%s.response is required", path))
		}
		_, err := ParseDurationField(path+".cooldown", r.Cooldown)
		add(err)
		if p := r.PriorityOr(DefaultCustomPriority); p < 0 || p > maxPriority {
			add(fmt.Errorf("%s.priority must be within 0..%d", path, maxPriority))
		}
	}

	for i, star := range cfg.Star.Sequence {
		if strings.TrimSpace(star) == "" {
			add(fmt.Errorf("star.sequence[%d] is empty", i))
		}
	}

	for i, r := range cfg.Activity.Extra {
		path := fmt.Sprintf("activity.extra[%d]", i)
		if strings.TrimSpace(r.Pattern) == "" {
			add(fmt.Errorf("%s.pattern is required", path))
		} else if _, err := regexp.Compile(r.Pattern); err != nil {
			add(fmt.Errorf("%s.pattern: %w", path, err))
		}
		if strings.TrimSpace(r.Response) == "" {
			add(fmt.Errorf("%s.response is required", path))
		}
		if r.Priority < 0 || r.Priority > maxPriority {
			add(fmt.Errorf("%s.priority must be within 0..%d", path, maxPriority))
		}
	}

	seen := map[string]bool{}
	for i, s := range cfg.Scheduled {
		path := fmt.Sprintf("scheduled[%d]", i)
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			add(fmt.Errorf("%s.name is required", path))
		case seen[name]:
			add(fmt.Errorf("%s.name %q is duplicated", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(s.Command) == "" {
			add(fmt.Errorf("%s.command is required", path))
		}
		if strings.TrimSpace(s.Schedule) == "" {
			add(fmt.Errorf("%s.schedule is required", path))
		}
		if s.Priority < 0 || s.Priority > maxPriority {
			add(fmt.Errorf("%s.priority must be within 0..%d", path, maxPriority))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	return errors.Join(errs...)
}

func checkCron(path, spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// LoadLocation resolves a timezone name; empty means time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("game.timezone: %w", err)
	}
	return loc, nil
}

// Or returns raw, or def when raw is blank.
func Or(raw, def string) string {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	return raw
}
