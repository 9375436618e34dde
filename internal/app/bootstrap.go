package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tgsigner/internal/config"
	"tgsigner/internal/cooldown"
	"tgsigner/internal/dispatcher"
	"tgsigner/internal/rules"
	logx "tgsigner/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logChat returns the Telegram log chat id, or 0 when unset.
func logChat(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	dc := cfg.Dispatcher
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	out := dispatcher.Config{
		MinInterval:        dur("dispatcher.min_send_interval", dc.MinSendInterval, dispatcher.DefaultMinInterval),
		PollInterval:       dur("dispatcher.poll_interval", dc.PollInterval, dispatcher.DefaultPollInterval),
		RetryBuffer:        dur("dispatcher.retry_buffer", dc.RetryBuffer, dispatcher.DefaultRetryBuffer),
		RetryPriority:      dc.RetryPriority,
		MaxThrottleRetries: dc.MaxThrottleRetries,
		SendTimeout:        dur("dispatcher.send_timeout", dc.SendTimeout, dispatcher.DefaultSendTimeout),
		CallbackTimeout:    dur("dispatcher.callback_timeout", dc.CallbackTimeout, dispatcher.DefaultCallbackTimeout),
	}
	return out, errors.Join(errs...)
}

func mapResolver(cfg *config.Config, log logx.Logger) (*cooldown.Resolver, error) {
	cc := cfg.Cooldown
	threshold, err := config.ParseDurationOrDefault("cooldown.threshold", cc.Threshold, cooldown.DefaultThreshold)
	if err != nil {
		return nil, err
	}
	table := cooldown.DefaultTable()
	if table.Fallback, err = config.ParseDurationOrDefault("cooldown.fallback", cc.Fallback, cooldown.DefaultFallback); err != nil {
		return nil, err
	}
	overrides := make(map[string]time.Duration, len(cc.Overrides))
	for name, raw := range cc.Overrides {
		d, err := config.ParseDurationField("cooldown.overrides."+name, raw)
		if err != nil {
			return nil, err
		}
		overrides[name] = d
	}
	return cooldown.NewResolver(table.WithOverrides(overrides),
		cooldown.WithThreshold(threshold),
		cooldown.WithLogger(log),
	), nil
}

func mapDailyOptions(cfg *config.Config) rules.DailyOptions {
	return rules.DailyOptions{
		SignIn:       cfg.Daily.SignInEnabled(),
		Transmission: cfg.Daily.TransmissionEnabled(),
		Greeting:     cfg.Daily.GreetingEnabled(),
	}
}

func mapPeriodicOptions(cfg *config.Config) rules.PeriodicOptions {
	pc := cfg.Periodic
	return rules.PeriodicOptions{
		Enabled: map[string]bool{
			rules.FlagBiguan:      pc.EnableBiguan,
			rules.FlagYindao:      pc.EnableYindao,
			rules.FlagQizhen:      pc.EnableQizhen,
			rules.FlagWendao:      pc.EnableWendao,
			rules.FlagRiftExplore: pc.EnableRiftExplore,
			rules.FlagYuanying:    pc.EnableYuanying,
		},
		Stagger: config.MustDurationOrDefault(pc.Stagger, config.DefaultStagger),
	}
}

func mapGardenOptions(cfg *config.Config) (rules.GardenOptions, error) {
	gc := cfg.Garden
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	return rules.GardenOptions{
		Enabled:               gc.Enabled,
		Seed:                  strings.TrimSpace(gc.Seed),
		ExchangeCommand:       strings.TrimSpace(gc.ExchangeCommand),
		Irrigate:              gc.EnableIrrigate,
		PostMaintenanceRescan: dur("garden.post_maintenance_rescan", gc.PostMaintenanceRescan, rules.DefaultPostMaintenanceRescan),
		PostHarvestRescan:     dur("garden.post_harvest_rescan", gc.PostHarvestRescan, rules.DefaultPostHarvestRescan),
		SeedShortageRetry:     dur("garden.seed_shortage_retry", gc.SeedShortageRetry, rules.DefaultSeedShortageRetry),
	}, errors.Join(errs...)
}

func mapStarOptions(cfg *config.Config) rules.StarOptions {
	seq := make([]string, 0, len(cfg.Star.Sequence))
	for _, s := range cfg.Star.Sequence {
		if s = strings.TrimSpace(s); s != "" {
			seq = append(seq, s)
		}
	}
	return rules.StarOptions{Enabled: cfg.Star.Enabled, Sequence: seq}
}

// mapActivities returns the configured extra patterns; the built-in ones are
// always installed.
func mapActivities(cfg *config.Config) []rules.ActivityPattern {
	out := make([]rules.ActivityPattern, 0, len(cfg.Activity.Extra))
	for i, a := range cfg.Activity.Extra {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			name = fmt.Sprintf("extra[%d]", i)
		}
		out = append(out, rules.ActivityPattern{
			Name:     name,
			Patterns: []string{a.Pattern},
			Response: strings.TrimSpace(a.Response),
			Priority: a.Priority,
			Reply:    a.Reply,
		})
	}
	return out
}

// mapCustomRules keeps enabled rules only.
func mapCustomRules(cfg *config.Config) ([]rules.CustomRule, error) {
	out := make([]rules.CustomRule, 0, len(cfg.CustomRules))
	for i, r := range cfg.CustomRules {
		if !r.IsEnabled() {
			continue
		}
		cd, err := config.ParseDurationOrDefault(fmt.Sprintf("custom_rules[%d].cooldown", i), r.Cooldown, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, rules.CustomRule{
			Pattern:  r.Pattern,
			Response: r.Response,
			Cooldown: cd,
			Priority: r.PriorityOr(config.DefaultCustomPriority),
		})
	}
	return out, nil
}

func mapScheduledJobs(cfg *config.Config) []rules.ScheduledJob {
	out := make([]rules.ScheduledJob, 0, len(cfg.Scheduled))
	for _, s := range cfg.Scheduled {
		if !s.IsEnabled() {
			continue
		}
		out = append(out, rules.ScheduledJob{
			Name:     strings.TrimSpace(s.Name),
			Command:  s.Command,
			Schedule: s.Schedule,
			Priority: s.Priority,
		})
	}
	return out
}

// validateRuntime checks what config.Validate cannot: values that only make
// sense to the components built from them.
func validateRuntime(cfg *config.Config) error {
	var errs []error
	if _, err := mapDispatcherConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapResolver(cfg, logx.Nop()); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapGardenOptions(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := rules.CompileActivities(mapActivities(cfg)); err != nil {
		errs = append(errs, err)
	}
	if cr, err := mapCustomRules(cfg); err != nil {
		errs = append(errs, err)
	} else if err := rules.CompileRules(cr); err != nil {
		errs = append(errs, err)
	}
	for _, j := range mapScheduledJobs(cfg) {
		if _, err := rules.ParseSchedule(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("scheduled %q: %w", j.Name, err))
		}
	}
	if _, err := config.LoadLocation(cfg.Game.Timezone); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
