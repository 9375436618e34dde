package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tgsigner/pkg/logx"
)

// Change describes a config reload.
type Change struct {
	// Sections lists every top-level section that differs.
	Sections []string
	// Attrs are safe structured log fields (never the bot token).
	Attrs []logx.Field
	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Sections applied live by the running app. Everything else needs a restart.
var hotSections = map[string]bool{
	"logging":      true,
	"dispatcher":   true,
	"custom_rules": true,
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if !hotSections[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	// Telegram: never log the token, hash, phone or password.
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		mark("telegram",
			logx.Bool("telegram.account_changed", ot.AppID != nt.AppID || ot.AppHash != nt.AppHash || ot.Phone != nt.Phone || ot.Password != nt.Password),
			logx.Bool("telegram.session_changed", ot.Session != nt.Session),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Game != newCfg.Game {
		mark("game",
			logx.Int64("game.chat_id", newCfg.Game.ChatID),
			logx.String("game.account", newCfg.Game.Account),
			logx.String("game.timezone", newCfg.Game.Timezone),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		nd := newCfg.Dispatcher
		mark("dispatcher",
			logx.String("dispatcher.min_send_interval", nd.MinSendInterval),
			logx.Int("dispatcher.retry_priority", nd.RetryPriority),
			logx.Int("dispatcher.max_throttle_retries", nd.MaxThrottleRetries),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		mark("queue",
			logx.String("queue.state_retention", newCfg.Queue.StateRetention),
			logx.String("queue.prune_every", newCfg.Queue.PruneEvery),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cooldown, newCfg.Cooldown) {
		mark("cooldown", logx.Int("cooldown.override_count", len(newCfg.Cooldown.Overrides)))
	}

	if !reflect.DeepEqual(oldCfg.Daily, newCfg.Daily) {
		nd := newCfg.Daily
		mark("daily",
			logx.Bool("daily.sign_in", nd.SignInEnabled()),
			logx.Bool("daily.transmission", nd.TransmissionEnabled()),
			logx.Bool("daily.greeting", nd.GreetingEnabled()),
			logx.String("daily.reset_at", nd.ResetAt),
		)
	}

	if oldCfg.Periodic != newCfg.Periodic {
		mark("periodic", logx.String("periodic.rescan", newCfg.Periodic.Rescan))
	}

	if oldCfg.Garden != newCfg.Garden {
		mark("garden",
			logx.Bool("garden.enabled", newCfg.Garden.Enabled),
			logx.Bool("garden.irrigate", newCfg.Garden.EnableIrrigate),
		)
	}

	if !reflect.DeepEqual(oldCfg.Star, newCfg.Star) {
		mark("star",
			logx.Bool("star.enabled", newCfg.Star.Enabled),
			logx.Int("star.sequence_len", len(newCfg.Star.Sequence)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Activity, newCfg.Activity) {
		mark("activity",
			logx.Bool("activity.enabled", newCfg.Activity.IsEnabled()),
			logx.Int("activity.extra", len(newCfg.Activity.Extra)),
		)
	}

	if !reflect.DeepEqual(oldCfg.CustomRules, newCfg.CustomRules) {
		mark("custom_rules",
			logx.Int("custom_rules.count", len(newCfg.CustomRules)),
			logx.Int("custom_rules.enabled", countEnabledRules(newCfg.CustomRules)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduled, newCfg.Scheduled) {
		mark("scheduled", logx.Int("scheduled.count", len(newCfg.Scheduled)))
	}

	// Storage: nil means memory.
	var oldStore, newStore StorageConfig
	if oldCfg.Storage != nil {
		oldStore = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newStore = *newCfg.Storage
	}
	if oldStore != newStore {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(newStore.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newStore.Path) != ""),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}

func countEnabledRules(rules []CustomRuleConfig) int {
	n := 0
	for _, r := range rules {
		if r.IsEnabled() {
			n++
		}
	}
	return n
}
