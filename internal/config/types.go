package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("10s", "12h"). Schedules are cron
// expressions or descriptors ("0 0 * * *", "@every 5m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Game       GameConfig       `json:"game"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Queue      QueueConfig      `json:"queue"`
	Cooldown   CooldownConfig   `json:"cooldown"`
	Daily      DailyConfig      `json:"daily"`
	Periodic   PeriodicConfig   `json:"periodic"`
	Garden     GardenConfig     `json:"garden"`
	Star       StarConfig       `json:"star"`
	Activity   ActivityConfig   `json:"activity"`

	CustomRules []CustomRuleConfig `json:"custom_rules,omitempty"`
	Scheduled   []ScheduledConfig  `json:"scheduled,omitempty"`

	// Storage may be omitted; state then lives in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`
}

// TelegramConfig holds both Telegram identities.
//
// The game is played from a user account over MTProto (app_id, app_hash,
// phone, password, session): the game ignores commands posted by bots and
// the Bot API never delivers other bots' messages. The bot token is only
// used for the log chat and may be omitted when logging.telegram is off.
type TelegramConfig struct {
	AppID   int    `json:"app_id"`
	AppHash string `json:"app_hash"`
	Phone   string `json:"phone"`
	// Password is the two-step verification password, if the account has one.
	Password string `json:"password,omitempty"`
	// Session is the MTProto session file (default "./data/session.json").
	Session string `json:"session,omitempty"`

	Token string `json:"token,omitempty"`
	// GroupLog is the chat id (as a string) that receives forwarded log lines.
	GroupLog string `json:"group_log"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// GameConfig identifies the game group and the account playing in it.
type GameConfig struct {
	ChatID int64 `json:"chat_id"`
	// ThreadID targets a forum topic; 0 means the main thread.
	ThreadID int `json:"thread_id,omitempty"`
	// Account names the persisted state documents. Defaults to "default".
	Account string `json:"account,omitempty"`
	// Name is the in-game name, used to recognise replies addressed to us.
	Name string `json:"name,omitempty"`
	// Timezone decides when a new game day starts. Defaults to the local zone.
	Timezone string `json:"timezone,omitempty"`
}

// DispatcherConfig controls the send loop.
//
// Defaults (when fields are omitted/zero):
//   - min_send_interval: "10s"
//   - poll_interval: "1s"
//   - retry_buffer: "1s"
//   - retry_priority: 0
//   - max_throttle_retries: 5
//   - send_timeout: "30s"
//   - callback_timeout: "30s"
type DispatcherConfig struct {
	MinSendInterval    string `json:"min_send_interval,omitempty"`
	PollInterval       string `json:"poll_interval,omitempty"`
	RetryBuffer        string `json:"retry_buffer,omitempty"`
	RetryPriority      int    `json:"retry_priority,omitempty"`
	MaxThrottleRetries int    `json:"max_throttle_retries,omitempty"`
	SendTimeout        string `json:"send_timeout,omitempty"`
	CallbackTimeout    string `json:"callback_timeout,omitempty"`
}

type QueueConfig struct {
	// StateRetention keeps terminal command states queryable (default "24h").
	StateRetention string `json:"state_retention,omitempty"`
	// PruneEvery is the cron spec of the prune job (default "@every 30m").
	PruneEvery string `json:"prune_every,omitempty"`
}

type CooldownConfig struct {
	// Threshold is the smallest believable parsed cooldown for commands
	// whose default exceeds an hour (default "600s").
	Threshold string `json:"threshold,omitempty"`
	// Fallback applies to commands without a known default (default "30m").
	Fallback string `json:"fallback,omitempty"`
	// Overrides maps a command name to its default cooldown.
	Overrides map[string]string `json:"overrides,omitempty"`
}

// DailyConfig controls the once-a-day routine. Flags default to true.
type DailyConfig struct {
	EnableSignIn       *bool `json:"enable_sign_in,omitempty"`
	EnableTransmission *bool `json:"enable_transmission,omitempty"`
	EnableGreeting     *bool `json:"enable_greeting,omitempty"`
	// ResetAt is the cron spec of the daily reset (default "0 0 * * *").
	ResetAt string `json:"reset_at,omitempty"`
}

func (d DailyConfig) SignInEnabled() bool       { return boolOr(d.EnableSignIn, true) }
func (d DailyConfig) TransmissionEnabled() bool { return boolOr(d.EnableTransmission, true) }
func (d DailyConfig) GreetingEnabled() bool     { return boolOr(d.EnableGreeting, true) }

// PeriodicConfig toggles the cooldown-driven tasks. Flags default to false.
type PeriodicConfig struct {
	EnableBiguan      bool `json:"enable_biguan,omitempty"`
	EnableYindao      bool `json:"enable_yindao,omitempty"`
	EnableQizhen      bool `json:"enable_qizhen,omitempty"`
	EnableWendao      bool `json:"enable_wendao,omitempty"`
	EnableRiftExplore bool `json:"enable_rift_explore,omitempty"`
	EnableYuanying    bool `json:"enable_yuanying,omitempty"`

	// Stagger spaces tasks that are ready at startup (default "2s").
	Stagger string `json:"stagger,omitempty"`
	// Rescan is the cron spec of the recovery scan (default "@every 5m").
	Rescan string `json:"rescan,omitempty"`
}

// GardenConfig drives the herb garden. Disabled by default. The routine scan
// interval is the cooldown of "小药园" (cooldown.overrides).
type GardenConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Seed defaults to "凝血草种子".
	Seed string `json:"seed,omitempty"`
	// ExchangeCommand buys seeds when planting reports a shortage.
	ExchangeCommand string `json:"exchange_command,omitempty"`
	// EnableIrrigate keeps .灵树灌溉 cycling on its cooldown.
	EnableIrrigate bool `json:"enable_irrigate,omitempty"`

	PostMaintenanceRescan string `json:"post_maintenance_rescan,omitempty"` // default "30s"
	PostHarvestRescan     string `json:"post_harvest_rescan,omitempty"`     // default "20s"
	SeedShortageRetry     string `json:"seed_shortage_retry,omitempty"`     // default "10m"
}

// StarConfig drives the star observatory. Disabled by default.
type StarConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Sequence is the star pull rotation (default 天雷星, 赤血星, 庚金星).
	Sequence []string `json:"sequence,omitempty"`
}

// ActivityConfig answers game event prompts. Enabled by default.
type ActivityConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Extra adds patterns after the built-in ones.
	Extra []ActivityRuleConfig `json:"extra,omitempty"`
}

func (a ActivityConfig) IsEnabled() bool { return boolOr(a.Enabled, true) }

type ActivityRuleConfig struct {
	Name     string `json:"name"`
	Pattern  string `json:"pattern"`
	Response string `json:"response"`
	// Priority defaults to 0.
	Priority int `json:"priority,omitempty"`
	// Reply answers the prompt message itself.
	Reply bool `json:"reply,omitempty"`
}

// CustomRuleConfig answers a matching game message with a fixed command.
type CustomRuleConfig struct {
	Pattern  string `json:"pattern"`
	Response string `json:"response"`
	Cooldown string `json:"cooldown,omitempty"`
	// Priority defaults to 2.
	Priority *int  `json:"priority,omitempty"`
	Enabled  *bool `json:"enabled,omitempty"`
}

func (r CustomRuleConfig) IsEnabled() bool { return boolOr(r.Enabled, true) }

func (r CustomRuleConfig) PriorityOr(def int) int {
	if r.Priority == nil {
		return def
	}
	return *r.Priority
}

// ScheduledConfig sends Command on a schedule: a cron spec, a Go duration
// ("15m") or an HH:MM interval ("02:30").
type ScheduledConfig struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	Schedule string `json:"schedule"`
	Priority int    `json:"priority,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

func (s ScheduledConfig) IsEnabled() bool { return boolOr(s.Enabled, true) }

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tgsigner.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
