package config

// Config is the root of timerbot's configuration file (JSON or YAML).
type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	ESI      ESIConfig       `json:"esi"`
	Relay    RelayConfig     `json:"relay"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Ops      OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
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

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./timerbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/timerbot?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres only (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ESIConfig points the upstream client at ESI and the EVE SSO token endpoint.
type ESIConfig struct {
	BaseURL      string `json:"base_url,omitempty"`   // default: https://esi.evetech.net/latest
	TokenURL     string `json:"token_url,omitempty"`  // default: https://login.eveonline.com/v2/oauth/token
	RevokeURL    string `json:"revoke_url,omitempty"` // default: https://login.eveonline.com/v2/oauth/revoke
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	UserAgent    string `json:"user_agent,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// RelayConfig tunes the pollers and the alerting policy.
//
// All durations are Go duration strings. Defaults:
//   - notification_interval: "51s", notification_phases: 12
//   - structure_interval: "301s", structure_phases: 12
//   - reminder_interval: "42h"
//   - cleanup_interval: "1h", event_retention: "48h"
//   - account_timeout: "45s"
//   - warning_cooldown: "24h", warning_cache_size: 4096
//   - deregister_threshold: 100
//   - fuel_thresholds: [30, 15, 7, 3, 2, 1, 0]
//   - downtime_start: "11:00" (UTC), downtime_window: "10m", downtime_buffer: "1h"
type RelayConfig struct {
	NotificationInterval string `json:"notification_interval,omitempty"`
	NotificationPhases   int    `json:"notification_phases,omitempty"`
	StructureInterval    string `json:"structure_interval,omitempty"`
	StructurePhases      int    `json:"structure_phases,omitempty"`
	ReminderInterval     string `json:"reminder_interval,omitempty"`
	CleanupInterval      string `json:"cleanup_interval,omitempty"`
	EventRetention       string `json:"event_retention,omitempty"`
	AccountTimeout       string `json:"account_timeout,omitempty"`

	WarningCooldown     string `json:"warning_cooldown,omitempty"`
	WarningCacheSize    int    `json:"warning_cache_size,omitempty"`
	DeregisterThreshold int    `json:"deregister_threshold,omitempty"`
	FuelThresholds      []int  `json:"fuel_thresholds,omitempty"`

	DowntimeStart  string `json:"downtime_start,omitempty"`
	DowntimeWindow string `json:"downtime_window,omitempty"`
	DowntimeBuffer string `json:"downtime_buffer,omitempty"`
}

// NotifierConfig controls the delivery gateway.
//
// If the whole section is omitted, defaults apply.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// OpsConfig controls the operator HTTP server (health, metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
