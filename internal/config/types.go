package config

// Config is the daemon settings file. It configures the process; the alarm
// record itself lives in the configured storage backend.
//
// All durations are Go duration strings ("500ms", "90s", "10m"). Empty or
// zero values select the component default.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Store        StoreConfig        `json:"store,omitempty"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Executor     ExecutorConfig     `json:"executor,omitempty"`
	Probe        ProbeConfig        `json:"probe,omitempty"`
	Backend      BackendConfig      `json:"backend"`
	Notify       *NotifyConfig      `json:"notify,omitempty"`
	Ops          OpsConfig          `json:"ops,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	JSON     bool            `json:"json,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the notify chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects where the alarm record is persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./alarm.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; may carry a password (do not log)
	Key         string `json:"key,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	// PollInterval paces change detection for sqlite, postgres and redis.
	PollInterval string `json:"poll_interval,omitempty"`

	Redis RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type StoreConfig struct {
	CacheTTL string `json:"cache_ttl,omitempty"`
}

// SchedulerConfig controls when occurrences are attempted.
//
// Defaults:
//   - timezone: host local time
//   - trigger_window: "90s"
//   - attempt_interval: "5s"
//   - idle_ceiling: "60s"
//   - max_sleep: "10m"
//   - miss_pause: "1s"
//   - catchup_grace: "0s" (late catch-up disabled)
//   - history_size: 20
type SchedulerConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	TriggerWindow   string `json:"trigger_window,omitempty"`
	AttemptInterval string `json:"attempt_interval,omitempty"`
	IdleCeiling     string `json:"idle_ceiling,omitempty"`
	MaxSleep        string `json:"max_sleep,omitempty"`
	MissPause       string `json:"miss_pause,omitempty"`
	CatchupGrace    string `json:"catchup_grace,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

type ExecutorConfig struct {
	FadeStartVolume int    `json:"fade_start_volume,omitempty"`
	FadeSteps       int    `json:"fade_steps,omitempty"`
	FadeInterval    string `json:"fade_interval,omitempty"`
	AttemptTimeout  string `json:"attempt_timeout,omitempty"`
}

type ProbeConfig struct {
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	DialTimeout  string `json:"dial_timeout,omitempty"`
	ClockTTL     string `json:"clock_ttl,omitempty"`
	NetworkTTL   string `json:"network_ttl,omitempty"`
	DNSTTL       string `json:"dns_ttl,omitempty"`
	MaxClockSkew string `json:"max_clock_skew,omitempty"`
}

// BackendConfig selects the playback backend: "spotify" (default) or "mqtt".
type BackendConfig struct {
	Kind    string        `json:"kind"`
	Spotify SpotifyConfig `json:"spotify,omitempty"`
	MQTT    MQTTConfig    `json:"mqtt,omitempty"`
}

// SpotifyConfig configures the Web API client. The refresh token is never
// part of the settings file; it lives in the OS keyring (see "alarmd auth").
type SpotifyConfig struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"` // do not log
	APIURL       string `json:"api_url,omitempty"`
	AccountsURL  string `json:"accounts_url,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	// CredentialFile is the fallback location of the refresh token on hosts
	// without a keyring service.
	CredentialFile string `json:"credential_file,omitempty"`
}

type MQTTConfig struct {
	Broker         string `json:"broker,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"` // do not log
	Prefix         string `json:"prefix,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
}

// NotifyConfig sends alarm events (and optionally log lines) to a Telegram
// chat. Omit the section to disable notifications.
type NotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // do not log
	ChatID  int64  `json:"chat_id"`
	// ThreadID targets a forum topic. Zero posts to the main chat.
	ThreadID int `json:"thread_id,omitempty"`
	// Events limits which alarm events are sent. Empty sends all.
	Events []string `json:"events,omitempty"`
}

// OpsConfig controls the operations HTTP server (health, status, metrics,
// pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// RatePerMin limits requests per client IP. Zero uses 120.
	RatePerMin int  `json:"rate_per_min,omitempty"`
	Pprof      bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// HousekeepingConfig holds cron specs (seconds field optional) for periodic
// jobs. Empty disables the job.
type HousekeepingConfig struct {
	ProbeWarm    string `json:"probe_warm,omitempty"`
	TokenRefresh string `json:"token_refresh,omitempty"`
}
