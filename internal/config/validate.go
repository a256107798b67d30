package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"alarmd/internal/housekeeping"
)

var (
	storageDrivers = []string{"", "file", "sqlite", "sqlite3", "postgres", "postgresql", "redis", "badger", "memory"}
	backendKinds   = []string{"", "spotify", "mqtt"}
	notifyEvents   = []string{"armed", "fired", "attempt_failed", "missed"}
)

// Validate reports every problem found in cfg, joined into one error.
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

	for path, raw := range map[string]string{
		"storage.busy_timeout":         cfg.Storage.BusyTimeout,
		"storage.poll_interval":        cfg.Storage.PollInterval,
		"store.cache_ttl":              cfg.Store.CacheTTL,
		"scheduler.trigger_window":     cfg.Scheduler.TriggerWindow,
		"scheduler.attempt_interval":   cfg.Scheduler.AttemptInterval,
		"scheduler.idle_ceiling":       cfg.Scheduler.IdleCeiling,
		"scheduler.max_sleep":          cfg.Scheduler.MaxSleep,
		"scheduler.miss_pause":         cfg.Scheduler.MissPause,
		"scheduler.catchup_grace":      cfg.Scheduler.CatchupGrace,
		"executor.fade_interval":       cfg.Executor.FadeInterval,
		"executor.attempt_timeout":     cfg.Executor.AttemptTimeout,
		"probe.dial_timeout":           cfg.Probe.DialTimeout,
		"probe.clock_ttl":              cfg.Probe.ClockTTL,
		"probe.network_ttl":            cfg.Probe.NetworkTTL,
		"probe.dns_ttl":                cfg.Probe.DNSTTL,
		"probe.max_clock_skew":         cfg.Probe.MaxClockSkew,
		"backend.spotify.timeout":      cfg.Backend.Spotify.Timeout,
		"backend.mqtt.connect_timeout": cfg.Backend.MQTT.ConnectTimeout,
		"backend.mqtt.publish_timeout": cfg.Backend.MQTT.PublishTimeout,
		"ops.read_timeout":             cfg.Ops.ReadTimeout,
		"ops.write_timeout":            cfg.Ops.WriteTimeout,
		"ops.idle_timeout":             cfg.Ops.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Scheduler.HistorySize < 0 {
		add(errors.New("scheduler.history_size must be >= 0"))
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !oneOf(driver, storageDrivers) {
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	switch driver {
	case "sqlite", "sqlite3", "badger":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", driver))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			add(errors.New("storage.redis.addr is required when storage.driver=redis"))
		}
	}

	if v := cfg.Executor.FadeStartVolume; v < 0 || v > 100 {
		add(errors.New("executor.fade_start_volume must be within 0..100"))
	}
	if cfg.Executor.FadeSteps < 0 {
		add(errors.New("executor.fade_steps must be >= 0"))
	}
	if p := cfg.Probe.Port; p < 0 || p > 65535 {
		add(errors.New("probe.port must be within 0..65535"))
	}

	kind := strings.ToLower(strings.TrimSpace(cfg.Backend.Kind))
	if !oneOf(kind, backendKinds) {
		add(fmt.Errorf("backend.kind: unknown backend %q", cfg.Backend.Kind))
	}
	if kind == "mqtt" && strings.TrimSpace(cfg.Backend.MQTT.Broker) == "" {
		add(errors.New("backend.mqtt.broker is required when backend.kind=mqtt"))
	}
	if cfg.Backend.Spotify.RatePerSec < 0 {
		add(errors.New("backend.spotify.rate_per_sec must be >= 0"))
	}

	if n := cfg.Notify; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			add(errors.New("notify.token is required when notify.enabled"))
		}
		if n.ChatID == 0 {
			add(errors.New("notify.chat_id is required when notify.enabled"))
		}
		for _, ev := range n.Events {
			if !oneOf(strings.TrimSpace(ev), notifyEvents) {
				add(fmt.Errorf("notify.events: unknown event %q", ev))
			}
		}
	}
	if cfg.Logging.Telegram.Enabled && (cfg.Notify == nil || !cfg.Notify.Enabled) {
		add(errors.New("logging.telegram requires notify.enabled"))
	}

	if cfg.Ops.RatePerMin < 0 {
		add(errors.New("ops.rate_per_min must be >= 0"))
	}

	for path, spec := range map[string]string{
		"housekeeping.probe_warm":    cfg.Housekeeping.ProbeWarm,
		"housekeeping.token_refresh": cfg.Housekeeping.TokenRefresh,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := housekeeping.Parser.Parse(spec); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}

	return errors.Join(errs...)
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
