package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"alarmd/internal/config"
	"alarmd/internal/executor"
	"alarmd/internal/notify"
	"alarmd/internal/ops"
	"alarmd/internal/playback/mqtt"
	"alarmd/internal/playback/spotify"
	"alarmd/internal/probe"
	"alarmd/internal/scheduler"
	"alarmd/internal/storage"
	"alarmd/internal/store"
	logx "alarmd/pkg/logx"
)

// Settings-to-component mapping. Every map function returns the first
// malformed field; Validate has already rejected most of them, so errors
// here mean a caller skipped validation.

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("storage.poll_interval", s.PollInterval, storage.DefaultPollInterval)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.TrimSpace(s.Driver),
		Path:         strings.TrimSpace(s.Path),
		DSN:          s.DSN,
		Key:          strings.TrimSpace(s.Key),
		BusyTimeout:  busy,
		PollInterval: poll,
		Redis: storage.RedisConfig{
			Addr:     s.Redis.Addr,
			Username: s.Redis.Username,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		},
	}, nil
}

func mapStore(cfg *config.Config) (store.Config, error) {
	ttl, err := config.ParseDurationOrDefault("store.cache_ttl", cfg.Store.CacheTTL, time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{CacheTTL: ttl}, nil
}

// location resolves scheduler.timezone; empty means host local time.
func location(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	loc, err := location(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	out := scheduler.Config{Location: loc, HistorySize: s.HistorySize}
	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"scheduler.trigger_window", s.TriggerWindow, &out.Window},
		{"scheduler.catchup_grace", s.CatchupGrace, &out.CatchupGrace},
		{"scheduler.attempt_interval", s.AttemptInterval, &out.AttemptInterval},
		{"scheduler.idle_ceiling", s.IdleCeiling, &out.IdleCeiling},
		{"scheduler.max_sleep", s.MaxSleep, &out.MaxSleep},
		{"scheduler.miss_pause", s.MissPause, &out.MissPause},
	} {
		d, err := config.ParseDurationField(f.key, f.raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

// mapExecutor shares the trigger window with the scheduler so both agree on
// what counts as on time.
func mapExecutor(cfg *config.Config) (executor.Config, error) {
	e := cfg.Executor
	window, err := config.ParseDurationField("scheduler.trigger_window", cfg.Scheduler.TriggerWindow)
	if err != nil {
		return executor.Config{}, err
	}
	fade, err := config.ParseDurationField("executor.fade_interval", e.FadeInterval)
	if err != nil {
		return executor.Config{}, err
	}
	timeout, err := config.ParseDurationField("executor.attempt_timeout", e.AttemptTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Window:          window,
		FadeStartVolume: e.FadeStartVolume,
		FadeSteps:       e.FadeSteps,
		FadeInterval:    fade,
		AttemptTimeout:  timeout,
	}, nil
}

func mapProbe(cfg *config.Config) (probe.Config, error) {
	p := cfg.Probe
	out := probe.Config{Host: strings.TrimSpace(p.Host)}
	if p.Port > 0 {
		out.Port = strconv.Itoa(p.Port)
	}
	if out.Host == "" && backendKind(cfg) == "mqtt" {
		// reachability of the broker is what matters for mqtt players
		if host, port, ok := brokerHostPort(cfg.Backend.MQTT.Broker); ok {
			out.Host = host
			if out.Port == "" {
				out.Port = port
			}
		}
	}
	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"probe.dial_timeout", p.DialTimeout, &out.Timeout},
		{"probe.clock_ttl", p.ClockTTL, &out.ClockTTL},
		{"probe.network_ttl", p.NetworkTTL, &out.NetworkTTL},
		{"probe.dns_ttl", p.DNSTTL, &out.DNSTTL},
		{"probe.max_clock_skew", p.MaxClockSkew, &out.MaxClockSkew},
	} {
		d, err := config.ParseDurationField(f.key, f.raw)
		if err != nil {
			return probe.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

// brokerHostPort splits "tcp://host:1883" style broker URLs.
func brokerHostPort(broker string) (string, string, bool) {
	b := strings.TrimSpace(broker)
	if i := strings.Index(b, "://"); i >= 0 {
		b = b[i+3:]
	}
	b = strings.TrimRight(b, "/")
	if b == "" {
		return "", "", false
	}
	host, port, found := strings.Cut(b, ":")
	if !found || port == "" {
		port = "1883"
	}
	return host, port, host != ""
}

func backendKind(cfg *config.Config) string {
	k := strings.ToLower(strings.TrimSpace(cfg.Backend.Kind))
	if k == "" {
		return "spotify"
	}
	return k
}

func mapSpotify(cfg *config.Config) (spotify.Config, error) {
	s := cfg.Backend.Spotify
	timeout, err := config.ParseDurationField("backend.spotify.timeout", s.Timeout)
	if err != nil {
		return spotify.Config{}, err
	}
	return spotify.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		APIURL:       s.APIURL,
		AccountsURL:  s.AccountsURL,
		RatePerSec:   float64(s.RatePerSec),
		Timeout:      timeout,
	}, nil
}

func mapMQTT(cfg *config.Config) (mqtt.Config, error) {
	m := cfg.Backend.MQTT
	connect, err := config.ParseDurationField("backend.mqtt.connect_timeout", m.ConnectTimeout)
	if err != nil {
		return mqtt.Config{}, err
	}
	publish, err := config.ParseDurationField("backend.mqtt.publish_timeout", m.PublishTimeout)
	if err != nil {
		return mqtt.Config{}, err
	}
	return mqtt.Config{
		Broker:         m.Broker,
		ClientID:       m.ClientID,
		Username:       m.Username,
		Password:       m.Password,
		Prefix:         m.Prefix,
		ConnectTimeout: connect,
		PublishTimeout: publish,
	}, nil
}

func mapNotify(cfg *config.Config, loc *time.Location) notify.Config {
	if cfg.Notify == nil {
		return notify.Config{}
	}
	n := cfg.Notify
	return notify.Config{
		Enabled:     n.Enabled && strings.TrimSpace(n.Token) != "" && n.ChatID != 0,
		Target:      notify.Target{ChatID: n.ChatID, ThreadID: n.ThreadID},
		Events:      append([]string(nil), n.Events...),
		Location:    loc,
		RetryMax:    2,
		DedupWindow: 30 * time.Second,
	}
}

func notifyToken(cfg *config.Config) string {
	if cfg.Notify == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Notify.Token)
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		RatePerMin:    o.RatePerMin,
		Pprof:         o.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// zero keeps long pprof profiles working
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}
