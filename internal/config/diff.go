package config

import (
	"reflect"
	"sort"
	"strings"

	logx "alarmd/pkg/logx"
)

// RestartRequired lists sections that are only read at startup. A change is
// reported but takes effect after a restart.
var RestartRequired = map[string]bool{
	"storage": true,
	"store":   true,
	"probe":   true,
	"backend": true,
}

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens, passwords, DSNs) are only
// ever reported as "<name>_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.Key) != strings.TrimSpace(nS.Key) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.DSN != nS.DSN ||
		oS.Redis != nS.Redis {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", nS.DSN != ""),
			logx.String("storage.redis_addr", nS.Redis.Addr),
		)
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs, logx.String("store.cache_ttl", newCfg.Store.CacheTTL))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.String("scheduler.trigger_window", s.TriggerWindow),
			logx.String("scheduler.catchup_grace", s.CatchupGrace),
			logx.String("scheduler.attempt_interval", s.AttemptInterval),
			logx.String("scheduler.max_sleep", s.MaxSleep),
			logx.Int("scheduler.history_size", s.HistorySize),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		e := newCfg.Executor
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.fade_start_volume", e.FadeStartVolume),
			logx.Int("executor.fade_steps", e.FadeSteps),
			logx.String("executor.fade_interval", e.FadeInterval),
			logx.String("executor.attempt_timeout", e.AttemptTimeout),
		)
	}

	if oldCfg.Probe != newCfg.Probe {
		changed = append(changed, "probe")
		attrs = append(attrs,
			logx.String("probe.host", newCfg.Probe.Host),
			logx.Int("probe.port", newCfg.Probe.Port),
		)
	}

	oB, nB := oldCfg.Backend, newCfg.Backend
	if oB != nB {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.String("backend.kind", nB.Kind),
			logx.Bool("backend.spotify.client_id_set", nB.Spotify.ClientID != ""),
			logx.Bool("backend.spotify.client_secret_set", nB.Spotify.ClientSecret != ""),
			logx.String("backend.mqtt.broker", nB.MQTT.Broker),
		)
	}

	oN, nN := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Bool("notify.chat_set", nN.ChatID != 0),
			logx.Int("notify.event_filter_count", len(nN.Events)),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		o := newCfg.Ops
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", o.Enabled),
			logx.String("ops.addr", strings.TrimSpace(o.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(o.Token) != ""),
			logx.Bool("ops.allow_insecure", o.AllowInsecure),
			logx.Bool("ops.pprof", o.Pprof),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.String("housekeeping.probe_warm", newCfg.Housekeeping.ProbeWarm),
			logx.String("housekeeping.token_refresh", newCfg.Housekeeping.TokenRefresh),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}
