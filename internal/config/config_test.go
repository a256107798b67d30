package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: file
  path: ./alarm.json
scheduler:
  timezone: Europe/Berlin
  trigger_window: 90s
  catchup_grace: 10m
backend:
  kind: spotify
  spotify:
    client_id: abc
housekeeping:
  probe_warm: "*/5 * * * *"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLAndJSONAgree(t *testing.T) {
	ym := NewConfigManager(writeFile(t, "alarmd.yaml", sampleYAML))
	ycfg, err := ym.Parse()
	require.NoError(t, err)

	jm := NewConfigManager(writeFile(t, "alarmd.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "min_level": "", "rate_per_sec": 0}},
		"storage": {"driver": "file", "path": "./alarm.json"},
		"scheduler": {"timezone": "Europe/Berlin", "trigger_window": "90s", "catchup_grace": "10m"},
		"backend": {"kind": "spotify", "spotify": {"client_id": "abc"}},
		"housekeeping": {"probe_warm": "*/5 * * * *"}
	}`))
	jcfg, err := jm.Parse()
	require.NoError(t, err)

	if diff := cmp.Diff(jcfg, ycfg); diff != "" {
		t.Fatalf("yaml and json differ (-json +yaml):\n%s", diff)
	}
	require.Equal(t, "Europe/Berlin", ycfg.Scheduler.Timezone)
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	_, err := NewConfigManager(writeFile(t, "a.json", `{"schedular": {}}`)).Parse()
	require.Error(t, err)
	require.Contains(t, err.Error(), "schedular")

	_, err = NewConfigManager(writeFile(t, "b.json", `{} {}`)).Parse()
	require.ErrorContains(t, err, "trailing data")

	_, err = NewConfigManager(writeFile(t, "c.yaml", "scheduler:\n  nope: 1\n")).Parse()
	require.Error(t, err)
}

func TestParseEmptyYAML(t *testing.T) {
	cfg, err := NewConfigManager(writeFile(t, "empty.yml", "")).Parse()
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"zero config is valid", func(c *Config) {}, ""},
		{"bad duration", func(c *Config) { c.Scheduler.TriggerWindow = "soon" }, "scheduler.trigger_window"},
		{"negative duration", func(c *Config) { c.Executor.FadeInterval = "-1s" }, "executor.fade_interval"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }, "storage.driver"},
		{"sqlite needs path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"postgres needs dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"redis needs addr", func(c *Config) { c.Storage.Driver = "redis" }, "storage.redis.addr"},
		{"unknown backend", func(c *Config) { c.Backend.Kind = "sonos" }, "backend.kind"},
		{"mqtt needs broker", func(c *Config) { c.Backend.Kind = "mqtt" }, "backend.mqtt.broker"},
		{"fade volume range", func(c *Config) { c.Executor.FadeStartVolume = 101 }, "fade_start_volume"},
		{"notify needs token", func(c *Config) { c.Notify = &NotifyConfig{Enabled: true, ChatID: 1} }, "notify.token"},
		{"notify unknown event", func(c *Config) {
			c.Notify = &NotifyConfig{Enabled: true, ChatID: 1, Token: "t", Events: []string{"snoozed"}}
		}, "notify.events"},
		{"log telegram needs notify", func(c *Config) { c.Logging.Telegram.Enabled = true }, "logging.telegram"},
		{"bad cron", func(c *Config) { c.Housekeeping.TokenRefresh = "every tuesday" }, "housekeeping.token_refresh"},
		{"cron with seconds", func(c *Config) { c.Housekeeping.ProbeWarm = "30 */5 * * * *" }, ""},
		{"cron descriptor", func(c *Config) { c.Housekeeping.ProbeWarm = "@every 10m" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mut(cfg)
			err := Validate(cfg)
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvSpotifyClientSecret: " s3cret ",
		EnvTelegramToken:       "tg",
		EnvTelegramChatID:      "-100123",
		EnvOpsToken:            "ops",
	}
	cfg := &Config{}
	cfg.Backend.Spotify.ClientSecret = "from-file"
	ApplyEnv(cfg, func(k string) string { return env[k] })

	require.Equal(t, "s3cret", cfg.Backend.Spotify.ClientSecret)
	require.NotNil(t, cfg.Notify)
	require.Equal(t, "tg", cfg.Notify.Token)
	require.Equal(t, int64(-100123), cfg.Notify.ChatID)
	require.Equal(t, "ops", cfg.Ops.Token)
	require.Empty(t, cfg.Storage.DSN)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Ops.Token = "super-secret"
	newCfg.Backend.Spotify.ClientSecret = "also-secret"
	newCfg.Scheduler.TriggerWindow = "2m"

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"backend", "ops", "scheduler"}, changed)
	require.NotEmpty(t, attrs)

	same, _ := SummarizeConfigChange(newCfg, newCfg)
	require.Empty(t, same)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "alarmd.json", `{"scheduler": {"trigger_window": "90s"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	require.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler": {"trigger_window": "2m"}}`), 0o600))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, published)

	select {
	case cfg := <-ch:
		require.Equal(t, "2m", cfg.Scheduler.TriggerWindow)
	default:
		t.Fatal("no update delivered")
	}
	require.Equal(t, "2m", m.Get().Scheduler.TriggerWindow)
}

func TestReloadValidatorRejects(t *testing.T) {
	path := writeFile(t, "alarmd.json", `{}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Ops.Enabled {
			return os.ErrPermission
		}
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte(`{"ops": {"enabled": true}}`), 0o600))
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, os.ErrPermission)
	require.False(t, m.Get().Ops.Enabled)
}

func TestPublishKeepsLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{}
	second.Scheduler.MaxSleep = "5m"
	m.publish(first)
	m.publish(second)

	require.Same(t, second, <-ch)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "alarmd.json", `{}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			require.True(t, strings.EqualFold(cfg.Logging.Level, "warn"))
			return
		case <-tick.C:
			// the watcher may not be armed yet on the first write
			require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "warn", "console": false, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "min_level": "", "rate_per_sec": 0}}}`), 0o600))
		case <-deadline:
			t.Fatal("watch did not publish")
		}
	}
}
