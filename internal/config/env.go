package config

import (
	"strconv"
	"strings"
)

// Environment variables that override secrets (and a few deployment knobs)
// of the settings file. A .env file next to the binary is loaded into the
// environment by the CLI before the settings are parsed.
const (
	EnvSpotifyClientID     = "ALARMD_SPOTIFY_CLIENT_ID"
	EnvSpotifyClientSecret = "ALARMD_SPOTIFY_CLIENT_SECRET"
	EnvMQTTPassword        = "ALARMD_MQTT_PASSWORD"
	EnvTelegramToken       = "ALARMD_TELEGRAM_TOKEN"
	EnvTelegramChatID      = "ALARMD_TELEGRAM_CHAT_ID"
	EnvOpsToken            = "ALARMD_OPS_TOKEN"
	EnvStorageDSN          = "ALARMD_STORAGE_DSN"
	EnvRedisPassword       = "ALARMD_REDIS_PASSWORD"
	EnvLogLevel            = "ALARMD_LOG_LEVEL"
)

// ApplyEnv overwrites fields whose environment variable is set and non-empty.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&cfg.Backend.Spotify.ClientID, EnvSpotifyClientID)
	set(&cfg.Backend.Spotify.ClientSecret, EnvSpotifyClientSecret)
	set(&cfg.Backend.MQTT.Password, EnvMQTTPassword)
	set(&cfg.Ops.Token, EnvOpsToken)
	set(&cfg.Storage.DSN, EnvStorageDSN)
	set(&cfg.Storage.Redis.Password, EnvRedisPassword)
	set(&cfg.Logging.Level, EnvLogLevel)

	if tok := strings.TrimSpace(getenv(EnvTelegramToken)); tok != "" {
		if cfg.Notify == nil {
			cfg.Notify = &NotifyConfig{}
		}
		cfg.Notify.Token = tok
	}
	if raw := strings.TrimSpace(getenv(EnvTelegramChatID)); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if cfg.Notify == nil {
				cfg.Notify = &NotifyConfig{}
			}
			cfg.Notify.ChatID = id
		}
	}
}
