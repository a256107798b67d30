package app

import (
	"context"
	"fmt"

	"alarmd/internal/config"
	"alarmd/internal/credential"
	"alarmd/internal/playback"
	"alarmd/internal/playback/mqtt"
	"alarmd/internal/playback/spotify"
	logx "alarmd/pkg/logx"
)

// Keyring coordinates of the long-lived playback refresh token.
const (
	CredentialService = "alarmd"
	CredentialUser    = "spotify-refresh-token"
)

// backend is the playback backend plus its lifecycle hooks. connect is nil
// for backends without a session.
type backend struct {
	playback.Backend
	connect func(ctx context.Context) error
	close   func() error
}

// NewCredentialStore returns the refresh token store for cfg. The CLI uses
// it for "auth set-token".
func NewCredentialStore(cfg *config.Config, log logx.Logger) *credential.Store {
	return credential.New(CredentialService, CredentialUser, cfg.Backend.Spotify.CredentialFile, log)
}

func newBackend(cfg *config.Config, log logx.Logger) (*backend, error) {
	switch kind := backendKind(cfg); kind {
	case "spotify":
		sc, err := mapSpotify(cfg)
		if err != nil {
			return nil, err
		}
		c := spotify.New(sc, NewCredentialStore(cfg, log.With(logx.String("comp", "credential"))), log)
		return &backend{Backend: c, close: func() error { c.Forget(); return nil }}, nil
	case "mqtt":
		mc, err := mapMQTT(cfg)
		if err != nil {
			return nil, err
		}
		b := mqtt.New(mc, log)
		return &backend{Backend: b, connect: b.Connect, close: b.Close}, nil
	default:
		return nil, fmt.Errorf("unknown backend.kind: %s", kind)
	}
}
