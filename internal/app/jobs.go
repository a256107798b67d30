package app

import (
	"context"
	"fmt"
	"time"

	"alarmd/internal/config"
	"alarmd/internal/housekeeping"
	"alarmd/internal/playback"
	"alarmd/internal/probe"
	logx "alarmd/pkg/logx"
)

const (
	jobProbeWarm    = "probe.warm"
	jobTokenRefresh = "token.refresh"
)

func (a *App) jobs(cfg *config.Config) []housekeeping.Job {
	hk := cfg.Housekeeping
	return []housekeeping.Job{
		{Name: jobProbeWarm, Spec: hk.ProbeWarm, Timeout: 15 * time.Second, Run: a.warmProbe},
		{Name: jobTokenRefresh, Spec: hk.TokenRefresh, Timeout: 30 * time.Second, Run: a.refreshToken},
	}
}

// warmProbe fills the readiness caches for the upcoming occurrence so the
// first attempt does not pay for cold DNS and clock checks.
func (a *App) warmProbe(ctx context.Context) error {
	next, ok := a.sched.NextFire()
	if !ok {
		return nil
	}
	rec := a.store.Load(ctx)
	snap := a.probe.Check(ctx, next, rec.DeviceName)
	a.log.Debug("probe warmed", snap.Fields()...)
	if failed := failedChecks(snap); len(failed) > 0 {
		return fmt.Errorf("readiness checks failing: %v", failed)
	}
	return nil
}

func failedChecks(s probe.Snapshot) []string {
	var out []string
	for _, c := range []struct {
		name string
		v    probe.Tri
	}{
		{"clock", s.ClockOK},
		{"network", s.Network},
		{"dns", s.DNS},
		{"credential", s.Credential},
		{"device", s.Device},
	} {
		if c.v == probe.False {
			out = append(out, c.name)
		}
	}
	return out
}

func (a *App) refreshToken(ctx context.Context) error {
	tok, ok := a.backend.Token(ctx)
	if !ok {
		return playback.ErrNoCredential
	}
	if !tok.Expiry.IsZero() {
		a.log.Debug("access token refreshed", logx.Time("expiry", tok.Expiry))
	}
	return nil
}
