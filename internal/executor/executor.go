// Package executor performs one alarm fire attempt: it validates the record
// against the current time, starts playback and disables the trigger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"alarmd/internal/alarm"
	"alarmd/internal/metrics"
	"alarmd/internal/playback"
	"alarmd/internal/store"
	"alarmd/internal/timecalc"
	logx "alarmd/pkg/logx"
)

// Outcome classifies a fire attempt.
type Outcome string

const (
	Fired         Outcome = "fired"
	Disabled      Outcome = "disabled"
	InvalidTime   Outcome = "invalid_time"
	WrongWeekday  Outcome = "weekday"
	OutsideWindow Outcome = "outside_window"
	NoCredential  Outcome = "no_credential"
	NoDevice      Outcome = "no_device"
	PlaybackError Outcome = "playback_error"
	// DisableFailed means playback started but the trigger could not be
	// switched off.
	DisableFailed Outcome = "disable_failed"
	Panicked      Outcome = "panic"
)

// Fired reports whether the attempt succeeded end to end.
func (o Outcome) Fired() bool { return o == Fired }

// Started reports whether playback was started, whether or not the trigger
// was disabled afterwards.
func (o Outcome) Started() bool { return o == Fired || o == DisableFailed }

type Config struct {
	Window          time.Duration
	FadeStartVolume int
	FadeSteps       int
	FadeInterval    time.Duration
	// AttemptTimeout bounds the backend calls of one attempt.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = timecalc.DefaultTolerance
	}
	if c.FadeStartVolume <= 0 {
		c.FadeStartVolume = 5
	}
	if c.FadeSteps <= 0 {
		c.FadeSteps = 10
	}
	if c.FadeInterval <= 0 {
		c.FadeInterval = 3 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 20 * time.Second
	}
	return c
}

type Executor struct {
	store   *store.Store
	backend playback.Backend
	log     logx.Logger
	tracer  trace.Tracer

	mu  sync.RWMutex
	cfg Config

	// fades run detached from the attempt; Close cancels them.
	fadeCtx    context.Context
	fadeCancel context.CancelFunc
	fadeWG     sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) bool
}

func New(st *store.Store, backend playback.Backend, cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:      st,
		backend:    backend,
		log:        log,
		tracer:     otel.Tracer("alarmd/executor"),
		cfg:        cfg.withDefaults(),
		fadeCtx:    ctx,
		fadeCancel: cancel,
		sleep:      sleepCtx,
	}
}

// Apply replaces the tunables for subsequent attempts.
func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Window returns the on-time tolerance in effect.
func (e *Executor) Window() time.Duration { return e.config().Window }

// Fire runs one attempt and reports whether the alarm fired. It never
// panics.
func (e *Executor) Fire(ctx context.Context, now time.Time, grace time.Duration) bool {
	return e.Attempt(ctx, now, grace).Fired()
}

// Attempt is Fire with the detailed outcome.
func (e *Executor) Attempt(ctx context.Context, now time.Time, grace time.Duration) (out Outcome) {
	ctx, span := e.tracer.Start(ctx, "alarm.fire", trace.WithAttributes(
		attribute.String("alarm.now", now.Format(time.RFC3339)),
		attribute.Int64("alarm.grace_seconds", int64(grace/time.Second)),
	))
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("fire attempt panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			span.SetStatus(codes.Error, fmt.Sprint(r))
			out = Panicked
		}
		metrics.FireAttempts.WithLabelValues(string(out)).Inc()
		span.SetAttributes(attribute.String("alarm.outcome", string(out)))
		span.End()
	}()

	out, err := e.attempt(ctx, now, grace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out
}

func (e *Executor) attempt(ctx context.Context, now time.Time, grace time.Duration) (Outcome, error) {
	cfg := e.config()
	rec := e.store.Load(ctx)
	log := e.log

	if !rec.Enabled {
		return Disabled, nil
	}
	tod, err := timecalc.ParseTimeOfDay(rec.Time)
	if err != nil {
		log.Warn("alarm time unparsable", logx.String("time", rec.Time))
		return InvalidTime, nil
	}

	nominal := timecalc.NearestNominal(tod, now)
	log = log.With(logx.Time("nominal", nominal))
	if len(rec.Weekdays) > 0 && !slices.Contains(rec.Weekdays, timecalc.WeekdayIndex(nominal.Weekday())) {
		return WrongWeekday, nil
	}

	delta := now.Sub(nominal)
	onTime := absDur(delta) < cfg.Window
	late := delta > 0 && delta <= grace
	if !onTime && !late {
		return OutsideWindow, nil
	}
	if late && !onTime {
		log.Info("firing late within catch-up grace", logx.Duration("late_by", delta))
	}

	if e.backend == nil {
		return NoCredential, playback.ErrNoCredential
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()

	tok, ok := e.backend.Token(callCtx)
	if !ok {
		log.Warn("no playback credential; will retry", logx.String("backend", e.backend.Name()))
		return NoCredential, playback.ErrNoCredential
	}
	deviceID, ok := e.backend.ResolveDevice(callCtx, tok, rec.DeviceName)
	if !ok {
		log.Warn("playback device not found; will retry", logx.String("device", rec.DeviceName))
		return NoDevice, playback.ErrDeviceNotFound
	}

	target := alarm.ClampVolume(rec.Volume)
	start := target
	if rec.FadeIn && cfg.FadeStartVolume < target {
		start = cfg.FadeStartVolume
	}
	req := playback.PlayRequest{DeviceID: deviceID, ContextURI: rec.PlaylistURI, Volume: start, Shuffle: rec.Shuffle}
	if err := e.backend.StartPlayback(callCtx, tok, req); err != nil {
		log.Error("start playback failed", logx.Err(err))
		return PlaybackError, err
	}
	log.Info("playback started",
		logx.String("device", rec.DeviceName),
		logx.String("uri", rec.PlaylistURI),
		logx.Int("volume", start),
	)

	if start < target {
		e.startFade(tok, deviceID, start, target, cfg)
	}

	if err := e.disable(ctx); err != nil {
		log.Error("playback started but disabling the alarm failed", logx.Err(err))
		return DisableFailed, err
	}
	log.Info("alarm fired and disabled")
	return Fired, nil
}

// disable switches the trigger off. It runs even when ctx is already
// cancelled because playback has started.
func (e *Executor) disable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return e.store.Transaction(ctx, func(tx *store.Tx) error {
		rec := tx.Load()
		if rec.LoadError != "" {
			return errors.New(rec.LoadError)
		}
		if !rec.Enabled {
			return nil
		}
		rec.Enabled = false
		return tx.Save(rec)
	})
}

// FadeVolumes returns the volumes set after the initial one, ending at
// target.
func FadeVolumes(start, target, steps int) []int {
	if steps <= 0 || target <= start {
		return nil
	}
	out := make([]int, 0, steps)
	for i := 1; i <= steps; i++ {
		v := start + (target-start)*i/steps
		if v <= start || (len(out) > 0 && out[len(out)-1] == v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (e *Executor) startFade(tok playback.Token, deviceID string, start, target int, cfg Config) {
	volumes := FadeVolumes(start, target, cfg.FadeSteps)
	e.fadeWG.Add(1)
	go func() {
		defer e.fadeWG.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("fade-in panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		for _, v := range volumes {
			if !e.sleep(e.fadeCtx, cfg.FadeInterval) {
				e.log.Debug("fade-in cancelled")
				return
			}
			ctx, cancel := context.WithTimeout(e.fadeCtx, cfg.AttemptTimeout)
			err := e.backend.SetVolume(ctx, tok, deviceID, v)
			cancel()
			if err != nil {
				e.log.Warn("fade-in step failed", logx.Int("volume", v), logx.Err(err))
				continue
			}
			e.log.Debug("fade-in step", logx.Int("volume", v))
		}
	}()
}

// Wait blocks until running fades finish.
func (e *Executor) Wait() { e.fadeWG.Wait() }

// Close cancels running fades and waits for them.
func (e *Executor) Close() {
	e.fadeCancel()
	e.fadeWG.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
