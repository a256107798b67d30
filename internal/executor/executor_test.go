package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"alarmd/internal/alarm"
	"alarmd/internal/playback"
	"alarmd/internal/storage"
	"alarmd/internal/store"
	logx "alarmd/pkg/logx"
)

type fakeBackend struct {
	mu sync.Mutex

	noToken   bool
	noDevice  bool
	playErr   error
	volumeErr error
	panicOn   string

	plays   []playback.PlayRequest
	volumes []int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Token(context.Context) (playback.Token, bool) {
	if f.panicOn == "token" {
		panic("token boom")
	}
	return playback.Token{Value: "tok"}, !f.noToken
}

func (f *fakeBackend) ResolveDevice(_ context.Context, _ playback.Token, name string) (string, bool) {
	if f.noDevice {
		return "", false
	}
	return "id-" + name, true
}

func (f *fakeBackend) StartPlayback(_ context.Context, _ playback.Token, req playback.PlayRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.plays = append(f.plays, req)
	return nil
}

func (f *fakeBackend) SetVolume(_ context.Context, _ playback.Token, _ string, v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, v)
	return f.volumeErr
}

func (f *fakeBackend) calls() ([]playback.PlayRequest, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]playback.PlayRequest(nil), f.plays...), append([]int(nil), f.volumes...)
}

// monday0700 is Monday 2026-01-05 07:00 UTC.
var monday0700 = time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)

func setup(t *testing.T, mutate func(*alarm.Record), b playback.Backend) (*Executor, *store.Store) {
	t.Helper()
	st := store.New(storage.NewMemory(), store.Config{CacheTTL: -1}, logx.Nop())
	rec := alarm.Default()
	rec.Enabled = true
	rec.Time = "07:00"
	rec.DeviceName = "Bedroom"
	rec.PlaylistURI = "spotify:playlist:wake"
	rec.Volume = 40
	rec.FadeIn = false
	if mutate != nil {
		mutate(&rec)
	}
	require.NoError(t, st.Save(context.Background(), rec))
	st.Wait()

	e := New(st, b, Config{Window: 90 * time.Second}, logx.Nop())
	e.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	t.Cleanup(func() {
		e.Close()
		st.Wait()
	})
	return e, st
}

func enabled(t *testing.T, st *store.Store) bool {
	t.Helper()
	return st.Load(context.Background()).Enabled
}

func TestFireOnTimeDisablesTrigger(t *testing.T) {
	b := &fakeBackend{}
	e, st := setup(t, nil, b)

	require.True(t, e.Fire(context.Background(), monday0700.Add(30*time.Second), 0))
	require.False(t, enabled(t, st))

	plays, volumes := b.calls()
	require.Equal(t, []playback.PlayRequest{{
		DeviceID: "id-Bedroom", ContextURI: "spotify:playlist:wake", Volume: 40,
	}}, plays)
	require.Empty(t, volumes)

	// The trigger is off now, so a second attempt in the same window is a no-op.
	require.Equal(t, Disabled, e.Attempt(context.Background(), monday0700.Add(35*time.Second), 0))
	plays, _ = b.calls()
	require.Len(t, plays, 1)
}

func TestWindowBoundaries(t *testing.T) {
	cases := []struct {
		name  string
		at    time.Time
		grace time.Duration
		want  Outcome
	}{
		{"early inside window", monday0700.Add(-89 * time.Second), 0, Fired},
		{"too early", monday0700.Add(-2 * time.Minute), 120 * time.Second, OutsideWindow},
		{"late at tolerance without grace", monday0700.Add(90 * time.Second), 0, OutsideWindow},
		{"late within grace", monday0700.Add(90 * time.Second), 120 * time.Second, Fired},
		{"late at grace edge", monday0700.Add(120 * time.Second), 120 * time.Second, Fired},
		{"late past grace", monday0700.Add(121 * time.Second), 120 * time.Second, OutsideWindow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, st := setup(t, nil, &fakeBackend{})
			got := e.Attempt(context.Background(), tc.at, tc.grace)
			require.Equal(t, tc.want, got)
			require.Equal(t, !got.Fired(), enabled(t, st))
		})
	}
}

func TestPreconditions(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*alarm.Record)
		want   Outcome
	}{
		{"disabled", func(r *alarm.Record) { r.Enabled = false }, Disabled},
		{"unparsable time", func(r *alarm.Record) { r.Time = "7 o'clock" }, InvalidTime},
		{"weekday excluded", func(r *alarm.Record) { r.Weekdays = []int{1, 2, 3} }, WrongWeekday},
		{"weekday included", func(r *alarm.Record) { r.Weekdays = []int{0} }, Fired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &fakeBackend{}
			e, _ := setup(t, tc.mutate, b)
			require.Equal(t, tc.want, e.Attempt(context.Background(), monday0700, 0))
			if tc.want != Fired {
				plays, _ := b.calls()
				require.Empty(t, plays)
			}
		})
	}
}

func TestWindowAcrossMidnight(t *testing.T) {
	// 00:01 on Tuesday, checked at 23:59:45 on Monday.
	e, st := setup(t, func(r *alarm.Record) {
		r.Time = "00:01"
		r.Weekdays = []int{1}
	}, &fakeBackend{})
	at := time.Date(2026, 1, 5, 23, 59, 45, 0, time.UTC)
	require.Equal(t, Fired, e.Attempt(context.Background(), at, 0))
	require.False(t, enabled(t, st))
}

func TestCollaboratorFailuresKeepTriggerEnabled(t *testing.T) {
	cases := []struct {
		name string
		b    *fakeBackend
		want Outcome
	}{
		{"no credential", &fakeBackend{noToken: true}, NoCredential},
		{"no device", &fakeBackend{noDevice: true}, NoDevice},
		{"playback error", &fakeBackend{playErr: errors.New("503")}, PlaybackError},
		{"panic", &fakeBackend{panicOn: "token"}, Panicked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, st := setup(t, nil, tc.b)
			var got Outcome
			require.NotPanics(t, func() { got = e.Attempt(context.Background(), monday0700, 0) })
			require.Equal(t, tc.want, got)
			require.True(t, enabled(t, st))
		})
	}
}

func TestNilBackend(t *testing.T) {
	e, st := setup(t, nil, nil)
	require.False(t, e.Fire(context.Background(), monday0700, 0))
	require.True(t, enabled(t, st))
}

func TestFadeIn(t *testing.T) {
	b := &fakeBackend{}
	e, st := setup(t, func(r *alarm.Record) {
		r.FadeIn = true
		r.Volume = 50
	}, b)

	require.True(t, e.Fire(context.Background(), monday0700, 0))
	// Disabled before the fade completes.
	require.False(t, enabled(t, st))
	e.Wait()

	plays, volumes := b.calls()
	require.Len(t, plays, 1)
	require.Equal(t, 5, plays[0].Volume)
	require.Equal(t, FadeVolumes(5, 50, 10), volumes)
	require.Equal(t, 50, volumes[len(volumes)-1])
}

func TestFadeStepFailuresContinue(t *testing.T) {
	b := &fakeBackend{volumeErr: errors.New("rate limited")}
	e, _ := setup(t, func(r *alarm.Record) { r.FadeIn = true }, b)

	require.True(t, e.Fire(context.Background(), monday0700, 0))
	e.Wait()
	_, volumes := b.calls()
	require.Len(t, volumes, 10)
}

func TestCloseCancelsFade(t *testing.T) {
	b := &fakeBackend{}
	e, _ := setup(t, func(r *alarm.Record) { r.FadeIn = true }, b)
	e.sleep = sleepCtx
	e.Apply(Config{Window: 90 * time.Second, FadeInterval: time.Hour})

	require.True(t, e.Fire(context.Background(), monday0700, 0))
	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the fade")
	}
	_, volumes := b.calls()
	require.Empty(t, volumes)
}

func TestFadeVolumes(t *testing.T) {
	require.Equal(t, []int{9, 14, 18, 23, 27, 32, 36, 41, 45, 50}, FadeVolumes(5, 50, 10))
	require.Equal(t, []int{6, 7, 8}, FadeVolumes(5, 8, 10))
	require.Nil(t, FadeVolumes(50, 50, 10))
	require.Nil(t, FadeVolumes(60, 50, 10))
	require.Nil(t, FadeVolumes(5, 50, 0))
}

func TestCancelledContextStillDisablesAfterPlayback(t *testing.T) {
	b := &fakeBackend{}
	e, st := setup(t, nil, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, e.Fire(ctx, monday0700, 0))
	cancel()
	require.False(t, enabled(t, st))
}
