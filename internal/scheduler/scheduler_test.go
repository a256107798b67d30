package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/executor"
	"alarmd/internal/playback"
	"alarmd/internal/probe"
	"alarmd/internal/storage"
	"alarmd/internal/store"
	logx "alarmd/pkg/logx"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type okBackend struct{}

func (okBackend) Name() string { return "ok" }
func (okBackend) Token(context.Context) (playback.Token, bool) {
	return playback.Token{Value: "t"}, true
}
func (okBackend) ResolveDevice(context.Context, playback.Token, string) (string, bool) {
	return "dev", true
}
func (okBackend) StartPlayback(context.Context, playback.Token, playback.PlayRequest) error {
	return nil
}
func (okBackend) SetVolume(context.Context, playback.Token, string, int) error { return nil }

type fakeFirer struct {
	mu    sync.Mutex
	out   executor.Outcome
	calls []time.Time
}

func (f *fakeFirer) Attempt(_ context.Context, now time.Time, _ time.Duration) executor.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.out
}

func (f *fakeFirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeProber struct{ snap probe.Snapshot }

func (p fakeProber) Check(_ context.Context, instant time.Time, _ string) probe.Snapshot {
	s := p.snap
	s.TriggerID = probe.TriggerID(instant)
	return s
}

func newStore(t *testing.T, rec alarm.Record) *store.Store {
	t.Helper()
	st := store.New(storage.NewMemory(), store.Config{CacheTTL: -1}, logx.Nop())
	require.NoError(t, st.Save(context.Background(), rec))
	st.Wait()
	t.Cleanup(st.Wait)
	return st
}

func record(enabled bool, hhmm string) alarm.Record {
	r := alarm.Default()
	r.Enabled = enabled
	r.Time = hhmm
	r.FadeIn = false
	r.DeviceName = "Bedroom"
	return r
}

func testConfig() Config {
	return Config{
		Location:        time.UTC,
		Window:          90 * time.Second,
		CatchupGrace:    120 * time.Second,
		AttemptInterval: 20 * time.Millisecond,
		IdleCeiling:     time.Hour,
		MissPause:       10 * time.Millisecond,
	}
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	})
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestFiresAndDisables(t *testing.T) {
	now := time.Now().UTC()
	st := newStore(t, record(true, now.Format("15:04")))
	exec := executor.New(st, okBackend{}, executor.Config{Window: 90 * time.Second}, logx.Nop())
	t.Cleanup(exec.Close)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(st, exec, nil, bus, testConfig(), logx.Nop())
	startScheduler(t, s)

	e := waitEvent(t, events, eventbus.AlarmFired)
	data := e.Data.(EventData)
	require.Equal(t, executor.Fired, data.Outcome)
	require.Equal(t, 1, data.Attempt)

	require.Eventually(t, func() bool {
		return !st.Load(context.Background()).Enabled && s.Snapshot().State == Idle
	}, 2*time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	require.EqualValues(t, 1, snap.Counters.Fired)
	require.EqualValues(t, 1, snap.Counters.Armed)
	require.Len(t, snap.History, 1)
	require.Nil(t, snap.NextFire)
}

func TestWakeOnConfigChange(t *testing.T) {
	st := newStore(t, record(false, "07:00"))
	s := New(st, &fakeFirer{}, nil, nil, testConfig(), logx.Nop())
	startScheduler(t, s)

	require.Eventually(t, func() bool { return s.Snapshot().State == Idle }, time.Second, 5*time.Millisecond)

	target := time.Now().UTC().Add(3 * time.Hour)
	changed := time.Now()
	require.NoError(t, st.Save(context.Background(), record(true, target.Format("15:04"))))

	require.Eventually(t, func() bool {
		next, ok := s.NextFire()
		return ok && s.Snapshot().State == Waiting && next.Format("15:04") == target.Format("15:04")
	}, time.Second, 5*time.Millisecond)
	require.Less(t, time.Since(changed), time.Second)

	// Disabling goes back to idle just as fast.
	require.NoError(t, st.SetValue(context.Background(), alarm.KeyEnabled, false))
	require.Eventually(t, func() bool { return s.Snapshot().State == Idle }, time.Second, 5*time.Millisecond)
	_, ok := s.NextFire()
	require.False(t, ok)
	require.GreaterOrEqual(t, s.Snapshot().Counters.Wakes, uint64(2))
}

// fakeClock runs from base at real speed.
func fakeClock(base time.Time) func() time.Time {
	start := time.Now()
	return func() time.Time { return base.Add(time.Since(start)) }
}

func TestMissedWhenAttemptsKeepFailing(t *testing.T) {
	occ := time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)
	st := newStore(t, record(true, "06:00"))
	firer := &fakeFirer{out: executor.NoDevice}
	prober := fakeProber{snap: probe.Snapshot{Network: probe.True, DNS: probe.True, Credential: probe.True, Device: probe.False}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	s := New(st, firer, prober, bus, testConfig(), logx.Nop())
	s.now = fakeClock(occ.Add(120*time.Second - 300*time.Millisecond))
	startScheduler(t, s)

	armed := waitEvent(t, events, eventbus.AlarmArmed).Data.(EventData)
	require.Equal(t, "alarm-20260105T060000Z", armed.TriggerID)
	require.Equal(t, probe.False, armed.Readiness.Device)

	failed := waitEvent(t, events, eventbus.AlarmAttemptFailed).Data.(EventData)
	require.Equal(t, executor.NoDevice, failed.Outcome)

	missed := waitEvent(t, events, eventbus.AlarmMissed).Data.(EventData)
	require.Equal(t, occ, missed.Instant)
	require.Positive(t, missed.Attempt)

	// The trigger stays enabled and moves on to the next day.
	require.Eventually(t, func() bool {
		next, ok := s.NextFire()
		return ok && next.Equal(occ.Add(24*time.Hour))
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, st.Load(context.Background()).Enabled)

	snap := s.Snapshot()
	require.EqualValues(t, 1, snap.Counters.Missed)
	require.Positive(t, snap.Counters.AttemptsFailed)
	require.NotEmpty(t, snap.History)
	require.Equal(t, executor.NoDevice, snap.History[0].Outcome)
	r, ok := s.LastReadiness()
	require.True(t, ok)
	require.Equal(t, probe.False, r.Device)
}

func TestStartedOccurrenceIsNotRetried(t *testing.T) {
	occ := time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)
	st := newStore(t, record(true, "06:00"))
	firer := &fakeFirer{out: executor.DisableFailed}

	s := New(st, firer, nil, nil, testConfig(), logx.Nop())
	s.now = fakeClock(occ.Add(10 * time.Second))
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		next, ok := s.NextFire()
		return ok && next.Equal(occ.Add(24*time.Hour))
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, firer.count())
	require.Zero(t, s.Snapshot().Counters.Fired)
}

func TestWaitsUntilWindowOpens(t *testing.T) {
	occ := time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)
	st := newStore(t, record(true, "06:00"))
	firer := &fakeFirer{out: executor.Fired}

	cfg := testConfig()
	cfg.Window = 2 * time.Second
	cfg.CatchupGrace = 0
	s := New(st, firer, nil, nil, cfg, logx.Nop())
	s.now = fakeClock(occ.Add(-2*time.Second - 200*time.Millisecond))
	startScheduler(t, s)

	require.Eventually(t, func() bool { return s.Snapshot().State == Waiting }, time.Second, 5*time.Millisecond)
	require.Zero(t, firer.count())
	require.Eventually(t, func() bool { return firer.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStartIsIdempotent(t *testing.T) {
	st := newStore(t, record(false, "07:00"))
	s := New(st, &fakeFirer{}, nil, nil, testConfig(), logx.Nop())

	s.Start(context.Background())
	s.Start(context.Background())
	require.True(t, s.Snapshot().Running)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	require.False(t, s.Snapshot().Running)

	// A stopped scheduler no longer reacts to saves.
	require.NoError(t, st.SetValue(context.Background(), alarm.KeyEnabled, true))
	st.Wait()
	require.Empty(t, s.wake)
}

func TestHistoryIsBounded(t *testing.T) {
	s := New(nil, &fakeFirer{}, nil, nil, Config{HistorySize: 3}, logx.Nop())
	for i := 0; i < 5; i++ {
		s.record(Attempt{TriggerID: string(rune('a' + i))}, 3)
	}
	h := s.Snapshot().History
	require.Len(t, h, 3)
	require.Equal(t, "c", h[0].TriggerID)
	require.Equal(t, "e", h[2].TriggerID)
}

func TestConfigReach(t *testing.T) {
	c := Config{Window: 90 * time.Second, CatchupGrace: 120 * time.Second}.withDefaults()
	require.Equal(t, 120*time.Second, c.reach())
	c = Config{CatchupGrace: -1}.withDefaults()
	require.Equal(t, 90*time.Second, c.reach())
	require.Equal(t, time.Local, c.Location)
}
