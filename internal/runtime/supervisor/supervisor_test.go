package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go0("boom", func(context.Context) { panic("kaboom") })
	err := s.Wait(stopCtx(t))
	require.ErrorContains(t, err, "kaboom")

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	require.EqualValues(t, 1, snap.Tasks[0].Panics)
	require.Equal(t, "kaboom", snap.Tasks[0].LastPanic)
	require.Zero(t, snap.Tasks[0].Active)
}

func TestCancellationIsNotAnError(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(stopCtx(t)))
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(context.Context) error { return errors.New("bad") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	err := s.Wait(stopCtx(t))
	require.ErrorContains(t, err, "failing: bad")
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("flaky", func(context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("transient")
		case 2:
			panic("worse")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	require.NoError(t, s.Wait(stopCtx(t)))
	require.EqualValues(t, 3, runs.Load())

	st := s.Snapshot().Tasks[0]
	require.EqualValues(t, 3, st.Runs)
	require.EqualValues(t, 2, st.Restarts)
	require.EqualValues(t, 1, st.Panics)
}

func TestGoRestartGivesUp(t *testing.T) {
	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("doomed", func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	require.ErrorContains(t, s.Wait(stopCtx(t)), "nope")
	require.EqualValues(t, 3, runs.Load())
}

func TestStopInterruptsBackoff(t *testing.T) {
	s := New(context.Background())
	s.GoRestart("slow", func(context.Context) error {
		return errors.New("fail")
	}, WithRestartBackoff(time.Hour, time.Hour))

	require.Eventually(t, func() bool {
		tasks := s.Snapshot().Tasks
		return len(tasks) == 1 && tasks[0].Runs == 1 && tasks[0].Active == 0
	}, time.Second, time.Millisecond)
	require.NoError(t, s.Stop(stopCtx(t)))
}
