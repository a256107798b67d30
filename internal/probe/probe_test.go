package probe

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"alarmd/internal/playback"
	logx "alarmd/pkg/logx"
)

type fakeBackend struct {
	tokenOK   bool
	deviceOK  bool
	panicking bool
	tokens    atomic.Int32
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Token(context.Context) (playback.Token, bool) {
	f.tokens.Add(1)
	if f.panicking {
		panic("backend exploded")
	}
	return playback.Token{Value: "t"}, f.tokenOK
}

func (f *fakeBackend) ResolveDevice(context.Context, playback.Token, string) (string, bool) {
	return "dev", f.deviceOK
}

func (f *fakeBackend) StartPlayback(context.Context, playback.Token, playback.PlayRequest) error {
	return nil
}

func (f *fakeBackend) SetVolume(context.Context, playback.Token, string, int) error { return nil }

func okDial(context.Context, string, string) (net.Conn, error) {
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

func failDial(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("network is unreachable")
}

func newTestProbe(t *testing.T, b playback.Backend) *Probe {
	t.Helper()
	p := New(Config{Host: "example.invalid", Timeout: time.Second}, b, logx.Nop())
	p.dial = okDial
	p.lookup = func(context.Context, string) ([]string, error) { return []string{"192.0.2.1"}, nil }
	p.clockURL = "http://127.0.0.1:1/" // refused unless a test overrides it
	return p
}

func TestTriggerID(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	at := time.Date(2026, 7, 1, 7, 30, 0, 0, loc)
	require.Equal(t, "alarm-20260701T053000Z", TriggerID(at))
	require.Equal(t, TriggerID(at), TriggerID(at.UTC()))
	require.Empty(t, TriggerID(time.Time{}))
}

func TestTriJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		A, B, C Tri
	}{True, False, Unknown})
	require.NoError(t, err)
	require.JSONEq(t, `{"A":true,"B":false,"C":null}`, string(b))

	var got struct{ A, B, C Tri }
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, True, got.A)
	require.Equal(t, False, got.B)
	require.Equal(t, Unknown, got.C)
}

func TestCheckHealthyEnvironment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}))
	defer srv.Close()

	p := newTestProbe(t, &fakeBackend{tokenOK: true, deviceOK: true})
	p.clockURL = srv.URL

	at := time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)
	snap := p.Check(context.Background(), at, "Kitchen")
	require.Equal(t, "alarm-20260105T070000Z", snap.TriggerID)
	require.Equal(t, True, snap.ClockOK)
	require.LessOrEqual(t, absDur(snap.ClockOffset), 2*time.Second)
	require.Equal(t, True, snap.Network)
	require.Equal(t, True, snap.DNS)
	require.Equal(t, True, snap.Credential)
	require.Equal(t, True, snap.Device)
}

func TestClockSkewDetected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", time.Now().Add(-5*time.Minute).UTC().Format(http.TimeFormat))
	}))
	defer srv.Close()

	p := newTestProbe(t, nil)
	p.clockURL = srv.URL
	snap := p.Check(context.Background(), time.Time{}, "")
	require.Equal(t, False, snap.ClockOK)
	require.Greater(t, snap.ClockOffset, 4*time.Minute)
}

func TestCheckTotalFailureNeverPanics(t *testing.T) {
	p := newTestProbe(t, &fakeBackend{panicking: true})
	p.dial = failDial
	p.lookup = func(context.Context, string) ([]string, error) {
		return nil, &net.DNSError{Err: "no such host", IsNotFound: true}
	}

	var snap Snapshot
	require.NotPanics(t, func() {
		snap = p.Check(context.Background(), time.Now(), "Kitchen")
	})
	require.Equal(t, Unknown, snap.ClockOK)
	require.Equal(t, False, snap.Network)
	require.Equal(t, False, snap.DNS)
	require.Equal(t, Unknown, snap.Credential)
	require.Equal(t, Unknown, snap.Device)
	require.Len(t, snap.Fields(), 7)
}

func TestCheckWithCancelledContext(t *testing.T) {
	p := newTestProbe(t, &fakeBackend{})
	p.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := p.Check(ctx, time.Now(), "")
	require.Equal(t, False, snap.Network)
	require.Equal(t, False, snap.Credential)
	require.Equal(t, Unknown, snap.Device)
}

func TestNoDeviceCheckWithoutCredential(t *testing.T) {
	p := newTestProbe(t, &fakeBackend{tokenOK: false, deviceOK: true})
	snap := p.Check(context.Background(), time.Now(), "Kitchen")
	require.Equal(t, False, snap.Credential)
	require.Equal(t, Unknown, snap.Device)
}

func TestNetworkResultIsCached(t *testing.T) {
	var dials atomic.Int32
	p := newTestProbe(t, nil)
	now := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	p.now = func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	p.dial = func(ctx context.Context, n, a string) (net.Conn, error) {
		dials.Add(1)
		return okDial(ctx, n, a)
	}

	p.Check(context.Background(), time.Time{}, "")
	p.Check(context.Background(), time.Time{}, "")
	require.EqualValues(t, 1, dials.Load())

	mu.Lock()
	now = now.Add(16 * time.Second)
	mu.Unlock()
	p.Check(context.Background(), time.Time{}, "")
	require.EqualValues(t, 2, dials.Load())

	p.Reset()
	p.Check(context.Background(), time.Time{}, "")
	require.EqualValues(t, 3, dials.Load())
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	var lookups atomic.Int32
	release := make(chan struct{})
	p := newTestProbe(t, nil)
	p.lookup = func(context.Context, string) ([]string, error) {
		lookups.Add(1)
		<-release
		return []string{"192.0.2.1"}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]Tri, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.checkDNS(context.Background())
		}(i)
	}
	// Let the callers pile up on the in-flight lookup.
	require.Eventually(t, func() bool { return lookups.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, lookups.Load(), int32(2))
	for _, r := range results {
		require.Equal(t, True, r)
	}
}
