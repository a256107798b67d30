package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"alarmd/internal/alarm"
	"alarmd/internal/housekeeping"
	"alarmd/internal/probe"
	"alarmd/internal/scheduler"
	"alarmd/internal/storage"
	"alarmd/internal/store"
	logx "alarmd/pkg/logx"
)

var monday0600 = time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)

func newService(cfg Config, snap scheduler.Snapshot) *Service {
	return New(cfg, Deps{
		Scheduler: func() scheduler.Snapshot { return snap },
		Record: func(ctx context.Context) alarm.Record {
			rec := alarm.Default()
			rec.Enabled = true
			rec.Time = "07:00"
			rec.DeviceName = "Kitchen"
			return rec
		},
		Jobs: func() []housekeeping.JobInfo {
			return []housekeeping.JobInfo{{Name: "probe.warm", Spec: "@every 5m"}}
		},
		Location: time.UTC,
		Now:      func() time.Time { return monday0600 },
	}, logx.Nop())
}

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newService(Config{}, scheduler.Snapshot{Running: true}).Handler()
	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	h = newService(Config{}, scheduler.Snapshot{Running: false}).Handler()
	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz").Code)
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name      string
		readiness *probe.Snapshot
		code      int
		ready     any
	}{
		{"no check yet", nil, http.StatusOK, nil},
		{"all good", &probe.Snapshot{ClockOK: probe.True, Network: probe.True, DNS: probe.True, Credential: probe.True, Device: probe.True}, http.StatusOK, true},
		{"credential failed", &probe.Snapshot{Network: probe.True, Credential: probe.False}, http.StatusServiceUnavailable, false},
		{"unknowns only", &probe.Snapshot{}, http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newService(Config{}, scheduler.Snapshot{Running: true, Readiness: tt.readiness}).Handler()
			rec := get(t, h, "/readyz")
			require.Equal(t, tt.code, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tt.ready, body["ready"])
		})
	}
}

func TestStatus(t *testing.T) {
	next := monday0600.Add(time.Hour)
	h := newService(Config{}, scheduler.Snapshot{Running: true, State: scheduler.Waiting, NextFire: &next}).Handler()
	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Timezone string `json:"timezone"`
		Alarm    struct {
			TimeUntil string `json:"time_until"`
			Device    string `json:"device_name"`
		} `json:"alarm"`
		Scheduler struct {
			State string `json:"state"`
		} `json:"scheduler"`
		Jobs []housekeeping.JobInfo `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "UTC", body.Timezone)
	require.Equal(t, "in 1h", body.Alarm.TimeUntil)
	require.Equal(t, "Kitchen", body.Alarm.Device)
	require.Equal(t, string(scheduler.Waiting), body.Scheduler.State)
	require.Len(t, body.Jobs, 1)
}

func TestMetrics(t *testing.T) {
	h := newService(Config{}, scheduler.Snapshot{Running: true}).Handler()
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "alarmd_")
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	h := newService(Config{}, scheduler.Snapshot{Running: true}).Handler()
	require.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/").Code)

	h = newService(Config{Pprof: true}, scheduler.Snapshot{Running: true}).Handler()
	require.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/").Code)
}

func TestAuth(t *testing.T) {
	h := newService(Config{Token: "s3cret"}, scheduler.Snapshot{Running: true}).Handler()

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	require.Equal(t, http.StatusOK, get(t, h, "/healthz", "Authorization", "Bearer s3cret").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "Authorization", "Bearer nope").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope", "Authorization", "Bearer s3cret").Code)
}

func TestRateLimit(t *testing.T) {
	h := newService(Config{RatePerMin: 2}, scheduler.Snapshot{Running: true}).Handler()
	require.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "rate_limit_exceeded")
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:7070": true,
		"localhost:7070": true,
		"[::1]:7070":     true,
		":7070":          false,
		"0.0.0.0:7070":   false,
		"10.0.0.5:7070":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		require.Equal(t, want, isLoopbackAddr(addr), addr)
	}
	require.ErrorIs(t, checkBind(Config{}, "0.0.0.0:7070"), errInsecureBind)
	require.NoError(t, checkBind(Config{Token: "x"}, "0.0.0.0:7070"))
	require.NoError(t, checkBind(Config{AllowInsecure: true}, "0.0.0.0:7070"))
}

func TestServeAndReconfigure(t *testing.T) {
	s := newService(Config{Enabled: true, Addr: "127.0.0.1:0"}, scheduler.Snapshot{Running: true})
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	client := &http.Client{Timeout: 2 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, "ok", strings.TrimSpace(string(body)))

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err = client.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	s.Reconfigure(ctx, Config{Enabled: false})
	require.Empty(t, s.Addr())
}

func TestInsecureBindIsRefused(t *testing.T) {
	s := newService(Config{Enabled: true, Addr: "0.0.0.0:0"}, scheduler.Snapshot{})
	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, s.Addr())
	require.NoError(t, s.Stop(context.Background()))
}

func send(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAlarmEditing(t *testing.T) {
	st := store.New(storage.NewMemory(), store.Config{}, logx.Nop())
	t.Cleanup(st.Wait)
	changed := make(chan alarm.Record, 4)
	st.AddChangeListener(func(rec alarm.Record) { changed <- rec })

	h := New(Config{}, Deps{Record: st.Load, Update: st.Patch, Now: time.Now}, logx.Nop()).Handler()

	rec := send(t, h, http.MethodPatch, "/alarm", `{"enabled":true,"time":"05:30","weekdays":[0,2],"language":"de"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "05:30", got["time"])
	require.Equal(t, true, got["enabled"])

	select {
	case r := <-changed:
		require.True(t, r.Enabled)
		require.Equal(t, "05:30", r.Time)
	case <-time.After(2 * time.Second):
		t.Fatal("change listener not notified")
	}

	rec = get(t, h, "/alarm")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `"de"`, mustField(t, rec.Body.Bytes(), "language"))
	require.JSONEq(t, `[0,2]`, mustField(t, rec.Body.Bytes(), "weekdays"))

	rec = send(t, h, http.MethodPatch, "/alarm", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, st.Load(context.Background()).Enabled)
	require.Equal(t, "05:30", st.Load(context.Background()).Time)
}

func mustField(t *testing.T, body []byte, key string) string {
	t.Helper()
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &doc))
	raw, ok := doc[key]
	require.True(t, ok, key)
	return string(raw)
}

func TestAlarmEditingRejectsBadInput(t *testing.T) {
	st := store.New(storage.NewMemory(), store.Config{}, logx.Nop())
	h := New(Config{}, Deps{Record: st.Load, Update: st.Patch}, logx.Nop()).Handler()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"not an object", `[1,2]`, http.StatusBadRequest},
		{"empty object", `{}`, http.StatusBadRequest},
		{"bad time", `{"time":"25:00"}`, http.StatusUnprocessableEntity},
		{"time not a string", `{"time":630}`, http.StatusUnprocessableEntity},
		{"weekday out of range", `{"weekdays":[7]}`, http.StatusUnprocessableEntity},
		{"enabled not a bool", `{"enabled":"yes"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, send(t, h, http.MethodPatch, "/alarm", tt.body).Code)
		})
	}
	require.Equal(t, alarm.Default().Time, st.Load(context.Background()).Time)
}

func TestAlarmReadOnlyWithoutUpdate(t *testing.T) {
	h := newService(Config{}, scheduler.Snapshot{Running: true}).Handler()
	require.Equal(t, http.StatusOK, get(t, h, "/alarm").Code)
	require.Equal(t, http.StatusMethodNotAllowed, send(t, h, http.MethodPatch, "/alarm", `{"enabled":false}`).Code)
}
