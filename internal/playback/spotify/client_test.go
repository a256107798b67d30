package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"alarmd/internal/playback"
	logx "alarmd/pkg/logx"
)

type memRefresh struct {
	mu  sync.Mutex
	val string
	err error
}

func (m *memRefresh) Get() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.val, m.err
}

func (m *memRefresh) Set(v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.val = v
	return nil
}

type call struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type fakeAPI struct {
	mu          sync.Mutex
	calls       []call
	tokenCalls  int
	rotate      string
	devices     string
	playStatus  int
	volumeFails bool
	// inactive rejects volume changes until the first successful play
	inactive    bool
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "id", user)
		require.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		f.mu.Lock()
		f.tokenCalls++
		rotate := f.rotate
		f.mu.Unlock()
		resp := map[string]any{"access_token": "access-" + r.PostForm.Get("refresh_token"), "expires_in": 3600}
		if rotate != "" {
			resp["refresh_token"] = rotate
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/v1/me/player/", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.calls = append(f.calls, call{r.Method, r.URL.Path, r.URL.RawQuery, string(b)})
		devices, playStatus, volumeFails, inactive := f.devices, f.playStatus, f.volumeFails, f.inactive
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer access-rt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/me/player/devices":
			_, _ = io.WriteString(w, devices)
		case "/v1/me/player/play":
			if playStatus != 0 {
				http.Error(w, "no active device", playStatus)
				return
			}
			f.mu.Lock()
			f.inactive = false
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case "/v1/me/player/volume":
			if volumeFails {
				http.Error(w, "restricted", http.StatusForbidden)
				return
			}
			if inactive {
				http.Error(w, "no active device", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	return mux
}

func (f *fakeAPI) snapshot() ([]call, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...), f.tokenCalls
}

func newTestClient(t *testing.T, api *fakeAPI, refresh RefreshStore) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		APIURL:       srv.URL,
		AccountsURL:  srv.URL,
		RatePerSec:   1000,
	}, refresh, logx.Nop())
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api, &memRefresh{val: "rt"})
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	tok, ok := c.Token(context.Background())
	require.True(t, ok)
	require.Equal(t, "access-rt", tok.Value)

	_, ok = c.Token(context.Background())
	require.True(t, ok)
	_, n := api.snapshot()
	require.Equal(t, 1, n)

	// Inside the expiry margin a new token is fetched.
	now = now.Add(3600*time.Second - 30*time.Second)
	_, ok = c.Token(context.Background())
	require.True(t, ok)
	_, n = api.snapshot()
	require.Equal(t, 2, n)
}

func TestTokenRotatesRefreshToken(t *testing.T) {
	api := &fakeAPI{rotate: "rt2"}
	store := &memRefresh{val: "rt"}
	c := newTestClient(t, api, store)

	_, ok := c.Token(context.Background())
	require.True(t, ok)
	v, _ := store.Get()
	require.Equal(t, "rt2", v)
}

func TestTokenWithoutCredential(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api, &memRefresh{err: errors.New("not found")})
	_, ok := c.Token(context.Background())
	require.False(t, ok)
	_, n := api.snapshot()
	require.Zero(t, n)
}

func TestResolveDevice(t *testing.T) {
	api := &fakeAPI{devices: `{"devices":[
		{"id":"d1","name":"Kitchen","is_active":false},
		{"id":"d2","name":"Bedroom Speaker","is_active":true}]}`}
	c := newTestClient(t, api, &memRefresh{val: "rt"})
	tok := playback.Token{Value: "access-rt"}

	cases := []struct {
		name   string
		wantID string
		wantOK bool
	}{
		{"bedroom speaker", "d2", true},
		{"  Kitchen ", "d1", true},
		{"", "d2", true},
		{"Garage", "", false},
	}
	for _, tc := range cases {
		id, ok := c.ResolveDevice(context.Background(), tok, tc.name)
		require.Equal(t, tc.wantOK, ok, tc.name)
		require.Equal(t, tc.wantID, id, tc.name)
	}
}

func TestResolveDeviceUnauthorized(t *testing.T) {
	api := &fakeAPI{devices: `{"devices":[]}`}
	c := newTestClient(t, api, &memRefresh{val: "rt"})
	_, ok := c.ResolveDevice(context.Background(), playback.Token{Value: "stale"}, "Kitchen")
	require.False(t, ok)
}

func TestStartPlaybackSequence(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api, &memRefresh{val: "rt"})
	tok := playback.Token{Value: "access-rt"}

	err := c.StartPlayback(context.Background(), tok, playback.PlayRequest{
		DeviceID:   "d1",
		ContextURI: "spotify:playlist:abc",
		Volume:     120,
		Shuffle:    true,
	})
	require.NoError(t, err)

	calls, _ := api.snapshot()
	require.Len(t, calls, 3)
	require.Equal(t, call{"PUT", "/v1/me/player/volume", "device_id=d1&volume_percent=100", ""}, calls[0])
	require.Equal(t, "/v1/me/player/play", calls[1].Path)
	require.Equal(t, "device_id=d1", calls[1].Query)
	require.JSONEq(t, `{"context_uri":"spotify:playlist:abc"}`, calls[1].Body)
	require.Equal(t, "/v1/me/player/shuffle", calls[2].Path)
	require.Equal(t, "device_id=d1&state=true", calls[2].Query)
}

func TestStartPlaybackToleratesVolumeFailure(t *testing.T) {
	api := &fakeAPI{volumeFails: true}
	c := newTestClient(t, api, &memRefresh{val: "rt"})
	err := c.StartPlayback(context.Background(), playback.Token{Value: "access-rt"}, playback.PlayRequest{DeviceID: "d1", ContextURI: "spotify:album:x"})
	require.NoError(t, err)
	calls, _ := api.snapshot()
	require.Len(t, calls, 3)
	require.Equal(t, "/v1/me/player/play", calls[1].Path)
	require.Equal(t, "/v1/me/player/volume", calls[2].Path)
}

func TestStartPlaybackSetsVolumeOnceDeviceWakes(t *testing.T) {
	api := &fakeAPI{inactive: true}
	c := newTestClient(t, api, &memRefresh{val: "rt"})
	err := c.StartPlayback(context.Background(), playback.Token{Value: "access-rt"}, playback.PlayRequest{
		DeviceID: "d1", ContextURI: "spotify:album:x", Volume: 5,
	})
	require.NoError(t, err)

	calls, _ := api.snapshot()
	require.Len(t, calls, 3)
	require.Equal(t, "/v1/me/player/volume", calls[0].Path)
	require.Equal(t, "/v1/me/player/play", calls[1].Path)
	require.Equal(t, call{"PUT", "/v1/me/player/volume", "device_id=d1&volume_percent=5", ""}, calls[2])
}

func TestStartPlaybackFailure(t *testing.T) {
	api := &fakeAPI{playStatus: http.StatusNotFound}
	c := newTestClient(t, api, &memRefresh{val: "rt"})
	err := c.StartPlayback(context.Background(), playback.Token{Value: "access-rt"}, playback.PlayRequest{DeviceID: "d1", ContextURI: "spotify:album:x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "http 404")
}
