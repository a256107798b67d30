// Package spotify implements playback.Backend on top of the Spotify Web API.
package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"alarmd/internal/metrics"
	"alarmd/internal/playback"
	logx "alarmd/pkg/logx"
)

const (
	DefaultAPIURL      = "https://api.spotify.com"
	DefaultAccountsURL = "https://accounts.spotify.com"

	backendName  = "spotify"
	expiryMargin = 60 * time.Second
)

// RefreshStore holds the long-lived refresh token. *credential.Store
// satisfies it.
type RefreshStore interface {
	Get() (string, error)
	Set(secret string) error
}

type Config struct {
	ClientID     string
	ClientSecret string
	APIURL       string
	AccountsURL  string
	// RatePerSec bounds outbound requests; <= 0 uses 5.
	RatePerSec float64
	Timeout    time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	refresh RefreshStore
	log     logx.Logger
	now     func() time.Time

	mu  sync.Mutex
	tok playback.Token
}

var _ playback.Backend = (*Client)(nil)

func New(cfg Config, refresh RefreshStore, log logx.Logger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.AccountsURL == "" {
		cfg.AccountsURL = DefaultAccountsURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.AccountsURL = strings.TrimRight(cfg.AccountsURL, "/")
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
		refresh: refresh,
		log:     log.With(logx.String("backend", backendName)),
		now:     time.Now,
	}
}

func (c *Client) Name() string { return backendName }

// Token returns the cached access token, or exchanges the stored refresh
// token for a new one.
func (c *Client) Token(ctx context.Context) (playback.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok.Valid(c.now(), expiryMargin) {
		return c.tok, true
	}
	if c.refresh == nil || c.cfg.ClientID == "" {
		return playback.Token{}, false
	}
	rt, err := c.refresh.Get()
	if err != nil || rt == "" {
		c.log.Debug("no refresh token", logx.Err(err))
		return playback.Token{}, false
	}
	tok, rotated, err := c.exchange(ctx, rt)
	metrics.BackendRequests.WithLabelValues(backendName, "token", metrics.Result(err)).Inc()
	if err != nil {
		c.log.Warn("token refresh failed", logx.Err(err))
		return playback.Token{}, false
	}
	if rotated != "" && rotated != rt {
		if err := c.refresh.Set(rotated); err != nil {
			c.log.Warn("store rotated refresh token", logx.Err(err))
		}
	}
	c.tok = tok
	return tok, true
}

// Forget drops the cached access token.
func (c *Client) Forget() {
	c.mu.Lock()
	c.tok = playback.Token{}
	c.mu.Unlock()
}

func (c *Client) exchange(ctx context.Context, refreshToken string) (playback.Token, string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	if err := c.limiter.Wait(ctx); err != nil {
		return playback.Token{}, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AccountsURL+"/api/token", strings.NewReader(form.Encode()))
	if err != nil {
		return playback.Token{}, "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return playback.Token{}, "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return playback.Token{}, "", statusError(res)
	}
	var p struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		return playback.Token{}, "", fmt.Errorf("decode token response: %w", err)
	}
	if p.AccessToken == "" {
		return playback.Token{}, "", errors.New("token response without access_token")
	}
	tok := playback.Token{Value: p.AccessToken}
	if p.ExpiresIn > 0 {
		tok.Expiry = c.now().Add(time.Duration(p.ExpiresIn) * time.Second)
	}
	return tok, p.RefreshToken, nil
}

// Device is a Connect device as listed by the player API.
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Devices lists the devices currently visible to the account.
func (c *Client) Devices(ctx context.Context, tok playback.Token) ([]Device, error) {
	var p struct {
		Devices []Device `json:"devices"`
	}
	res, err := c.do(ctx, tok, http.MethodGet, "/v1/me/player/devices", nil, nil)
	metrics.BackendRequests.WithLabelValues(backendName, "devices", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	return p.Devices, nil
}

// ResolveDevice matches name case-insensitively. An empty name picks the
// active device, or the first one listed.
func (c *Client) ResolveDevice(ctx context.Context, tok playback.Token, name string) (string, bool) {
	devices, err := c.Devices(ctx, tok)
	if err != nil {
		c.log.Warn("list devices failed", logx.Err(err))
		return "", false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		for _, d := range devices {
			if d.IsActive && d.ID != "" {
				return d.ID, true
			}
		}
		if len(devices) > 0 && devices[0].ID != "" {
			return devices[0].ID, true
		}
		return "", false
	}
	for _, d := range devices {
		if strings.EqualFold(strings.TrimSpace(d.Name), name) && d.ID != "" {
			return d.ID, true
		}
	}
	return "", false
}

// StartPlayback sets the volume, starts the context and applies shuffle.
// An inactive Connect device rejects volume changes until it plays, so a
// failed initial volume is set again once playback has started. Volume and
// shuffle failures are logged; only the play call decides the result.
func (c *Client) StartPlayback(ctx context.Context, tok playback.Token, req playback.PlayRequest) error {
	volErr := c.SetVolume(ctx, tok, req.DeviceID, req.Volume)
	if volErr != nil {
		c.log.Debug("initial volume rejected before playback", logx.Err(volErr))
	}

	body, err := json.Marshal(map[string]string{"context_uri": req.ContextURI})
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("device_id", req.DeviceID)
	res, err := c.do(ctx, tok, http.MethodPut, "/v1/me/player/play", q, body)
	metrics.BackendRequests.WithLabelValues(backendName, "play", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	drain(res)

	if volErr != nil {
		if err := c.SetVolume(ctx, tok, req.DeviceID, req.Volume); err != nil {
			c.log.Warn("set initial volume failed", logx.Err(err))
		}
	}

	if req.Shuffle {
		q := url.Values{}
		q.Set("state", "true")
		q.Set("device_id", req.DeviceID)
		res, err := c.do(ctx, tok, http.MethodPut, "/v1/me/player/shuffle", q, nil)
		metrics.BackendRequests.WithLabelValues(backendName, "shuffle", metrics.Result(err)).Inc()
		if err != nil {
			c.log.Warn("enable shuffle failed", logx.Err(err))
		} else {
			drain(res)
		}
	}
	return nil
}

func (c *Client) SetVolume(ctx context.Context, tok playback.Token, deviceID string, percent int) error {
	q := url.Values{}
	q.Set("volume_percent", strconv.Itoa(clamp(percent)))
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	res, err := c.do(ctx, tok, http.MethodPut, "/v1/me/player/volume", q, nil)
	metrics.BackendRequests.WithLabelValues(backendName, "volume", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	drain(res)
	return nil
}

// do sends an authorized API request. Non-2xx responses are returned as
// errors with the body closed.
func (c *Client) do(ctx context.Context, tok playback.Token, method, path string, q url.Values, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := c.cfg.APIURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		defer res.Body.Close()
		if res.StatusCode == http.StatusUnauthorized {
			c.Forget()
		}
		return nil, statusError(res)
	}
	return res, nil
}

func statusError(res *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return fmt.Errorf("http %d", res.StatusCode)
	}
	return fmt.Errorf("http %d: %s", res.StatusCode, msg)
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	_ = res.Body.Close()
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
