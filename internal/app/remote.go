package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/ops"
)

// errNoDaemon means the running daemon's ops endpoint could not be reached.
var errNoDaemon = errors.New("daemon not reachable")

// daemonOwned reports whether only the running daemon can use the driver:
// badger keeps an exclusive lock on its directory and memory lives inside
// the daemon process.
func daemonOwned(driver string) bool {
	return driver == "badger" || driver == "memory"
}

// opsClient talks to the /alarm route of a running daemon.
type opsClient struct {
	base  string
	token string
	http  *http.Client
}

func newOpsClient(cfg ops.Config) opsClient {
	addr := cfg.Addr
	if addr == "" {
		addr = ops.DefaultAddr
	}
	// a wildcard bind is reachable on loopback
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			addr = net.JoinHostPort("127.0.0.1", port)
		}
	}
	return opsClient{
		base:  "http://" + addr,
		token: cfg.Token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c opsClient) record(ctx context.Context) (alarm.Record, error) {
	return c.do(ctx, http.MethodGet, nil)
}

func (c opsClient) patch(ctx context.Context, fields map[string]json.RawMessage) (alarm.Record, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return alarm.Record{}, err
	}
	return c.do(ctx, http.MethodPatch, body)
}

func (c opsClient) do(ctx context.Context, method string, body []byte) (alarm.Record, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/alarm", bytes.NewReader(body))
	if err != nil {
		return alarm.Record{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return alarm.Record{}, fmt.Errorf("%w: %v", errNoDaemon, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return alarm.Record{}, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return alarm.Record{}, fmt.Errorf("%s /alarm: %s", method, e.Error)
		}
		return alarm.Record{}, fmt.Errorf("%s /alarm: %s", method, resp.Status)
	}
	var rec alarm.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return alarm.Record{}, fmt.Errorf("decode /alarm: %w", err)
	}
	rec.Normalize()
	return rec, nil
}
