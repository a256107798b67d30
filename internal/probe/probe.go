// Package probe runs best-effort environment checks before an alarm fires.
// Results are diagnostics only; nothing here blocks or fails scheduling.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"alarmd/internal/metrics"
	"alarmd/internal/playback"
	logx "alarmd/pkg/logx"
)

type Config struct {
	// Host is the playback service host used for reachability, DNS and
	// clock checks.
	Host string
	Port string

	Timeout      time.Duration
	ClockTTL     time.Duration
	NetworkTTL   time.Duration
	DNSTTL       time.Duration
	MaxClockSkew time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "api.spotify.com"
	}
	if c.Port == "" {
		c.Port = "443"
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.ClockTTL <= 0 {
		c.ClockTTL = 60 * time.Second
	}
	if c.NetworkTTL <= 0 {
		c.NetworkTTL = 15 * time.Second
	}
	if c.DNSTTL <= 0 {
		c.DNSTTL = 15 * time.Second
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = 30 * time.Second
	}
	return c
}

// Snapshot is one complete readiness bundle.
type Snapshot struct {
	TriggerID   string        `json:"trigger_id,omitempty"`
	CheckedAt   time.Time     `json:"checked_at"`
	ClockOK     Tri           `json:"clock_ok"`
	ClockOffset time.Duration `json:"clock_offset_ns"`
	Network     Tri           `json:"network"`
	DNS         Tri           `json:"dns"`
	Credential  Tri           `json:"credential"`
	Device      Tri           `json:"device"`
}

// Fields renders s for structured log events.
func (s Snapshot) Fields() []logx.Field {
	return []logx.Field{
		logx.String("trigger_id", s.TriggerID),
		logx.String("clock_ok", s.ClockOK.String()),
		logx.Duration("clock_offset", s.ClockOffset),
		logx.String("network", s.Network.String()),
		logx.String("dns", s.DNS.String()),
		logx.String("credential", s.Credential.String()),
		logx.String("device", s.Device.String()),
	}
}

// TriggerID derives the correlation id of an occurrence.
func TriggerID(instant time.Time) string {
	if instant.IsZero() {
		return ""
	}
	return "alarm-" + instant.UTC().Format("20060102T150405Z")
}

type cached[T any] struct {
	val T
	at  time.Time
	set bool
}

func (c cached[T]) fresh(now time.Time, ttl time.Duration) bool {
	return c.set && now.Sub(c.at) < ttl
}

type clockResult struct {
	ok     Tri
	offset time.Duration
}

type Probe struct {
	cfg     Config
	backend playback.Backend
	log     logx.Logger
	now     func() time.Time

	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	lookup func(ctx context.Context, host string) ([]string, error)
	http   *http.Client
	// clockURL overrides the URL used for the Date header check.
	clockURL string

	mu sync.Mutex // guards the cached fields below
	g  singleflight.Group

	clock   cached[clockResult]
	network cached[Tri]
	dns     cached[Tri]
}

// New returns a probe. backend may be nil, in which case credential and
// device checks report Unknown.
func New(cfg Config, backend playback.Backend, log logx.Logger) *Probe {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &net.Dialer{}
	return &Probe{
		cfg:     cfg,
		backend: backend,
		log:     log,
		now:     time.Now,
		dial:    d.DialContext,
		lookup:  net.DefaultResolver.LookupHost,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Check runs every check concurrently and returns a complete bundle. It
// never fails and never panics.
func (p *Probe) Check(ctx context.Context, instant time.Time, deviceName string) Snapshot {
	snap := Snapshot{TriggerID: TriggerID(instant), CheckedAt: p.now()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.guard("clock", func() {
			c := p.checkClock(gctx)
			snap.ClockOK, snap.ClockOffset = c.ok, c.offset
		})
		return nil
	})
	g.Go(func() error {
		p.guard("network", func() { snap.Network = p.checkNetwork(gctx) })
		return nil
	})
	g.Go(func() error {
		p.guard("dns", func() { snap.DNS = p.checkDNS(gctx) })
		return nil
	})
	g.Go(func() error {
		p.guard("credential", func() {
			snap.Credential, snap.Device = p.checkCredentialAndDevice(gctx, deviceName)
		})
		return nil
	})
	_ = g.Wait()

	p.log.Debug("readiness checked", snap.Fields()...)
	return snap
}

// guard keeps a panicking check from escaping; the affected fields stay
// Unknown.
func (p *Probe) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ProbeChecks.WithLabelValues(name, Unknown.String()).Inc()
			p.log.Error("readiness check panicked", logx.String("check", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

// cachedCheck serves a fresh cached value or collapses concurrent
// refreshes into one call of compute.
func cachedCheck[T any](p *Probe, name string, slot *cached[T], ttl time.Duration, compute func() T) T {
	p.mu.Lock()
	if slot.fresh(p.now(), ttl) {
		v := slot.val
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	v, _, _ := p.g.Do(name, func() (any, error) {
		val := compute()
		p.mu.Lock()
		*slot = cached[T]{val: val, at: p.now(), set: true}
		p.mu.Unlock()
		return val, nil
	})
	return v.(T)
}

func (p *Probe) checkClock(ctx context.Context) clockResult {
	return cachedCheck(p, "clock", &p.clock, p.cfg.ClockTTL, func() clockResult {
		res := p.measureClock(ctx)
		metrics.ProbeChecks.WithLabelValues("clock", res.ok.String()).Inc()
		if res.ok != Unknown {
			metrics.ClockOffsetSeconds.Set(res.offset.Seconds())
		}
		return res
	})
}

func (p *Probe) measureClock(ctx context.Context) clockResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	u := p.clockURL
	if u == "" {
		u = "https://" + net.JoinHostPort(p.cfg.Host, p.cfg.Port) + "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return clockResult{}
	}
	sent := p.now()
	res, err := p.http.Do(req)
	if err != nil {
		p.log.Debug("clock check failed", logx.Err(err))
		return clockResult{}
	}
	res.Body.Close()
	recv := p.now()

	server, err := http.ParseTime(res.Header.Get("Date"))
	if err != nil {
		return clockResult{}
	}
	local := sent.Add(recv.Sub(sent) / 2)
	offset := local.Sub(server).Round(time.Second)
	return clockResult{ok: FromBool(absDur(offset) <= p.cfg.MaxClockSkew), offset: offset}
}

func (p *Probe) checkNetwork(ctx context.Context) Tri {
	return cachedCheck(p, "network", &p.network, p.cfg.NetworkTTL, func() Tri {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		conn, err := p.dial(ctx, "tcp", net.JoinHostPort(p.cfg.Host, p.cfg.Port))
		var res Tri
		if err != nil {
			p.log.Debug("network check failed", logx.Err(err))
			res = False
		} else {
			conn.Close()
			res = True
		}
		metrics.ProbeChecks.WithLabelValues("network", res.String()).Inc()
		return res
	})
}

func (p *Probe) checkDNS(ctx context.Context) Tri {
	return cachedCheck(p, "dns", &p.dns, p.cfg.DNSTTL, func() Tri {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		addrs, err := p.lookup(ctx, p.cfg.Host)
		res := FromBool(err == nil && len(addrs) > 0)
		if err != nil {
			p.log.Debug("dns check failed", logx.Err(err))
		}
		metrics.ProbeChecks.WithLabelValues("dns", res.String()).Inc()
		return res
	})
}

// checkCredentialAndDevice delegates to the backend. The device check needs
// a token, so it is Unknown whenever the credential is not available.
func (p *Probe) checkCredentialAndDevice(ctx context.Context, deviceName string) (cred, dev Tri) {
	if p.backend == nil {
		return Unknown, Unknown
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	tok, ok := p.backend.Token(ctx)
	cred = FromBool(ok)
	metrics.ProbeChecks.WithLabelValues("credential", cred.String()).Inc()
	if !ok {
		return cred, Unknown
	}
	_, found := p.backend.ResolveDevice(ctx, tok, deviceName)
	dev = FromBool(found)
	metrics.ProbeChecks.WithLabelValues("device", dev.String()).Inc()
	return cred, dev
}

// Reset drops all cached results.
func (p *Probe) Reset() {
	p.mu.Lock()
	p.clock, p.network, p.dns = cached[clockResult]{}, cached[Tri]{}, cached[Tri]{}
	p.mu.Unlock()
}

func (s Snapshot) String() string {
	return fmt.Sprintf("clock=%s network=%s dns=%s credential=%s device=%s",
		s.ClockOK, s.Network, s.DNS, s.Credential, s.Device)
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
