// Package notify forwards alarm events (and, optionally, log lines) to a
// chat. Sends are queued and delivered by a worker with a rate limit,
// retries and duplicate suppression, so publishers never block.
package notify

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"alarmd/internal/eventbus"
	rtsup "alarmd/internal/runtime/supervisor"
	logx "alarmd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

type Config struct {
	Enabled bool
	Target  Target
	// Events limits forwarded alarm events by name (armed, fired,
	// attempt_failed, missed). Empty forwards all.
	Events []string

	Location    *time.Location
	QueueSize   int
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

func (c Config) wants(typ string) bool {
	if len(c.Events) == 0 {
		return true
	}
	name := eventName(typ)
	for _, e := range c.Events {
		if e == name {
			return true
		}
	}
	return false
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger

	queue  chan string
	sup    *rtsup.Supervisor
	unsub  func()
	sendWG sync.WaitGroup

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires the service. bus may be nil when only SendLog is used.
func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log,
		dedup:  map[uint64]time.Time{},
		now:    time.Now,
		sleep:  sleepCtx,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	if s.limiter == nil || s.cfg.RatePerSec != cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start launches the event consumer and the send worker. It is idempotent
// and does nothing while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	q := make(chan string, s.cfg.QueueSize)
	s.queue = q
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery is best-effort and must not take the daemon down
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(32)
	}
	s.mu.Unlock()

	sup.GoRestart("notify.worker", func(c context.Context) error {
		s.worker(c, q)
		return c.Err()
	})
	if events != nil {
		sup.GoRestart("notify.events", func(c context.Context) error {
			s.consume(c, events)
			return c.Err()
		})
	}
}

// Stop stops intake and waits for the worker until ctx is done. Messages
// still queued at that point are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()
	if q == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	s.sendWG.Wait()
	close(q)

	done := make(chan error, 1)
	go func() { done <- sup.Wait(context.Background()) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return sup.Stop(context.Background())
	}
}

// Notify queues text for delivery.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && !s.dedupAllow(text, window) {
		s.log.Debug("notification suppressed (duplicate)")
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendLog implements logx.Sender.
func (s *Service) SendLog(ctx context.Context, text string) error {
	return s.Notify(ctx, text)
}

func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.mu.Lock()
			cfg := s.cfg
			s.mu.Unlock()
			if !cfg.wants(e.Type) {
				continue
			}
			text, ok := formatEvent(e, cfg.Location)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, text); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("alarm notification dropped", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) worker(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, text)
		}
	}
}

func (s *Service) send(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, retryDelay(cfg.RetryBase, attempt)); err != nil {
				return
			}
		}
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(callCtx, cfg.Target, text)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
	}
	// Not logged at warn: with the telegram log sink enabled that would
	// feed straight back into this queue.
	s.log.Debug("notification send failed", logx.Err(lastErr), logx.Int("attempts", cfg.RetryMax+1))
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d/4)+1))
}

func (s *Service) dedupAllow(text string, window time.Duration) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := h.Sum64()
	now := s.now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
