// Package scheduler owns the single alarm worker. It computes the next
// occurrence, sleeps until shortly before it, retries the executor inside the
// trigger window and recomputes immediately when the configuration changes.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/executor"
	"alarmd/internal/metrics"
	"alarmd/internal/probe"
	"alarmd/internal/store"
	"alarmd/internal/timecalc"
	logx "alarmd/pkg/logx"
)

type State string

const (
	Idle    State = "idle"
	Waiting State = "waiting"
	Armed   State = "armed"
)

type Config struct {
	Location *time.Location

	Window          time.Duration
	CatchupGrace    time.Duration
	AttemptInterval time.Duration
	IdleCeiling     time.Duration
	MaxSleep        time.Duration
	MissPause       time.Duration
	HistorySize     int
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Window <= 0 {
		c.Window = timecalc.DefaultTolerance
	}
	if c.CatchupGrace < 0 {
		c.CatchupGrace = 0
	}
	if c.AttemptInterval <= 0 {
		c.AttemptInterval = 5 * time.Second
	}
	if c.IdleCeiling <= 0 {
		c.IdleCeiling = 60 * time.Second
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = 10 * time.Minute
	}
	if c.MissPause <= 0 {
		c.MissPause = time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 20
	}
	return c
}

// reach is how far around an occurrence the executor can still accept it.
func (c Config) reach() time.Duration { return max(c.Window, c.CatchupGrace) }

// Firer runs one fire attempt. *executor.Executor implements it.
type Firer interface {
	Attempt(ctx context.Context, now time.Time, grace time.Duration) executor.Outcome
}

// Prober collects readiness diagnostics. *probe.Probe implements it.
type Prober interface {
	Check(ctx context.Context, instant time.Time, deviceName string) probe.Snapshot
}

// Attempt is one entry of the attempt history.
type Attempt struct {
	TriggerID string           `json:"trigger_id"`
	At        time.Time        `json:"at"`
	Outcome   executor.Outcome `json:"outcome"`
	Readiness probe.Snapshot   `json:"readiness"`
}

type Counters struct {
	Armed          uint64 `json:"armed"`
	Fired          uint64 `json:"fired"`
	AttemptsFailed uint64 `json:"attempts_failed"`
	Missed         uint64 `json:"missed"`
	Wakes          uint64 `json:"wakes"`
}

type Snapshot struct {
	Running   bool            `json:"running"`
	State     State           `json:"state"`
	NextFire  *time.Time      `json:"next_fire,omitempty"`
	TriggerID string          `json:"trigger_id,omitempty"`
	Readiness *probe.Snapshot `json:"readiness,omitempty"`
	Counters  Counters        `json:"counters"`
	History   []Attempt       `json:"history"`
}

// EventData is the payload of the alarm.* events.
type EventData struct {
	TriggerID string           `json:"trigger_id"`
	Instant   time.Time        `json:"instant"`
	Attempt   int              `json:"attempt,omitempty"`
	Outcome   executor.Outcome `json:"outcome,omitempty"`
	Readiness probe.Snapshot   `json:"readiness"`
}

type Scheduler struct {
	store *store.Store
	exec  Firer
	probe Prober
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	wake chan struct{}

	mu        sync.Mutex
	cfg       Config
	state     State
	next      time.Time
	triggerID string
	readiness *probe.Snapshot
	counters  Counters
	history   []Attempt
	armedID   string
	handled   time.Time // last occurrence whose playback started

	runMu    sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	listener store.ListenerID
}

// New wires a scheduler. prb and bus may be nil.
func New(st *store.Store, exec Firer, prb Prober, bus eventbus.Bus, cfg Config, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store: st,
		exec:  exec,
		probe: prb,
		bus:   bus,
		log:   log,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
		cfg:   cfg.withDefaults(),
		state: Idle,
	}
}

// Start launches the worker and subscribes to configuration changes. Calling
// Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.listener = s.store.AddChangeListener(func(alarm.Record) { s.Wake() })

	done := s.done
	go func() {
		defer close(done)
		s.run(ctx)
	}()
	s.log.Info("scheduler started")
}

// Stop cancels the worker and waits for it to exit or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	if cancel != nil {
		s.store.RemoveChangeListener(s.listener)
		s.cancel, s.done = nil, nil
	}
	s.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

// Wake makes the worker recompute right away.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Apply replaces the tunables and wakes the worker.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	s.Wake()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) run(ctx context.Context) {
	for ctx.Err() == nil {
		s.iterate(ctx)
	}
	s.setState(Idle, time.Time{}, "")
}

// iterate runs one pass of the loop. It never panics.
func (s *Scheduler) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler iteration panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.sleep(ctx, s.config().MissPause)
		}
	}()

	s.drainWake()
	cfg := s.config()
	rec := s.store.Load(ctx)
	now := s.now().In(cfg.Location)

	occ, ok := s.nextOccurrence(rec, now, cfg)
	if !ok {
		s.setState(Idle, time.Time{}, "")
		s.sleep(ctx, cfg.IdleCeiling)
		return
	}
	id := probe.TriggerID(occ)
	deadline := occ.Add(cfg.reach())
	if !now.Before(deadline) {
		// Only reachable when the clock jumped between lookup and here.
		s.missed(rec, occ, id, 0)
		s.sleep(ctx, cfg.MissPause)
		return
	}

	if wait := occ.Sub(now) - cfg.Window; wait > 0 {
		s.setState(Waiting, occ, id)
		s.log.Debug("waiting for next occurrence",
			logx.String("trigger_id", id),
			logx.Time("at", occ),
			logx.Duration("in", occ.Sub(now)),
		)
		// Recompute after every chunk so wall-clock jumps are caught.
		s.sleep(ctx, min(wait, cfg.MaxSleep))
		return
	}

	s.armed(ctx, rec, occ, id, deadline, cfg)
}

// nextOccurrence finds the occurrence to work on. The lookup starts reach
// before now so a just-passed occurrence is still attempted, and skips the
// occurrence that was already handled.
func (s *Scheduler) nextOccurrence(rec alarm.Record, now time.Time, cfg Config) (time.Time, bool) {
	if !rec.Enabled {
		return time.Time{}, false
	}
	tod, err := timecalc.ParseTimeOfDay(rec.Time)
	if err != nil {
		return time.Time{}, false
	}
	occ, ok := timecalc.NextOccurrence(tod, rec.Weekdays, now.Add(-cfg.reach()))
	if !ok {
		return time.Time{}, false
	}
	s.mu.Lock()
	handled := s.handled
	s.mu.Unlock()
	if !handled.IsZero() && occ.Equal(handled) {
		occ, ok = timecalc.NextOccurrence(tod, rec.Weekdays, occ)
	}
	return occ, ok
}

func (s *Scheduler) armed(ctx context.Context, rec alarm.Record, occ time.Time, id string, deadline time.Time, cfg Config) {
	log := s.log.With(logx.String("trigger_id", id))
	s.setState(Armed, occ, id)
	readiness := s.check(ctx, occ, rec.DeviceName)

	s.mu.Lock()
	first := s.armedID != id
	if first {
		s.armedID = id
		s.counters.Armed++
	}
	s.mu.Unlock()
	if first {
		log.Info("alarm armed", readiness.Fields()[1:]...)
		s.publish(eventbus.AlarmArmed, EventData{TriggerID: id, Instant: occ, Readiness: readiness})
	}

	for n := 1; ; n++ {
		if ctx.Err() != nil {
			return
		}
		now := s.now().In(cfg.Location)
		if !now.Before(deadline) {
			s.missed(rec, occ, id, n-1)
			s.sleep(ctx, cfg.MissPause)
			return
		}

		out := s.exec.Attempt(ctx, now, cfg.CatchupGrace)
		s.record(Attempt{TriggerID: id, At: now, Outcome: out, Readiness: readiness}, cfg.HistorySize)
		data := EventData{TriggerID: id, Instant: occ, Attempt: n, Outcome: out, Readiness: readiness}

		switch {
		case out.Started():
			s.mu.Lock()
			s.handled = occ
			if out.Fired() {
				s.counters.Fired++
			}
			s.mu.Unlock()
			log.Info("alarm fired", logx.Int("attempt", n), logx.String("outcome", string(out)))
			s.publish(eventbus.AlarmFired, data)
			return
		case out == executor.Disabled || out == executor.InvalidTime || out == executor.WrongWeekday:
			// The record changed under us; recompute.
			log.Debug("attempt no longer applicable", logx.String("outcome", string(out)))
			return
		}

		if out != executor.OutsideWindow {
			s.mu.Lock()
			s.counters.AttemptsFailed++
			s.mu.Unlock()
			log.Warn("fire attempt failed", append(readiness.Fields()[1:], logx.Int("attempt", n), logx.String("outcome", string(out)))...)
			s.publish(eventbus.AlarmAttemptFailed, data)
		}

		if s.sleep(ctx, min(cfg.AttemptInterval, deadline.Sub(now))) {
			// Woken by a configuration change: recompute from scratch.
			return
		}
		if out != executor.OutsideWindow {
			readiness = s.check(ctx, occ, rec.DeviceName)
		}
	}
}

func (s *Scheduler) missed(rec alarm.Record, occ time.Time, id string, attempts int) {
	s.mu.Lock()
	s.counters.Missed++
	readiness := s.readiness
	s.mu.Unlock()
	metrics.MissedTriggers.Inc()

	data := EventData{TriggerID: id, Instant: occ, Attempt: attempts}
	if readiness != nil {
		data.Readiness = *readiness
	}
	s.log.Warn("alarm window closed without firing",
		logx.String("trigger_id", id),
		logx.Int("attempts", attempts),
		logx.Bool("enabled", rec.Enabled),
	)
	s.publish(eventbus.AlarmMissed, data)
}

func (s *Scheduler) check(ctx context.Context, occ time.Time, device string) probe.Snapshot {
	if s.probe == nil {
		return probe.Snapshot{TriggerID: probe.TriggerID(occ), CheckedAt: s.now()}
	}
	snap := s.probe.Check(ctx, occ, device)
	s.mu.Lock()
	s.readiness = &snap
	s.mu.Unlock()
	return snap
}

func (s *Scheduler) record(a Attempt, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, a)
	if over := len(s.history) - limit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

func (s *Scheduler) publish(typ string, data EventData) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Scheduler) setState(st State, next time.Time, id string) {
	s.mu.Lock()
	changed := s.state != st
	s.state, s.next, s.triggerID = st, next, id
	s.mu.Unlock()

	if changed {
		metrics.SetSchedulerState(string(st))
	}
	if next.IsZero() {
		metrics.NextFireTimestamp.Set(0)
	} else {
		metrics.NextFireTimestamp.Set(float64(next.Unix()))
	}
}

// sleep waits for d, a wake signal or ctx. It reports whether it was
// interrupted.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-s.wake:
		s.mu.Lock()
		s.counters.Wakes++
		s.mu.Unlock()
		return true
	case <-ctx.Done():
		return true
	}
}

func (s *Scheduler) drainWake() {
	select {
	case <-s.wake:
	default:
	}
}

// NextFire returns the occurrence currently waited for or attempted.
func (s *Scheduler) NextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, !s.next.IsZero()
}

// LastReadiness returns the most recent readiness snapshot.
func (s *Scheduler) LastReadiness() (probe.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readiness == nil {
		return probe.Snapshot{}, false
	}
	return *s.readiness, true
}

func (s *Scheduler) Snapshot() Snapshot {
	running := s.running()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:   running,
		State:     s.state,
		TriggerID: s.triggerID,
		Counters:  s.counters,
		History:   append([]Attempt(nil), s.history...),
	}
	if !s.next.IsZero() {
		next := s.next
		snap.NextFire = &next
	}
	if s.readiness != nil {
		r := *s.readiness
		snap.Readiness = &r
	}
	return snap
}
