// Package housekeeping runs periodic maintenance jobs on cron schedules:
// warming the readiness probe before an occurrence and keeping the playback
// access token fresh. Jobs never overlap themselves.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "alarmd/pkg/logx"
)

// Parser accepts 5-field and 6-field (with seconds) specs and descriptors.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const defaultJobTimeout = 30 * time.Second

type Job struct {
	Name string
	// Spec is a cron spec or "@every <duration>". Empty disables the job.
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type JobInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
	Runs    uint64        `json:"runs"`
	Skipped uint64        `json:"skipped"`
	LastErr string        `json:"last_err,omitempty"`
	Took    time.Duration `json:"took"`
}

type jobState struct {
	job     Job
	id      cron.EntryID
	running bool
	info    JobInfo
}

type Service struct {
	log logx.Logger

	mu   sync.Mutex
	loc  *time.Location
	c    *cron.Cron
	jobs map[string]*jobState
	ctx  context.Context

	wg sync.WaitGroup
}

func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{log: log, loc: loc, jobs: map[string]*jobState{}, ctx: context.Background()}
}

// Set replaces the job set. Jobs with an empty spec are dropped. When the
// service is running, schedules take effect immediately.
func (s *Service) Set(jobs []Job) error {
	var errs []error
	next := map[string]*jobState{}
	for _, j := range jobs {
		if strings.TrimSpace(j.Spec) == "" || j.Run == nil {
			continue
		}
		if _, err := schedule(j, time.Now()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.Name, err))
			continue
		}
		next[j.Name] = &jobState{job: j, info: JobInfo{Name: j.Name, Spec: j.Spec}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, old := range s.jobs {
		if s.c != nil {
			s.c.Remove(old.id)
		}
		if nj, ok := next[name]; ok {
			// keep counters across reschedules
			nj.info.Runs, nj.info.Skipped = old.info.Runs, old.info.Skipped
			nj.info.LastErr, nj.info.Took, nj.info.Prev = old.info.LastErr, old.info.Took, old.info.Prev
			nj.running = old.running
		}
	}
	s.jobs = next
	if s.c != nil {
		for _, js := range s.jobs {
			s.addLocked(js)
		}
	}
	return errors.Join(errs...)
}

// SetLocation changes the timezone cron specs are evaluated in.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc.String() == loc.String() {
		return
	}
	s.loc = loc
	if s.c == nil {
		return
	}
	// cron binds its location at construction
	old := s.c
	go old.Stop()
	s.startLocked()
}

func schedule(j Job, now time.Time) (cron.Schedule, error) {
	spec := strings.TrimSpace(j.Spec)
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if every < time.Second {
			return nil, fmt.Errorf("interval %s is below 1s", every)
		}
		return spreadInterval(every, now, j.Name), nil
	}
	return Parser.Parse(spec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("housekeeping started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) startLocked() {
	s.c = cron.New(cron.WithLocation(s.loc), cron.WithParser(Parser), cron.WithLogger(cronLogger{s.log}))
	for _, js := range s.jobs {
		s.addLocked(js)
	}
	s.c.Start()
}

func (s *Service) addLocked(js *jobState) {
	sched, err := schedule(js.job, time.Now().In(s.loc))
	if err != nil {
		s.log.Warn("job schedule invalid", logx.String("job", js.job.Name), logx.Err(err))
		return
	}
	name := js.job.Name
	js.id = s.c.Schedule(sched, cron.FuncJob(func() { s.runJob(name) }))
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.runJob(name)
}

var errSkipped = errors.New("job still running")

func (s *Service) runJob(name string) (err error) {
	s.mu.Lock()
	js, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if js.running {
		js.info.Skipped++
		s.mu.Unlock()
		s.log.Debug("job skipped (still running)", logx.String("job", name))
		return errSkipped
	}
	js.running = true
	job := js.job
	parent := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		took := time.Since(start)
		s.mu.Lock()
		js.running = false
		// Set may have replaced the state while the job ran.
		if cur, ok := s.jobs[name]; ok {
			cur.running = false
			cur.info.Runs++
			cur.info.Prev = start
			cur.info.Took = took
			cur.info.LastErr = ""
			if err != nil {
				cur.info.LastErr = err.Error()
			}
		}
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("job failed", logx.String("job", name), logx.Duration("took", took), logx.Err(err))
		} else {
			s.log.Debug("job done", logx.String("job", name), logx.Duration("took", took))
		}
	}()
	return job.Run(ctx)
}

// Snapshot lists jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, js := range s.jobs {
		info := js.info
		if s.c != nil {
			info.Next = s.c.Entry(js.id).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's own diagnostics (recovered panics, schedule
// errors) into the daemon log.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
