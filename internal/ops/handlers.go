package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"alarmd/internal/alarm"
	"alarmd/internal/housekeeping"
	"alarmd/internal/probe"
	"alarmd/internal/runtime/supervisor"
	"alarmd/internal/scheduler"
	"alarmd/internal/timecalc"
)

const defaultRatePerMin = 120

// Deps are the views the handlers render. Nil fields are omitted from the
// responses; without Update the alarm record is read-only.
type Deps struct {
	Scheduler func() scheduler.Snapshot
	Record    func(ctx context.Context) alarm.Record
	Update    func(ctx context.Context, fields map[string]json.RawMessage) (alarm.Record, error)
	Jobs      func() []housekeeping.JobInfo
	Tasks     func() supervisor.Snapshot
	Location  *time.Location
	Now       func() time.Time
}

// Handler returns the router for cfg without serving it.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.handler(cur)
}

func (s *Service) handler(cfg Config) http.Handler {
	rate := cfg.RatePerMin
	if rate <= 0 {
		rate = defaultRatePerMin
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.Limit(rate, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limit_exceeded"})
		}),
	))
	r.Use(withAuth(cfg.Token))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.status)
	if s.deps.Record != nil {
		r.Get("/alarm", s.getAlarm)
		if s.deps.Update != nil {
			r.Patch("/alarm", s.patchAlarm)
		}
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	return otelhttp.NewHandler(r, "alarmd.ops",
		otelhttp.WithFilter(shouldTrace),
		otelhttp.WithSpanNameFormatter(func(op string, r *http.Request) string {
			return op + " " + r.URL.Path
		}),
	)
}

// health and scrape endpoints are too chatty to trace
func shouldTrace(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		return false
	}
	return true
}

func (s *Service) healthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler != nil && !s.deps.Scheduler().Running {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readiness struct {
	Ready    *bool           `json:"ready"`
	Snapshot *probe.Snapshot `json:"snapshot,omitempty"`
}

// readyz reports the latest readiness bundle. Unknown checks do not fail
// the probe; only a check that ran and failed does.
func (s *Service) readyz(w http.ResponseWriter, r *http.Request) {
	var out readiness
	if s.deps.Scheduler != nil {
		out.Snapshot = s.deps.Scheduler().Readiness
	}
	code := http.StatusOK
	if out.Snapshot != nil {
		ok := isReady(*out.Snapshot)
		out.Ready = &ok
		if !ok {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, out)
}

func isReady(s probe.Snapshot) bool {
	for _, t := range []probe.Tri{s.ClockOK, s.Network, s.DNS, s.Credential, s.Device} {
		if t == probe.False {
			return false
		}
	}
	return true
}

type alarmView struct {
	Enabled    bool   `json:"enabled"`
	Time       string `json:"time"`
	Weekdays   []int  `json:"weekdays"`
	DeviceName string `json:"device_name,omitempty"`
	TimeUntil  string `json:"time_until"`
	LoadError  string `json:"load_error,omitempty"`
}

type statusView struct {
	Now       time.Time              `json:"now"`
	Timezone  string                 `json:"timezone"`
	Alarm     *alarmView             `json:"alarm,omitempty"`
	Scheduler *scheduler.Snapshot    `json:"scheduler,omitempty"`
	Jobs      []housekeeping.JobInfo `json:"jobs,omitempty"`
	Tasks     *supervisor.Snapshot   `json:"tasks,omitempty"`
}

func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	loc := s.deps.Location
	if loc == nil {
		loc = time.Local
	}
	now := s.deps.Now().In(loc)
	out := statusView{Now: now, Timezone: loc.String()}

	if s.deps.Record != nil {
		rec := s.deps.Record(r.Context())
		until := timecalc.Unknown
		if rec.Enabled {
			until = timecalc.HumanizeTimeUntil(rec.Time, rec.Weekdays, now)
		}
		weekdays := rec.Weekdays
		if weekdays == nil {
			weekdays = []int{}
		}
		out.Alarm = &alarmView{
			Enabled:    rec.Enabled,
			Time:       rec.Time,
			Weekdays:   weekdays,
			DeviceName: rec.DeviceName,
			TimeUntil:  until,
			LoadError:  rec.LoadError,
		}
	}
	if s.deps.Scheduler != nil {
		snap := s.deps.Scheduler()
		out.Scheduler = &snap
	}
	if s.deps.Jobs != nil {
		out.Jobs = s.deps.Jobs()
	}
	if s.deps.Tasks != nil {
		t := s.deps.Tasks()
		out.Tasks = &t
	}
	writeJSON(w, http.StatusOK, out)
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
// An empty token disables the check.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
