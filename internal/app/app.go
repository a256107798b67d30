// Package app wires the daemon: settings, logging, the alarm record store,
// the scheduling core and the optional outer surfaces (notifications,
// housekeeping jobs, the ops HTTP server).
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alarmd/internal/config"
	"alarmd/internal/eventbus"
	"alarmd/internal/executor"
	"alarmd/internal/housekeeping"
	"alarmd/internal/notify"
	"alarmd/internal/ops"
	"alarmd/internal/probe"
	rtsup "alarmd/internal/runtime/supervisor"
	"alarmd/internal/scheduler"
	"alarmd/internal/storage"
	"alarmd/internal/store"
	logx "alarmd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	storage storage.Store
	store   *store.Store
	backend *backend
	probe   *probe.Probe
	exec    *executor.Executor
	sched   *scheduler.Scheduler

	notif *notify.Service
	hk    *housekeeping.Service
	ops   *ops.Service

	// token the notify sender was built with
	notifyToken string
}

// NewApp loads the settings at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logs, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New()}
	if err := a.build(cfg, root); err != nil {
		if a.storage != nil {
			_ = a.storage.Close()
		}
		_ = logs.Close()
		return nil, err
	}

	// hot reloads must map cleanly before they are committed
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return checkMappings(c)
	})
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	a.storage, err = storage.Open(sc, comp("storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	stc, err := mapStore(cfg)
	if err != nil {
		return err
	}
	a.store = store.New(a.storage, stc, comp("store"))

	a.backend, err = newBackend(cfg, comp("backend"))
	if err != nil {
		return err
	}

	pc, err := mapProbe(cfg)
	if err != nil {
		return err
	}
	a.probe = probe.New(pc, a.backend, comp("probe"))

	ec, err := mapExecutor(cfg)
	if err != nil {
		return err
	}
	a.exec = executor.New(a.store, a.backend, ec, comp("executor"))

	schc, err := mapScheduler(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(a.store, a.exec, a.probe, a.bus, schc, comp("scheduler"))

	var sender notify.Sender
	if tok := notifyToken(cfg); tok != "" {
		tg, err := notify.NewTelegram(tok, "")
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		sender = tg
		a.notifyToken = tok
	}
	a.notif = notify.New(mapNotify(cfg, schc.Location), sender, a.bus, comp("notify"))
	if sender != nil {
		// logging.telegram decides whether log lines are actually forwarded
		a.logs.SetSender(a.notif)
	}

	a.hk = housekeeping.New(schc.Location, comp("housekeeping"))
	if err := a.hk.Set(a.jobs(cfg)); err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}

	oc, err := mapOps(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(oc, ops.Deps{
		Scheduler: a.sched.Snapshot,
		Record:    a.store.Load,
		Update:    a.store.Patch,
		Jobs:      a.hk.Snapshot,
		Tasks:     a.tasks,
		Location:  schc.Location,
	}, comp("ops"))
	return nil
}

// checkMappings runs every mapper so a reload that cannot be applied is
// rejected as a whole.
func checkMappings(cfg *config.Config) error {
	var errs []error
	keep := func(_ any, err error) { errs = append(errs, err) }
	keep(mapStorage(cfg))
	keep(mapStore(cfg))
	keep(mapScheduler(cfg))
	keep(mapExecutor(cfg))
	keep(mapProbe(cfg))
	keep(mapOps(cfg))
	switch backendKind(cfg) {
	case "spotify":
		keep(mapSpotify(cfg))
	case "mqtt":
		keep(mapMQTT(cfg))
	}
	return errors.Join(errs...)
}

func (a *App) tasks() rtsup.Snapshot {
	if a.sup == nil {
		return rtsup.Snapshot{}
	}
	return a.sup.Snapshot()
}

// Scheduler exposes the scheduling core (CLI status output, tests).
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Store exposes the alarm record store.
func (a *App) Store() *store.Store { return a.store }

// Reload re-reads the settings file now (SIGHUP). It reports whether a
// changed configuration was committed.
func (a *App) Reload(ctx context.Context) (bool, error) { return a.cfgm.Reload(ctx) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.backend.connect != nil {
		// the broker may come up after us; keep trying without failing the daemon
		a.sup.GoRestart("backend.connect", a.backend.connect,
			rtsup.WithRestartBackoff(time.Second, time.Minute))
	}

	a.sup.GoRestart("store.watch", a.store.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.notif.Start(run)
	a.hk.Start(run)
	a.ops.Start(run)

	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.sched.Start(run)
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	data, ok := e.Data.(scheduler.EventData)
	if !ok {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	fields := []logx.Field{
		logx.String("type", e.Type),
		logx.String("trigger_id", data.TriggerID),
		logx.Time("instant", data.Instant),
		logx.Int("attempt", data.Attempt),
	}
	if data.Outcome != "" {
		fields = append(fields, logx.String("outcome", string(data.Outcome)))
	}
	switch e.Type {
	case eventbus.AlarmMissed:
		a.log.Warn("alarm missed", append(fields, data.Readiness.Fields()...)...)
	case eventbus.AlarmFired:
		a.log.Info("alarm fired", fields...)
	default:
		a.log.Debug("event", fields...)
	}
}

// applyConfig fans a committed settings change out to the components that
// support live updates.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range sections {
		if config.RestartRequired[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(newCfg))

	schc, err := mapScheduler(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schc)
		a.hk.SetLocation(schc.Location)
	}

	if ec, err := mapExecutor(newCfg); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(ec)
	}

	if tok := notifyToken(newCfg); tok != a.notifyToken {
		a.log.Warn("notify token changed; restart required for changes to take effect")
	}
	ncfg := mapNotify(newCfg, schc.Location)
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.notif.Stop(stopCtx)
		cancel()
		a.log.Info("notify disabled via config")
	case !wasEnabled && ncfg.Enabled:
		a.notif.Start(ctx)
		a.log.Info("notify enabled via config")
	}

	if err := a.hk.Set(a.jobs(newCfg)); err != nil {
		a.log.Warn("housekeeping schedule rejected", logx.Err(err))
	}

	if oc, err := mapOps(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// the scheduler goes first so no attempt starts while collaborators close
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("executor", 2*time.Second, func(context.Context) error { a.exec.Close(); return nil })
	step("ops", time.Second, a.ops.Stop)
	step("notify", 2*time.Second, a.notif.Stop)
	step("housekeeping", 2*time.Second, a.hk.Stop)
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("backend", time.Second, func(context.Context) error { return a.backend.close() })
	step("storage", time.Second, func(context.Context) error {
		a.store.Wait()
		return a.storage.Close()
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
