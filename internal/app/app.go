package app

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"cronrelay/internal/action"
	"cronrelay/internal/config"
	"cronrelay/internal/eventbus"
	"cronrelay/internal/jobs"
	"cronrelay/internal/observability/admin"
	"cronrelay/internal/observability/metrics"
	"cronrelay/internal/runtime/supervisor"
	"cronrelay/internal/storage"
	"cronrelay/internal/task/engine"
	"cronrelay/internal/task/schedule"
	"cronrelay/internal/task/scheduler"
	"cronrelay/internal/transport/httpapi"
	logx "cronrelay/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched   *scheduler.Service
	engine  *engine.Service
	reg     *jobs.Registry
	jobs    *jobs.Service
	action  *action.HTTPInvoker
	metrics *metrics.Metrics
	http    *httpapi.Server
	admin   *admin.Service

	ln              net.Listener
	shutdownTimeout time.Duration
}

// LoadConfig parses and validates the config file without committing it.
func LoadConfig(cfgPath string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	cfgm.Commit(cfg)

	logSvc, log := logx.New(mapLoggingConfig(cfg))

	serverCfg, _ := mapServerConfig(cfg)
	access, _ := mapAccess(cfg)
	engCfg, _ := mapEngineConfig(cfg)
	actCfg, _ := mapActionConfig(cfg)
	adminCfg, _ := mapAdminConfig(cfg)
	shutdownTimeout, _ := mapShutdownTimeout(cfg)

	bus := eventbus.New()

	var store storage.Store
	var rec engine.Recorder
	var hist jobs.History
	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, errors.Wrap(err, "open storage")
		}
		store, rec, hist = st, st, st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, log.With(logx.String("comp", "scheduler")))
	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus, rec)
	res := schedule.NewResolver(schedule.WithLocation(sched.Location()))
	reg := jobs.NewRegistry(sched, log.With(logx.String("comp", "registry")))
	inv := action.NewHTTP(actCfg, &http.Client{}, log.With(logx.String("comp", "action")))

	jobSvc := jobs.NewService(reg, res, eng, inv,
		jobs.WithLogger(log.With(logx.String("comp", "jobs"))),
		jobs.WithBus(bus),
		jobs.WithHistory(hist),
		jobs.WithKeepFiredOnce(cfg.Scheduler.KeepFiredOnce),
	)

	m := metrics.New(metrics.Sources{
		RegisteredJobs: reg.Len,
		BusDropped:     bus.Dropped,
	}, log.With(logx.String("comp", "metrics")))

	api := httpapi.New(serverCfg, access, jobSvc, log.With(logx.String("comp", "http")), httpapi.WithObserver(m))
	adm := admin.New(adminCfg, log, admin.WithMetrics(m.Handler()))

	return &App{
		cfgPath:         cfgPath,
		cfgm:            cfgm,
		log:             log.With(logx.String("comp", "app")),
		logs:            logSvc,
		bus:             bus,
		store:           store,
		sched:           sched,
		engine:          eng,
		reg:             reg,
		jobs:            jobSvc,
		action:          inv,
		metrics:         m,
		http:            api,
		admin:           adm,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Jobs exposes the job service (used by tests and embedding callers).
func (a *App) Jobs() *jobs.Service { return a.jobs }

// ShutdownTimeout bounds Stop, from server.shutdown_timeout.
func (a *App) ShutdownTimeout() time.Duration { return a.shutdownTimeout }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.admin.SetSupervisor(a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	ln, err := a.http.Listen()
	if err != nil {
		return err
	}
	a.ln = ln

	a.sched.Start(a.sup.Context())

	a.sup.Go("http.serve", func(c context.Context) error {
		return a.http.Serve(c, ln)
	})
	a.sup.Go0("metrics.consume", func(c context.Context) {
		a.metrics.Consume(c, a.bus)
	})
	a.admin.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
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
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemd()

	a.log.Info("app started",
		logx.String("addr", ln.Addr().String()),
		logx.String("tz", a.sched.Location().String()),
		logx.Bool("admin", a.admin.Enabled()),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// Addr is the bound API address after Start.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// applyConfig fans a committed config out to every hot-reloadable component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if access, err := mapAccess(next); err != nil {
		a.log.Warn("invalid auth/rate_limit config; keeping previous", logx.Err(err))
	} else {
		a.http.Apply(access)
	}
	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}
	if ac, err := mapActionConfig(next); err != nil {
		a.log.Warn("invalid action config; keeping previous", logx.Err(err))
	} else {
		a.action.Apply(ac)
	}
	a.jobs.SetKeepFiredOnce(next.Scheduler.KeepFiredOnce)

	if adm, err := mapAdminConfig(next); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, adm)
	}

	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}

func (a *App) notifySystemd() {
	ok, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if a.sup.Err() != nil {
					continue
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stop accepting requests before the supervisor context goes away, so
	// in-flight API calls get the full http step.
	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { return a.http.Shutdown(c) })

	a.sup.Cancel()

	a.step(ctx, "runtime", 3*time.Second, func(c context.Context) error {
		a.reg.StopAll()
		a.sched.Stop(c)
		return nil
	})
	a.step(ctx, "engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "admin", 1*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit and the caller's deadline.
// fn must honor its context; a step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
			if err != nil {
				a.log.Warn("stop step finished after deadline", append(fields, logx.Err(err))...)
				return
			}
			a.log.Info("stop step finished after deadline", fields...)
		}()
	}
}
