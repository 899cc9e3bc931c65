package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"taskforge/internal/config"
	"taskforge/internal/eventbus"
	"taskforge/internal/observability/httpserver"
	rtsup "taskforge/internal/runtime/supervisor"
	"taskforge/internal/storage"
	"taskforge/internal/task"
	"taskforge/internal/task/distributed"
	"taskforge/internal/task/metrics"
	"taskforge/internal/task/scheduler"
	logx "taskforge/pkg/logx"
)

const metricsNamespace = "taskforge"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	now  func() time.Time

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	collector *metrics.Collector
	exporter  *metrics.Exporter
	registry  *prometheus.Registry

	rdb   redis.UniversalClient
	disp  *distributed.Dispatcher
	host  *scheduler.PrimaryLoop
	sched *scheduler.Scheduler
	http  *httpserver.Service
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	bus := eventbus.New()
	logSvc.SetAlertSink(busAlertSink(bus))

	a := &App{
		cfgm: cfgm,
		now:  time.Now,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  bus,
	}
	if err := a.wire(cfg, log); err != nil {
		a.closeAll()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, log logx.Logger) error {
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.collector = metrics.NewCollector(a.now)
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exp, err := metrics.NewExporter(metricsNamespace, a.registry)
	if err != nil {
		return err
	}
	a.exporter = exp
	a.collector.AddObserver(exp)

	a.host = scheduler.NewPrimaryLoop(0)

	dcfg, distOn, err := mapDistributedConfig(cfg)
	if err != nil {
		return err
	}
	if distOn {
		r := cfg.Distributed.Redis
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(r.Addr),
			Password: r.Password,
			DB:       r.DB,
		})
		dcfg.Primary = a.host.RunOnPrimary
		dcfg.Logger = log.With(logx.String("comp", "dispatch"))
		a.disp = distributed.New(dcfg, distributed.NewRedisBus(a.rdb))
	}

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched, err = scheduler.New(scfg, scheduler.Deps{
		Log:        log.With(logx.String("comp", "scheduler")),
		Bus:        a.bus,
		Store:      a.store,
		Dispatcher: a.disp,
		Host:       a.host,
		Metrics:    a.collector,
		Resolve:    a.resolve,
		Clock:      a.now,
	})
	if err != nil {
		return err
	}

	err = a.exporter.TrackGauges(metricsNamespace, map[string]func() float64{
		"active_tasks":   func() float64 { return float64(a.sched.Load().Active) },
		"queued_tasks":   func() float64 { return float64(a.sched.Load().Queued) },
		"inflight_tasks": func() float64 { return float64(a.sched.Load().InFlight) },
		"bus_dropped":    func() float64 { return float64(a.bus.Dropped()) },
	})
	if err != nil {
		return err
	}

	a.http = httpserver.New(mapHTTPConfig(cfg), httpserver.Sources{
		Gatherer: a.registry,
		Tasks:    func() any { return a.sched.Snapshot() },
		Runs:     a.recentRuns,
	}, log)
	return nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapDistributedConfig(cfg)
		return err
	})

	if a.rdb != nil {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.rdb.Ping(pctx).Err(); err != nil {
			a.log.Warn("redis unreachable; distributed tasks fall back to local execution", logx.Err(err))
		}
		cancel()
	}

	a.sup.Go0("events", a.consumeEvents)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	cfg := a.cfgm.Get()
	a.syncJobs(cfg, nil, false)
	a.dropOrphanJobs(cfg)

	a.http.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("jobs", len(cfg.Jobs)), logx.Bool("distributed", a.disp != nil))
	return nil
}

// resolve binds restored tasks to their job declaration by name.
func (a *App) resolve(rec storage.TaskRecord) task.Body {
	cfg := a.cfgm.Get()
	if cfg == nil || !strings.HasPrefix(rec.ID, jobIDPrefix) {
		return nil
	}
	for _, j := range cfg.Jobs {
		if jobID(j.Name) != rec.ID {
			continue
		}
		body, err := a.jobBody(j)
		if err != nil {
			a.log.Warn("restored job has no usable handler", logx.String("job", j.Name), logx.Err(err))
			return nil
		}
		return body
	}
	return nil
}

// syncJobs schedules the declared jobs. only limits the pass to those names
// (nil means all). Unless force is set, an active task that still matches its
// declaration keeps its schedule and retry state.
func (a *App) syncJobs(cfg *config.Config, only []string, force bool) {
	loc, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		loc = time.Local
	}
	for _, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if only != nil && !slices.Contains(only, name) {
			continue
		}
		tc, err := a.jobTaskConfig(j, loc)
		if err != nil {
			a.log.Error("job rejected", logx.String("job", name), logx.Err(err))
			continue
		}
		tc.Clock = a.now
		t, err := task.New(tc)
		if err != nil {
			a.log.Error("job rejected", logx.String("job", name), logx.Err(err))
			continue
		}
		if cur, ok := a.sched.Get(t.ID()); ok && !force && sameShape(cur, t) {
			a.log.Debug("job kept from previous run", logx.String("job", name), logx.Time("next", cur.NextRun()))
			continue
		}
		if _, err := a.sched.Schedule(t); err != nil {
			a.log.Error("job schedule failed", logx.String("job", name), logx.Err(err))
		}
	}
}

// dropOrphanJobs cancels restored job tasks whose declaration is gone.
func (a *App) dropOrphanJobs(cfg *config.Config) {
	declared := make(map[string]struct{}, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		declared[jobID(j.Name)] = struct{}{}
	}
	for _, t := range a.sched.ListActive() {
		if !strings.HasPrefix(t.ID(), jobIDPrefix) {
			continue
		}
		if _, ok := declared[t.ID()]; !ok && a.sched.Cancel(t.ID()) {
			a.log.Info("job no longer declared; cancelled", logx.String("job", t.Name()))
		}
	}
}

func (a *App) recentRuns(ctx context.Context, limit int) (any, error) {
	if a.store == nil {
		return []storage.RunRecord{}, nil
	}
	return a.store.RecentRuns(ctx, limit)
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
		for drained := false; !drained; {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				drained = true
			}
		}
		a.applyConfig(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

// applyConfig applies the live-reloadable parts of next: logging, rate
// limits, distribution strategy, the HTTP server and jobs.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "scheduler":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "distributed":
			a.log.Warn("distributed config changed; only strategy applies without restart")
		}
	}

	a.logs.Apply(mapLogConfig(next))

	if scfg, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(scfg); err != nil {
		a.log.Warn("rate limits rejected; keeping previous", logx.Err(err))
	}

	if a.disp != nil {
		if dcfg, on, err := mapDistributedConfig(next); err == nil && on && dcfg.Strategy != a.disp.Strategy() {
			a.disp.SetStrategy(dcfg.Strategy)
			a.log.Info("distribution strategy changed", logx.String("strategy", dcfg.Strategy.String()))
		}
	}

	a.http.Reconfigure(ctx, mapHTTPConfig(next))

	if len(jobsChanged) > 0 {
		declared := make(map[string]struct{}, len(next.Jobs))
		for _, j := range next.Jobs {
			declared[strings.TrimSpace(j.Name)] = struct{}{}
		}
		for _, name := range jobsChanged {
			if _, ok := declared[name]; !ok {
				a.sched.Cancel(jobID(name))
			}
		}
		a.syncJobs(next, jobsChanged, true)
		a.log.Debug("jobs updated", logx.Any("jobs", jobsChanged))
	}

	a.log.Info("config reloaded", fields...)
}

// Stop shuts the daemon down. Each step is bounded so one component cannot
// stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return a.logs.Close()
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
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

	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// The scheduler drains its own pool within ShutdownGrace, then persists.
	step("scheduler", a.schedulerStopBudget(), a.sched.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	a.closeAll()

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) schedulerStopBudget() time.Duration {
	grace := 10 * time.Second
	if cfg := a.cfgm.Get(); cfg != nil {
		if g := config.Duration(cfg.Scheduler.ShutdownGrace); g > 0 {
			grace = g
		}
	}
	return grace + 5*time.Second
}

// closeAll releases what wire opened. Safe on a partially wired App.
func (a *App) closeAll() {
	if a.host != nil {
		a.host.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Debug("redis close", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}
