package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"taskforge/internal/eventbus"
	rtsup "taskforge/internal/runtime/supervisor"
	"taskforge/internal/storage"
	"taskforge/internal/task"
	"taskforge/internal/task/deps"
	"taskforge/internal/task/distributed"
	"taskforge/internal/task/metrics"
	"taskforge/internal/task/queue"
	"taskforge/internal/task/ratelimit"
	"taskforge/internal/task/retry"
	logx "taskforge/pkg/logx"
)

type Scheduler struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	disp    *distributed.Dispatcher
	host    Host
	resolve Resolver
	now     func() time.Time

	queue    *queue.Queue
	deps     *deps.Tracker
	limiter  *ratelimit.Limiter
	breakers *retry.Breakers
	policy   *retry.Policy
	metrics  *metrics.Collector

	// mu guards the active map, the eligibility timers and the run state.
	mu     sync.Mutex
	active map[string]*task.Task
	timers map[string]*time.Timer
	// busy holds ids with a run in flight. Arms for a busy id wait in
	// deferred until the run finishes.
	busy     map[string]struct{}
	deferred map[string]deferredArm
	// running and stopping are only written under mu.
	running  bool
	stopping bool
	loopSup  *rtsup.Supervisor
	poolSup  *rtsup.Supervisor
	work     chan *task.Task
	primary  *PrimaryLoop

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	nextLis   uint64

	inFlight atomic.Int32

	// sendMu orders tick sends against Stop closing the work channel.
	sendMu     sync.RWMutex
	workClosed bool

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// New builds a stopped scheduler. Rate limits in cfg are validated here so a
// bad configuration fails before anything runs.
func New(cfg Config, d Deps) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewCollector(d.Clock)
	}

	limiter := ratelimit.New()
	if len(cfg.RateLimits) > 0 {
		if err := limiter.Replace(cfg.RateLimits); err != nil {
			return nil, err
		}
	}
	breakers := retry.NewBreakers(cfg.Breaker, d.Clock)

	s := &Scheduler{
		cfg:       cfg,
		log:       d.Log.With(logx.String("comp", "scheduler")),
		bus:       d.Bus,
		store:     d.Store,
		disp:      d.Dispatcher,
		host:      d.Host,
		resolve:   d.Resolve,
		now:       d.Clock,
		queue:     queue.New(),
		deps:      deps.NewTracker(),
		limiter:   limiter,
		breakers:  breakers,
		policy:    &retry.Policy{Base: cfg.RetryBase, MaxDelay: cfg.RetryMaxDelay, Breakers: breakers},
		metrics:   d.Metrics,
		active:    make(map[string]*task.Task),
		timers:    make(map[string]*time.Timer),
		busy:      make(map[string]struct{}),
		deferred:  make(map[string]deferredArm),
		listeners: make(map[uint64]Listener),
		lastWarn:  make(map[string]time.Time),
	}
	return s, nil
}

// Running reports whether Start succeeded and Stop has not begun.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.stopping
}

// Start brings up the components, restores persisted tasks and starts the
// consumer loop. Storage problems are logged and never fail Start.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.stopping {
		s.mu.Unlock()
		return fmt.Errorf("%w: stop in progress", ErrStopped)
	}
	s.mu.Unlock()

	s.queue.Start()
	if s.disp != nil {
		if err := s.disp.Start(ctx); err != nil {
			s.log.Warn("dispatcher start failed; distributed tasks run locally", logx.Err(err))
		}
	}

	host := s.host
	var primary *PrimaryLoop
	if host == nil {
		primary = NewPrimaryLoop(s.cfg.Workers)
		host = primary
	}

	// Detach from ctx cancellation: Stop owns the lifetime.
	base := context.WithoutCancel(ctx)
	poolSup := rtsup.NewSupervisor(base,
		rtsup.WithLogger(s.log.With(logx.String("sup", "pool"))),
		rtsup.WithCancelOnError(false),
	)
	loopSup := rtsup.NewSupervisor(base,
		rtsup.WithLogger(s.log.With(logx.String("sup", "loop"))),
		rtsup.WithCancelOnError(false),
	)
	work := make(chan *task.Task, s.cfg.Workers)

	s.mu.Lock()
	s.host = host
	s.primary = primary
	s.poolSup = poolSup
	s.loopSup = loopSup
	s.work = work
	s.running = true
	s.mu.Unlock()

	s.sendMu.Lock()
	s.workClosed = false
	s.sendMu.Unlock()

	restored := s.restore(ctx)

	// Arm everything registered so far, including tasks scheduled before Start.
	s.mu.Lock()
	for _, t := range s.active {
		s.armLocked(t, t.NextRun())
	}
	n := len(s.active)
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		poolSup.GoRestart(name, func(c context.Context) error {
			return s.worker(c, work, host)
		}, rtsup.WithPublishFirstError(true))
	}
	loopSup.GoRestart("tick", func(c context.Context) error {
		return s.tickLoop(c, work)
	}, rtsup.WithPublishFirstError(true))
	if s.cfg.AutosaveInterval > 0 && s.store != nil {
		loopSup.GoRestart("autosave", s.autosaveLoop)
	}

	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Int("active", n),
		logx.Int("restored", restored),
	)
	return nil
}

// Stop halts the consumer loop, drains the worker pool within ShutdownGrace,
// persists the active tasks and stops the components.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	for id, tm := range s.timers {
		tm.Stop()
		delete(s.timers, id)
	}
	clear(s.deferred)
	loopSup, poolSup, work, primary := s.loopSup, s.poolSup, s.work, s.primary
	s.mu.Unlock()

	var errs []error
	if err := loopSup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf("loop: %w", err))
	}
	// The tick may outlive a cancelled loopSup.Stop; dispatch checks the flag.
	s.sendMu.Lock()
	s.workClosed = true
	close(work)
	s.sendMu.Unlock()

	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	_ = poolSup.Wait(graceCtx)
	timedOut := graceCtx.Err() != nil
	cancel()
	if timedOut {
		s.log.Warn("worker pool did not drain in time; cancelling bodies",
			logx.Duration("grace", s.cfg.ShutdownGrace), logx.Int("in_flight", int(s.inFlight.Load())))
		poolSup.Cancel()
	}

	s.persist(ctx)

	s.queue.Stop()
	if s.disp != nil {
		if err := s.disp.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
	}
	if primary != nil {
		primary.Close()
	}

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.loopSup, s.poolSup, s.work = nil, nil, nil
	if primary != nil {
		s.host, s.primary = nil, nil
	}
	s.mu.Unlock()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return errors.Join(errs...)
}

// Apply swaps the live-reloadable settings. Only rate limits change at
// runtime; worker count, tick and retry settings need a restart.
func (s *Scheduler) Apply(cfg Config) error {
	return s.limiter.Replace(cfg.RateLimits)
}

func (s *Scheduler) autosaveLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.AutosaveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.persist(ctx)
		}
	}
}
