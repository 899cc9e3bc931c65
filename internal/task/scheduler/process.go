package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taskforge/internal/eventbus"
	"taskforge/internal/task"
	"taskforge/internal/task/retry"
	logx "taskforge/pkg/logx"
)

// armLocked offers t to the queue at at, immediately when at has passed.
// mu must be held. Nothing is armed while stopped; Start arms every active
// task.
func (s *Scheduler) armLocked(t *task.Task, at time.Time) {
	if !s.running || s.stopping {
		return
	}
	id := t.ID()
	s.dropTimerLocked(id)
	if _, ok := s.busy[id]; ok {
		s.deferred[id] = deferredArm{t: t, at: at}
		return
	}
	wait := at.Sub(s.now())
	if wait <= 0 {
		s.queue.Offer(t)
		return
	}
	var tm *time.Timer
	tm = time.AfterFunc(wait, func() {
		s.mu.Lock()
		current := s.timers[id] == tm
		if current {
			delete(s.timers, id)
		}
		live := current && s.active[id] == t && s.running && !s.stopping
		if _, ok := s.busy[id]; live && ok {
			s.deferred[id] = deferredArm{t: t, at: at}
			live = false
		}
		s.mu.Unlock()
		if !live {
			return
		}
		switch t.State() {
		case task.StateRetryPending, task.StateRateLimited:
			t.SetState(task.StateScheduled)
		}
		s.queue.Offer(t)
	})
	s.timers[id] = tm
}

func (s *Scheduler) dropTimerLocked(id string) {
	if tm, ok := s.timers[id]; ok {
		tm.Stop()
		delete(s.timers, id)
	}
	delete(s.deferred, id)
}

type deferredArm struct {
	t  *task.Task
	at time.Time
}

// deferIfBusy reports whether a run of t's id is in flight. If so, the
// occurrence is deferred until that run finishes.
func (s *Scheduler) deferIfBusy(t *task.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deferIfBusyLocked(t)
}

func (s *Scheduler) deferIfBusyLocked(t *task.Task) bool {
	id := t.ID()
	if _, ok := s.busy[id]; !ok {
		return false
	}
	if s.active[id] == t {
		s.deferred[id] = deferredArm{t: t, at: t.NextRun()}
	}
	return true
}

// claim marks t's id as running. It fails like deferIfBusy.
func (s *Scheduler) claim(t *task.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deferIfBusyLocked(t) {
		return false
	}
	s.busy[t.ID()] = struct{}{}
	return true
}

// release ends the run of id and arms the latest arm deferred meanwhile.
func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, id)
	d, ok := s.deferred[id]
	if !ok {
		return
	}
	delete(s.deferred, id)
	if s.active[id] == d.t {
		s.armLocked(d.t, d.at)
	}
}

// dispatch hands t to the pool. It reports false once Stop closed the channel.
func (s *Scheduler) dispatch(work chan<- *task.Task, t *task.Task) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.workClosed {
		return false
	}
	work <- t
	return true
}

// rearm schedules another offer of t at at, provided t is still active.
func (s *Scheduler) rearm(t *task.Task, at time.Time) {
	s.mu.Lock()
	if s.active[t.ID()] == t {
		s.armLocked(t, at)
	}
	s.mu.Unlock()
}

func (s *Scheduler) isActive(t *task.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[t.ID()] == t
}

func (s *Scheduler) tickLoop(ctx context.Context, work chan<- *task.Task) error {
	tk := time.NewTicker(s.cfg.TickInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			s.tick(work)
		}
	}
}

// tick pops up to MaxPerTick ready tasks in priority order and hands the
// admitted ones to the pool. Tasks waiting on dependencies go back to the
// queue after the batch so the same tick does not pop them twice.
func (s *Scheduler) tick(work chan<- *task.Task) {
	now := s.now()
	var again []*task.Task
	defer func() {
		for _, t := range again {
			if s.isActive(t) {
				s.queue.Offer(t)
			}
		}
	}()

	for i := 0; i < s.cfg.MaxPerTick; i++ {
		// The tick is the only sender, so a free slot stays free until the send.
		if len(work) >= cap(work) {
			return
		}
		t := s.queue.Poll(now)
		if t == nil {
			return
		}
		if !s.isActive(t) || s.deferIfBusy(t) {
			continue
		}
		switch s.admit(t, now) {
		case admitDispatch:
			if !s.claim(t) {
				continue
			}
			if !s.dispatch(work, t) {
				s.release(t.ID())
				return
			}
		case admitLater:
			again = append(again, t)
		}
	}
}

type admission int

const (
	admitDispatch admission = iota
	admitLater
	admitHandled
)

// admit runs the gates in order: expiry, dependencies, circuit, rate limit.
func (s *Scheduler) admit(t *task.Task, now time.Time) admission {
	if t.Expired(now) {
		s.retire(t, task.StateExpired, nil)
		s.log.Debug("task expired", logx.String("task", t.Name()), logx.String("id", t.ID()))
		return admitHandled
	}

	prev := t.State()
	if !s.deps.Satisfied(t) {
		if prev != task.StateWaitingForDependencies {
			s.emit(EventWaiting, t, nil, 0)
			s.throttled("waiting:"+t.ID(), "task waiting for dependencies",
				logx.String("task", t.Name()), logx.Any("missing", s.deps.Missing(t)))
		}
		return admitLater
	}

	resource := t.ResourceID()
	if resource != "" && s.policy.CircuitOpen(resource) {
		s.circuitBlocked(t, now)
		return admitHandled
	}

	if !s.limiter.Allow(t, now) {
		at := s.limiter.NextAllowed(t, now)
		t.SetState(task.StateRateLimited)
		t.SetNextRun(at)
		s.emit(EventRateLimited, t, nil, 0)
		s.throttled("rate:"+resource, "task rate limited",
			logx.String("task", t.Name()), logx.String("resource", resource), logx.Time("next", at))
		s.rearm(t, at)
		return admitHandled
	}
	return admitDispatch
}

// circuitBlocked handles a task whose resource refuses work. Recurring tasks
// skip this occurrence; one-shot tasks take the failure path with
// ErrCircuitOpen, which does not count as a resource failure.
func (s *Scheduler) circuitBlocked(t *task.Task, now time.Time) {
	s.throttled("circuit:"+t.ResourceID(), "task blocked by open circuit",
		logx.String("task", t.Name()), logx.String("resource", t.ResourceID()))
	if !t.ShouldReschedule(now) {
		s.failOffTick(t, retry.ErrCircuitOpen)
		return
	}
	next, err := t.Advance(now)
	if err != nil {
		s.fail(t, err, false, 0)
		return
	}
	t.SetState(task.StateScheduled)
	s.emit(EventSkipped, t, retry.ErrCircuitOpen, 0)
	s.rearm(t, next)
}

// failOffTick runs the failure path on the pool so a slow failure callback
// cannot stall the tick.
func (s *Scheduler) failOffTick(t *task.Task, cause error) {
	s.mu.Lock()
	pool := s.poolSup
	if s.stopping {
		pool = nil
	}
	s.mu.Unlock()
	if pool == nil {
		s.fail(t, cause, false, 0)
		return
	}
	if !s.claim(t) {
		return
	}
	pool.Go0("task.failure", func(context.Context) {
		defer s.release(t.ID())
		s.fail(t, cause, false, 0)
	})
}

func (s *Scheduler) worker(ctx context.Context, work <-chan *task.Task, host Host) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-work:
			if !ok {
				return nil
			}
			s.execute(ctx, t, host)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task.Task, host Host) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	defer s.release(t.ID())

	t.SetState(task.StateExecuting)
	s.emit(EventStarted, t, nil, 0)
	start := s.metrics.RecordStart(t)

	local := s.localBody(t, host)
	var err error
	if t.Distributed() && s.disp != nil {
		err = s.disp.Execute(ctx, t, local)
	} else {
		err = local(ctx)
	}

	took := s.metrics.RecordEnd(t, start, err)
	if err != nil {
		s.fail(t, err, true, took)
		return
	}
	s.succeed(t, took)
}

// localBody wraps the task body with panic recovery and, for tasks that are
// not async, the hand-off to the host's primary context.
func (s *Scheduler) localBody(t *task.Task, host Host) task.Body {
	body := t.Body()
	run := func(ctx context.Context) error { return s.call(ctx, t, body) }
	if t.Async() || host == nil {
		return run
	}
	return func(ctx context.Context) error {
		errc := make(chan error, 1)
		if err := host.RunOnPrimary(ctx, func() { errc <- run(ctx) }); err != nil {
			return err
		}
		return <-errc
	}
}

func (s *Scheduler) call(ctx context.Context, t *task.Task, body task.Body) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return body(ctx)
}

func (s *Scheduler) succeed(t *task.Task, took time.Duration) {
	s.policy.RecordSuccess(t.ResourceID())
	if !s.isActive(t) {
		return
	}
	s.deps.MarkCompleted(t.ID())

	now := s.now()
	if t.ShouldReschedule(now) {
		next, err := t.Advance(now)
		if err == nil {
			t.SetState(task.StateScheduled)
			s.log.Debug("task completed", logx.String("task", t.Name()), logx.Duration("took", took), logx.Time("next", next))
			s.emit(EventCompleted, t, nil, took)
			s.rearm(t, next)
			return
		}
		s.log.Warn("task reschedule failed", logx.String("task", t.Name()), logx.Err(err))
	}
	s.log.Debug("task completed", logx.String("task", t.Name()), logx.Duration("took", took))
	s.retire(t, task.StateCompleted, nil)
	s.emit(EventCompleted, t, nil, took)
}

// fail routes a failed execution through the retry policy. The resource
// failure is recorded first so the breaker sees the attempt that exhausted
// it.
func (s *Scheduler) fail(t *task.Task, cause error, recordFailure bool, took time.Duration) {
	if recordFailure {
		s.policy.RecordFailure(t.ResourceID())
	}
	if !s.isActive(t) {
		return
	}

	verdict := s.policy.Check(t, cause)
	if verdict == nil {
		delay := s.policy.NextDelay(t, cause)
		attempt := t.IncRetry()
		at := s.now().Add(delay)
		t.SetNextRun(at)
		t.SetState(task.StateRetryPending)
		s.log.Info("task retry scheduled",
			logx.String("task", t.Name()),
			logx.String("id", t.ID()),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(cause),
		)
		s.emit(EventRetry, t, cause, took)
		s.rearm(t, at)
		return
	}

	err := cause
	if !errors.Is(cause, verdict) {
		err = fmt.Errorf("%w: %w", verdict, cause)
	}
	s.log.Error("task failed permanently",
		logx.String("task", t.Name()),
		logx.String("id", t.ID()),
		logx.Int("retries", t.RetryCount()),
		logx.Err(err),
	)
	s.retire(t, task.StateFailed, err)
	s.emit(EventFailed, t, err, took)
	s.notifyFailure(t, err)
}

// retire removes t from the active set and parks it in a terminal state.
func (s *Scheduler) retire(t *task.Task, state task.State, err error) {
	id := t.ID()
	s.mu.Lock()
	if s.active[id] == t {
		delete(s.active, id)
		s.dropTimerLocked(id)
	}
	s.mu.Unlock()
	s.queue.Remove(id)
	t.SetState(state)
	if state == task.StateExpired {
		s.emit(EventExpired, t, err, 0)
	}
}

func (s *Scheduler) notifyFailure(t *task.Task, err error) {
	cb := t.OnFailure()
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("failure callback panicked", logx.String("task", t.Name()), logx.Any("panic", r))
		}
	}()
	cb(t, err)
}

// emit publishes a lifecycle event on the bus and to every listener.
func (s *Scheduler) emit(typ string, t *task.Task, err error, took time.Duration) {
	ev := TaskEvent{
		Type:       typ,
		ID:         t.ID(),
		Name:       t.Name(),
		ResourceID: t.ResourceID(),
		State:      t.State().String(),
		Attempt:    t.RetryCount() + 1,
		Took:       took,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if !t.State().Terminal() {
		ev.NextRun = t.NextRun()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
	}

	s.lmu.RLock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.RUnlock()
	for _, l := range ls {
		s.deliver(l, ev)
	}
}

func (s *Scheduler) deliver(l Listener, ev TaskEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("listener panicked", logx.String("event", ev.Type), logx.Any("panic", r))
		}
	}()
	l(ev)
}
