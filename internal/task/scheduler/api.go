package scheduler

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"taskforge/internal/task"
	"taskforge/internal/task/deps"
	"taskforge/internal/task/metrics"
	"taskforge/internal/task/ratelimit"
	logx "taskforge/pkg/logx"
)

// Schedule registers t and returns its id. A task with the same id replaces
// the previous one, including its queue entry and pending timer.
//
// Dependencies are checked against the active tasks; a chain leading back to
// t fails with ErrDependencyCycle.
func (s *Scheduler) Schedule(t *task.Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: nil task", task.ErrInvalid)
	}
	id := t.ID()

	s.mu.Lock()
	if err := deps.DetectCycle(id, t.Dependencies(), s.depsLocked); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ErrDependencyCycle, err)
	}
	prev, replaced := s.active[id]
	s.dropTimerLocked(id)
	s.active[id] = t
	if t.State() != task.StateRetryPending {
		t.SetState(task.StateScheduled)
	}
	s.mu.Unlock()

	if replaced && prev != t {
		s.queue.Remove(id)
	}
	s.deps.MarkIncomplete(id)
	s.registerRemote(t)

	next := t.NextRun()
	s.mu.Lock()
	s.armLocked(t, next)
	s.mu.Unlock()

	s.log.Debug("task scheduled",
		logx.String("task", t.Name()),
		logx.String("id", id),
		logx.String("priority", t.Priority().String()),
		logx.Time("next", next),
		logx.Bool("replaced", replaced),
	)
	s.emit(EventScheduled, t, nil, 0)
	return id, nil
}

// ScheduleTask builds a task from cfg and schedules it.
func (s *Scheduler) ScheduleTask(cfg task.Config) (string, error) {
	if cfg.Clock == nil {
		cfg.Clock = s.now
	}
	t, err := task.New(cfg)
	if err != nil {
		return "", err
	}
	return s.Schedule(t)
}

func (s *Scheduler) ScheduleDelayed(name string, body task.Body, delay time.Duration) (string, error) {
	return s.ScheduleTask(task.Config{Name: name, Body: body, Delay: delay})
}

func (s *Scheduler) ScheduleRepeating(name string, body task.Body, delay, period time.Duration) (string, error) {
	if period <= 0 {
		return "", fmt.Errorf("%w: period must be positive", task.ErrInvalid)
	}
	return s.ScheduleTask(task.Config{Name: name, Body: body, Delay: delay, Period: period})
}

func (s *Scheduler) ScheduleCron(name string, body task.Body, expr string) (string, error) {
	if strings.TrimSpace(expr) == "" {
		return "", fmt.Errorf("%w: empty cron expression", task.ErrInvalid)
	}
	return s.ScheduleTask(task.Config{Name: name, Body: body, Cron: expr})
}

func (s *Scheduler) ScheduleWithDependencies(name string, body task.Body, delay time.Duration, dependsOn ...string) (string, error) {
	return s.ScheduleTask(task.Config{Name: name, Body: body, Delay: delay, Dependencies: dependsOn})
}

func (s *Scheduler) ScheduleHighPriority(name string, body task.Body, delay time.Duration) (string, error) {
	return s.ScheduleTask(task.Config{Name: name, Body: body, Delay: delay, Priority: task.PriorityHigh})
}

// Cancel removes the task from the active set. A body already running is not
// interrupted; its outcome is recorded but nothing is rescheduled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.active[id]
	if ok {
		delete(s.active, id)
		s.dropTimerLocked(id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.queue.Remove(id)
	t.SetState(task.StateCancelled)
	s.log.Debug("task cancelled", logx.String("task", t.Name()), logx.String("id", id))
	s.emit(EventCancelled, t, nil, 0)
	return true
}

func (s *Scheduler) Get(id string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[id]
	return t, ok
}

// ListActive returns the active tasks in queue order.
func (s *Scheduler) ListActive() []*task.Task {
	s.mu.Lock()
	out := make([]*task.Task, 0, len(s.active))
	for _, t := range s.active {
		out = append(out, t)
	}
	s.mu.Unlock()
	slices.SortFunc(out, (*task.Task).Compare)
	return out
}

// Bind attaches body to the restored task id.
func (s *Scheduler) Bind(id string, body task.Body) error {
	if body == nil {
		return task.ErrNoBody
	}
	t, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Bind(body)
	s.registerRemote(t)
	return nil
}

// BindName attaches body to every active placeholder task named name and
// reports how many were bound.
func (s *Scheduler) BindName(name string, body task.Body) int {
	if body == nil {
		return 0
	}
	n := 0
	for _, t := range s.ListActive() {
		if t.Name() == name && t.Placeholder() {
			t.Bind(body)
			s.registerRemote(t)
			n++
		}
	}
	return n
}

func (s *Scheduler) SetRateLimit(resource string, max int, window time.Duration) error {
	return s.limiter.SetLimit(resource, max, window)
}

func (s *Scheduler) RemoveRateLimit(resource string) bool {
	return s.limiter.RemoveLimit(resource)
}

func (s *Scheduler) RateLimits() map[string]ratelimit.Limit { return s.limiter.Limits() }

// Metrics returns the collector fed by every execution.
func (s *Scheduler) Metrics() *metrics.Collector { return s.metrics }

// ResetCircuit closes the breaker of resource. An empty resource resets all.
func (s *Scheduler) ResetCircuit(resource string) bool {
	if resource == "" {
		s.breakers.ResetAll()
		return true
	}
	return s.breakers.Reset(resource)
}

// AddListener registers l and returns a function removing it.
func (s *Scheduler) AddListener(l Listener) (remove func()) {
	if l == nil {
		return func() {}
	}
	s.lmu.Lock()
	s.nextLis++
	id := s.nextLis
	s.listeners[id] = l
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// depsLocked is the DetectCycle lookup over the active map. mu must be held.
func (s *Scheduler) depsLocked(id string) ([]string, bool) {
	t, ok := s.active[id]
	if !ok {
		return nil, false
	}
	return t.Dependencies(), true
}

// registerRemote exposes the body of a distributed task to peers by name.
func (s *Scheduler) registerRemote(t *task.Task) {
	if s.disp == nil || !t.Distributed() || t.Placeholder() {
		return
	}
	s.disp.Handle(t.Name(), t.Body())
}
