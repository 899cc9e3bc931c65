package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskforge/internal/storage"
	"taskforge/internal/task"
	"taskforge/internal/task/ratelimit"
	"taskforge/internal/task/retry"
	logx "taskforge/pkg/logx"
)

const (
	waitFor = 3 * time.Second
	pollDur = 5 * time.Millisecond
)

func newScheduler(t *testing.T, cfg Config, d Deps) *Scheduler {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	s, err := New(cfg, d)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
}

type recorder struct {
	mu     sync.Mutex
	events []TaskEvent
}

func (r *recorder) listen(ev TaskEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ && (id == "" || ev.ID == id) {
			n++
		}
	}
	return n
}

type order struct {
	mu  sync.Mutex
	ids []string
}

func (o *order) body(id string) task.Body {
	return func(context.Context) error {
		o.mu.Lock()
		o.ids = append(o.ids, id)
		o.mu.Unlock()
		return nil
	}
}

func (o *order) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ids...)
}

func mustTask(t *testing.T, cfg task.Config) *task.Task {
	t.Helper()
	tk, err := task.New(cfg)
	require.NoError(t, err)
	return tk
}

func TestScheduler_PriorityOrder(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{Workers: 1}, Deps{})
	var o order
	for _, c := range []struct {
		id   string
		prio task.Priority
	}{
		{"low", task.PriorityLow},
		{"normal", task.PriorityNormal},
		{"critical", task.PriorityCritical},
		{"high", task.PriorityHigh},
	} {
		_, err := s.Schedule(mustTask(t, task.Config{ID: c.id, Body: o.body(c.id), Priority: c.prio, Async: true}))
		require.NoError(t, err)
	}
	start(t, s)

	require.Eventually(t, func() bool { return len(o.snapshot()) == 4 }, waitFor, pollDur)
	require.Equal(t, []string{"critical", "high", "normal", "low"}, o.snapshot())
	require.Eventually(t, func() bool { return len(s.ListActive()) == 0 }, waitFor, pollDur)
}

func TestScheduler_DependenciesGate(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	var rec recorder
	s.AddListener(rec.listen)
	start(t, s)

	var o order
	_, err := s.Schedule(mustTask(t, task.Config{ID: "child", Body: o.body("child"), Dependencies: []string{"parent"}, Async: true}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count(EventWaiting, "child") == 1 }, waitFor, pollDur)
	child, ok := s.Get("child")
	require.True(t, ok)
	require.Equal(t, task.StateWaitingForDependencies, child.State())
	require.Empty(t, o.snapshot())

	_, err = s.Schedule(mustTask(t, task.Config{ID: "parent", Body: o.body("parent"), Delay: 30 * time.Millisecond, Async: true}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(o.snapshot()) == 2 }, waitFor, pollDur)
	require.Equal(t, []string{"parent", "child"}, o.snapshot())
	require.Eventually(t, func() bool { return child.State() == task.StateCompleted }, waitFor, pollDur)
}

func TestScheduler_RejectsDependencyCycle(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	_, err := s.Schedule(mustTask(t, task.Config{ID: "a", Body: noop, Dependencies: []string{"b"}}))
	require.NoError(t, err)
	_, err = s.Schedule(mustTask(t, task.Config{ID: "c", Body: noop, Dependencies: []string{"a"}}))
	require.NoError(t, err)

	_, err = s.Schedule(mustTask(t, task.Config{ID: "b", Body: noop, Dependencies: []string{"c"}}))
	require.ErrorIs(t, err, ErrDependencyCycle)
	_, ok := s.Get("b")
	require.False(t, ok)
}

func TestScheduler_ScheduleSameIDReplaces(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	start(t, s)

	first := mustTask(t, task.Config{ID: "dup", Name: "first", Body: noop, Delay: time.Hour})
	second := mustTask(t, task.Config{ID: "dup", Name: "second", Body: noop, Delay: time.Hour})
	_, err := s.Schedule(first)
	require.NoError(t, err)
	_, err = s.Schedule(second)
	require.NoError(t, err)

	active := s.ListActive()
	require.Len(t, active, 1)
	require.Equal(t, "second", active[0].Name())
	require.Equal(t, 1, s.Snapshot().Timers)
}

func TestScheduler_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	var rec recorder
	s.AddListener(rec.listen)
	start(t, s)

	var calls atomic.Int32
	tk := mustTask(t, task.Config{
		Body: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("flaky")
			}
			return nil
		},
		RetryStrategy: task.RetryImmediate,
		Async:         true,
	})
	_, err := s.Schedule(tk)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tk.State() == task.StateCompleted }, waitFor, pollDur)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, 2, tk.RetryCount())
	require.Equal(t, 2, rec.count(EventRetry, tk.ID()))

	st, ok := s.Metrics().Task(tk.ID())
	require.True(t, ok)
	require.Equal(t, int64(3), st.Executions)
	require.Equal(t, int64(1), st.Successes)
}

func TestScheduler_RetriesExhaustedCallsOnFailure(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	start(t, s)

	boom := errors.New("boom")
	got := make(chan error, 1)
	tk := mustTask(t, task.Config{
		Body:          func(context.Context) error { return boom },
		MaxRetries:    2,
		RetryStrategy: task.RetryImmediate,
		Async:         true,
		OnFailure: func(_ *task.Task, err error) {
			got <- err
			panic("callback panics are contained")
		},
	})
	_, err := s.Schedule(tk)
	require.NoError(t, err)

	select {
	case err := <-got:
		require.ErrorIs(t, err, retry.ErrRetriesExhausted)
		require.ErrorIs(t, err, boom)
	case <-time.After(waitFor):
		t.Fatal("failure callback not called")
	}
	require.Eventually(t, func() bool { return tk.State() == task.StateFailed }, waitFor, pollDur)
	require.Equal(t, 2, tk.RetryCount())
	_, ok := s.Get(tk.ID())
	require.False(t, ok)
}

func TestScheduler_NoRetryFailsAtOnce(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	start(t, s)

	got := make(chan error, 1)
	tk := mustTask(t, task.Config{
		Body:      func(context.Context) error { return task.NoRetry(errors.New("bad input")) },
		Async:     true,
		OnFailure: func(_ *task.Task, err error) { got <- err },
	})
	_, err := s.Schedule(tk)
	require.NoError(t, err)

	select {
	case err := <-got:
		require.ErrorIs(t, err, retry.ErrNotRetryable)
	case <-time.After(waitFor):
		t.Fatal("failure callback not called")
	}
	require.Zero(t, tk.RetryCount())
}

func TestScheduler_PanicIsAFailure(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	s.AddListener(func(TaskEvent) { panic("listener panics are contained") })
	start(t, s)

	got := make(chan error, 1)
	_, err := s.ScheduleTask(task.Config{
		Body:       func(context.Context) error { panic("kaboom") },
		MaxRetries: -1,
		Async:      true,
		OnFailure:  func(_ *task.Task, err error) { got <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-got:
		require.ErrorContains(t, err, "kaboom")
	case <-time.After(waitFor):
		t.Fatal("failure callback not called")
	}
}

func TestScheduler_CircuitOpensAndFastFails(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{Breaker: retry.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}}, Deps{})
	start(t, s)

	var failed atomic.Int32
	for i := 0; i < 2; i++ {
		_, err := s.ScheduleTask(task.Config{
			Body:       func(context.Context) error { return errors.New("db down") },
			ResourceID: "db",
			MaxRetries: -1,
			Async:      true,
			OnFailure:  func(*task.Task, error) { failed.Add(1) },
		})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return failed.Load() == 2 }, waitFor, pollDur)

	var ran atomic.Bool
	got := make(chan error, 1)
	_, err := s.ScheduleTask(task.Config{
		Body:       func(context.Context) error { ran.Store(true); return nil },
		ResourceID: "db",
		Async:      true,
		OnFailure:  func(_ *task.Task, err error) { got <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-got:
		require.ErrorIs(t, err, retry.ErrCircuitOpen)
	case <-time.After(waitFor):
		t.Fatal("fast fail not reported")
	}
	require.False(t, ran.Load())

	require.True(t, s.ResetCircuit("db"))
	require.False(t, s.ResetCircuit("unknown"))
}

func TestScheduler_RescheduleWhileRunningDoesNotOverlap(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{Workers: 4}, Deps{})
	start(t, s)

	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	var cur, peak, runs atomic.Int32
	body := func(context.Context) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		runs.Add(1)
		started <- struct{}{}
		<-gate
		cur.Add(-1)
		return nil
	}

	first, err := task.New(task.Config{ID: "job:x", Name: "x", Body: body, Async: true})
	require.NoError(t, err)
	_, err = s.Schedule(first)
	require.NoError(t, err)
	<-started

	// Same object again, then a replacement as a config reload would do.
	_, err = s.Schedule(first)
	require.NoError(t, err)
	second, err := task.New(task.Config{ID: "job:x", Name: "x", Body: body, Async: true})
	require.NoError(t, err)
	_, err = s.Schedule(second)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), runs.Load())

	close(gate)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, waitFor, pollDur)
	require.Equal(t, int32(1), peak.Load())
	require.Eventually(t, func() bool { _, ok := s.Get("job:x"); return !ok }, waitFor, pollDur)
}

func TestScheduler_SlowFailureCallbackDoesNotStallTick(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{Breaker: retry.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}}, Deps{})
	start(t, s)

	failed := make(chan struct{}, 1)
	_, err := s.ScheduleTask(task.Config{
		Body:       func(context.Context) error { return errors.New("db down") },
		ResourceID: "db",
		MaxRetries: -1,
		Async:      true,
		OnFailure:  func(*task.Task, error) { failed <- struct{}{} },
	})
	require.NoError(t, err)
	<-failed

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	entered := make(chan struct{})
	_, err = s.ScheduleTask(task.Config{
		Body:       func(context.Context) error { return nil },
		ResourceID: "db",
		Async:      true,
		OnFailure: func(*task.Task, error) {
			close(entered)
			<-block
		},
	})
	require.NoError(t, err)
	<-entered

	var ran atomic.Bool
	_, err = s.ScheduleTask(task.Config{Body: func(context.Context) error { ran.Store(true); return nil }, Async: true})
	require.NoError(t, err)
	require.Eventually(t, ran.Load, waitFor, pollDur)
}

func TestScheduler_DispatchAfterStopIsRefused(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	start(t, s)
	s.mu.Lock()
	work := s.work
	s.mu.Unlock()

	require.NoError(t, s.Stop(context.Background()))
	tk, err := task.New(task.Config{Body: func(context.Context) error { return nil }})
	require.NoError(t, err)
	require.NotPanics(t, func() { require.False(t, s.dispatch(work, tk)) })
}

func TestScheduler_RateLimit(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	require.ErrorIs(t, s.SetRateLimit("api", 0, time.Second), ratelimit.ErrInvalidLimit)
	require.NoError(t, s.SetRateLimit("api", 2, time.Hour))
	start(t, s)

	var ran atomic.Int32
	ids := make([]string, 3)
	for i := range ids {
		id, err := s.ScheduleTask(task.Config{
			Body:       func(context.Context) error { ran.Add(1); return nil },
			ResourceID: "api",
			Async:      true,
		})
		require.NoError(t, err)
		ids[i] = id
	}

	require.Eventually(t, func() bool { return ran.Load() == 2 && len(s.ListActive()) == 1 }, waitFor, pollDur)
	require.Eventually(t, func() bool {
		active := s.ListActive()
		return len(active) == 1 && active[0].State() == task.StateRateLimited
	}, waitFor, pollDur)
	limited := s.ListActive()[0]
	require.True(t, limited.NextRun().After(time.Now().Add(59*time.Minute)))

	require.True(t, s.RemoveRateLimit("api"))
	require.False(t, s.RemoveRateLimit("api"))
}

func TestScheduler_RepeatingUntilCancelled(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	var rec recorder
	s.AddListener(rec.listen)
	start(t, s)

	var runs atomic.Int32
	id, err := s.ScheduleRepeating("heartbeat", func(context.Context) error { runs.Add(1); return nil }, 0, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, waitFor, pollDur)
	tk, ok := s.Get(id)
	require.True(t, ok)

	require.True(t, s.Cancel(id))
	require.False(t, s.Cancel(id))
	require.Equal(t, task.StateCancelled, tk.State())
	require.Equal(t, 1, rec.count(EventCancelled, id))

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, runs.Load(), after+1, "at most the run in flight at cancel time")
	_, ok = s.Get(id)
	require.False(t, ok)
}

func TestScheduler_ExpiredTaskNeverRuns(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{}, Deps{})
	var rec recorder
	s.AddListener(rec.listen)
	start(t, s)

	var ran atomic.Bool
	tk := mustTask(t, task.Config{
		Body:      func(context.Context) error { ran.Store(true); return nil },
		ExpiresAt: time.Now().Add(-time.Second),
	})
	_, err := s.Schedule(tk)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tk.State() == task.StateExpired }, waitFor, pollDur)
	require.False(t, ran.Load())
	require.Equal(t, 1, rec.count(EventExpired, tk.ID()))
}

func TestScheduler_NonAsyncRunsOnHost(t *testing.T) {
	t.Parallel()

	var hosted atomic.Int32
	host := HostFunc(func(_ context.Context, fn func()) error {
		hosted.Add(1)
		fn()
		return nil
	})
	s := newScheduler(t, Config{}, Deps{Host: host})
	start(t, s)

	var done atomic.Int32
	body := func(context.Context) error { done.Add(1); return nil }
	_, err := s.ScheduleTask(task.Config{Body: body})
	require.NoError(t, err)
	_, err = s.ScheduleTask(task.Config{Body: body, Async: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return done.Load() == 2 }, waitFor, pollDur)
	require.Equal(t, int32(1), hosted.Load())
}

func TestScheduler_StopCancelsBodiesAfterGrace(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{ShutdownGrace: 50 * time.Millisecond}, Deps{})
	start(t, s)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	_, err := s.ScheduleTask(task.Config{
		Body: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
		Async: true,
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Stop(context.Background()))
	select {
	case <-cancelled:
	case <-time.After(waitFor):
		t.Fatal("body context not cancelled")
	}
	require.False(t, s.Running())

	// Scheduling while stopped registers without running.
	_, err = s.ScheduleDelayed("later", noop, 0)
	require.NoError(t, err)
}

func TestScheduler_PersistAndRestore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.json")
	open := func() storage.Store {
		st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	}

	s1 := newScheduler(t, Config{Location: time.UTC}, Deps{Store: open()})
	start(t, s1)

	report := mustTask(t, task.Config{
		Name:          "report",
		Body:          noop,
		Cron:          "0 0 * * *",
		Location:      time.UTC,
		Priority:      task.PriorityHigh,
		ResourceID:    "db",
		MaxRetries:    5,
		RetryStrategy: task.RetryLinear,
	})
	cleanup := mustTask(t, task.Config{
		Name:         "cleanup",
		Body:         noop,
		Delay:        time.Hour,
		Dependencies: []string{report.ID()},
		MaxRetries:   -1,
	})
	shortLived := mustTask(t, task.Config{
		Name:      "short",
		Body:      noop,
		Delay:     time.Hour,
		ExpiresAt: time.Now().Add(100 * time.Millisecond),
	})
	for _, tk := range []*task.Task{report, cleanup, shortLived} {
		_, err := s1.Schedule(tk)
		require.NoError(t, err)
	}
	require.NoError(t, s1.Stop(context.Background()))
	time.Sleep(150 * time.Millisecond)

	var bound atomic.Bool
	s2 := newScheduler(t, Config{Location: time.UTC}, Deps{
		Store: open(),
		Resolve: func(rec storage.TaskRecord) task.Body {
			if rec.Name != "report" {
				return nil
			}
			return func(context.Context) error { bound.Store(true); return nil }
		},
	})
	start(t, s2)

	require.Len(t, s2.ListActive(), 2)
	_, ok := s2.Get(shortLived.ID())
	require.False(t, ok, "expired task must not be restored")

	r, ok := s2.Get(report.ID())
	require.True(t, ok)
	require.False(t, r.Placeholder())
	require.Equal(t, report.Name(), r.Name())
	require.Equal(t, report.Priority(), r.Priority())
	require.Equal(t, report.Cron(), r.Cron())
	require.True(t, report.NextRun().Equal(r.NextRun()))
	require.Equal(t, report.ResourceID(), r.ResourceID())
	require.Equal(t, report.MaxRetries(), r.MaxRetries())
	require.Equal(t, report.RetryStrategy(), r.RetryStrategy())

	c, ok := s2.Get(cleanup.ID())
	require.True(t, ok)
	require.True(t, c.Placeholder())
	require.Equal(t, []string{report.ID()}, c.Dependencies())
	require.Zero(t, c.MaxRetries())
	require.True(t, cleanup.NextRun().Equal(c.NextRun()))

	require.Equal(t, 1, s2.BindName("cleanup", noop))
	require.False(t, c.Placeholder())
	require.ErrorIs(t, s2.Bind("missing", noop), ErrNotFound)
}

func TestPrimaryLoop_RunsInOrderAndCloses(t *testing.T) {
	t.Parallel()

	l := NewPrimaryLoop(4)
	var seq []int
	for i := 0; i < 3; i++ {
		require.NoError(t, l.RunOnPrimary(context.Background(), func() { seq = append(seq, i) }))
	}
	require.Equal(t, []int{0, 1, 2}, seq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.RunOnPrimary(ctx, func() {}), context.Canceled)

	l.Close()
	require.ErrorIs(t, l.RunOnPrimary(context.Background(), func() {}), ErrPrimaryClosed)
}

func noop(context.Context) error { return nil }
