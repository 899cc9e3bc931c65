package scheduler

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"taskforge/internal/storage"
	"taskforge/internal/task"
	logx "taskforge/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

// Records converts the active tasks to their persisted form.
func (s *Scheduler) Records() []storage.TaskRecord {
	tasks := s.ListActive()
	out := make([]storage.TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toRecord(t))
	}
	return out
}

func toRecord(t *task.Task) storage.TaskRecord {
	in := t.Info()
	return storage.TaskRecord{
		ID:            in.ID,
		Name:          in.Name,
		Priority:      in.Priority,
		NextRun:       in.NextRun,
		Cron:          in.Cron,
		PeriodMS:      t.Period().Milliseconds(),
		Async:         in.Async,
		Distributed:   in.Distributed,
		ResourceID:    in.ResourceID,
		MaxRetries:    in.MaxRetries,
		RetryStrategy: t.RetryStrategy().String(),
		RetryCount:    in.RetryCount,
		State:         in.State,
		ExpiresAt:     in.ExpiresAt,
		Dependencies:  in.Dependencies,
	}
}

// fromRecord rebuilds a task. Transient states collapse to SCHEDULED; a
// pending retry keeps its state and count.
func fromRecord(rec storage.TaskRecord, body task.Body, loc *time.Location) (*task.Task, error) {
	prio, err := task.ParsePriority(rec.Priority)
	if err != nil {
		return nil, err
	}
	strategy, err := task.ParseRetryStrategy(rec.RetryStrategy)
	if err != nil {
		return nil, err
	}
	state, err := task.ParseState(rec.State)
	if err != nil {
		state = task.StateScheduled
	}
	if state != task.StateRetryPending {
		state = task.StateScheduled
	}
	maxRetries := rec.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	return task.Restore(task.Config{
		ID:            rec.ID,
		Name:          rec.Name,
		Body:          body,
		Priority:      prio,
		Async:         rec.Async,
		Distributed:   rec.Distributed,
		At:            rec.NextRun,
		Period:        time.Duration(rec.PeriodMS) * time.Millisecond,
		Cron:          rec.Cron,
		Location:      loc,
		Dependencies:  rec.Dependencies,
		MaxRetries:    maxRetries,
		RetryStrategy: strategy,
		ResourceID:    rec.ResourceID,
		ExpiresAt:     rec.ExpiresAt,
	}, rec.RetryCount, state)
}

// persist saves the active tasks. Failures are logged only.
func (s *Scheduler) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	recs := s.Records()
	if err := s.store.SaveTasks(context.WithoutCancel(ctx), recs); err != nil {
		s.log.Error("persist tasks failed", logx.Err(err), logx.Int("tasks", len(recs)))
		return
	}
	s.log.Debug("tasks persisted", logx.Int("tasks", len(recs)))
}

// restore prunes expired records, loads the rest and registers them. Tasks
// already scheduled under the same id win over their persisted copy.
// Dependencies that are neither active nor restored are assumed to have
// completed before the snapshot was taken.
func (s *Scheduler) restore(ctx context.Context) int {
	if s.store == nil {
		return 0
	}
	now := s.now()
	if n, err := s.store.PruneExpired(ctx, now); err != nil {
		s.log.Warn("prune expired tasks failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("expired tasks pruned", logx.Int("count", n))
	}

	recs, err := s.store.LoadTasks(ctx)
	if err != nil {
		s.log.Error("load persisted tasks failed", logx.Err(err))
		return 0
	}

	known := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		known[r.ID] = struct{}{}
	}

	restored := 0
	for _, rec := range recs {
		if rec.Expired(now) {
			continue
		}
		if _, exists := s.Get(rec.ID); exists {
			continue
		}
		var body task.Body
		if s.resolve != nil {
			body = s.resolve(rec)
		}
		t, err := fromRecord(rec, body, s.cfg.Location)
		if err != nil {
			s.log.Warn("skip unreadable task record", logx.String("id", rec.ID), logx.String("name", rec.Name), logx.Err(err))
			continue
		}
		for _, d := range t.Dependencies() {
			if _, ok := known[d]; ok {
				continue
			}
			if _, ok := s.Get(d); ok {
				continue
			}
			s.deps.MarkCompleted(d)
		}
		if at := s.spread(t.ID(), t.NextRun(), now); !at.Equal(t.NextRun()) {
			t.SetNextRun(at)
		}
		if _, err := s.Schedule(t); err != nil {
			s.log.Warn("restore task failed", logx.String("id", rec.ID), logx.String("name", rec.Name), logx.Err(err))
			continue
		}
		if t.Placeholder() {
			s.log.Warn("restored task has no body; bind it before it runs", logx.String("id", rec.ID), logx.String("name", rec.Name))
		}
		restored++
	}
	return restored
}

// spread delays an overdue restored task by a jitter in
// [0, min(StartupSpread, 30s)) so a restart does not fire the whole backlog
// in one tick. The jitter is seeded from the task id.
func (s *Scheduler) spread(id string, next, now time.Time) time.Time {
	window := min(s.cfg.StartupSpread, maxStartupSpread)
	if window <= 0 || next.After(now) {
		return next
	}
	rng := rand.New(rand.NewPCG(fnv64a(id), uint64(now.UnixNano())))
	return now.Add(time.Duration(rng.Int64N(int64(window))))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
