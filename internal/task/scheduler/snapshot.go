package scheduler

import "taskforge/internal/task"

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running && !s.stopping
	timers := len(s.timers)
	s.mu.Unlock()

	tasks := s.ListActive()
	infos := make([]task.Info, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.Info())
	}

	snap := Snapshot{
		Running:  running,
		Workers:  s.cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		QueueLen: s.queue.Len(),
		Timers:   timers,
		Active:   len(infos),
		Tasks:    infos,
		Limits:   s.limiter.Limits(),
		Breakers: s.breakers.Snapshot(),
		Metrics:  s.metrics.Snapshot(),
	}
	if s.disp != nil {
		st := s.disp.Stats()
		snap.Node = s.disp.NodeID()
		snap.Strategy = s.disp.Strategy().String()
		snap.Peers = s.disp.Peers()
		snap.Dispatcher = &st
	}
	return snap
}

// Load is the cheap subset of Snapshot sampled by metrics scrapes.
type Load struct {
	Active   int
	Queued   int
	InFlight int
	Timers   int
}

func (s *Scheduler) Load() Load {
	s.mu.Lock()
	active, timers := len(s.active), len(s.timers)
	s.mu.Unlock()
	return Load{
		Active:   active,
		Queued:   s.queue.Len(),
		InFlight: int(s.inFlight.Load()),
		Timers:   timers,
	}
}
