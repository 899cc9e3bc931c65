// Package metrics accumulates execution counters and timings per task and
// per resource. Counters are atomics; the maps that hold per-key stats are
// only locked to look up or create an entry.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Subject is the part of a task the collector keys on.
type Subject interface {
	ID() string
	Name() string
	ResourceID() string
}

// Observer receives every completed execution, e.g. a Prometheus exporter.
type Observer interface {
	Observe(s Subject, d time.Duration, err error)
}

type stat struct {
	name      atomic.Value // string
	count     atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	total     atomic.Int64 // nanoseconds
	min       atomic.Int64
	max       atomic.Int64
	last      atomic.Int64
	lastRun   atomic.Int64 // unix nanos
}

func newStat(name string) *stat {
	s := &stat{}
	s.name.Store(name)
	s.min.Store(math.MaxInt64)
	return s
}

func (s *stat) record(d time.Duration, ok bool, at time.Time) {
	n := int64(d)
	s.count.Add(1)
	if ok {
		s.successes.Add(1)
	} else {
		s.failures.Add(1)
	}
	s.total.Add(n)
	s.last.Store(n)
	s.lastRun.Store(at.UnixNano())
	for {
		cur := s.min.Load()
		if n >= cur || s.min.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if n <= cur || s.max.CompareAndSwap(cur, n) {
			break
		}
	}
}

// Stat is a point-in-time copy of one key's counters.
type Stat struct {
	Key         string        `json:"key"`
	Name        string        `json:"name,omitempty"`
	Executions  int64         `json:"executions"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	TotalTime   time.Duration `json:"total_time"`
	MinTime     time.Duration `json:"min_time"`
	MaxTime     time.Duration `json:"max_time"`
	LastTime    time.Duration `json:"last_time"`
	AverageTime time.Duration `json:"average_time"`
	SuccessRate float64       `json:"success_rate"`
	LastRun     time.Time     `json:"last_run,omitzero"`
}

func (s *stat) snapshot(key string) Stat {
	out := Stat{
		Key:        key,
		Name:       s.name.Load().(string),
		Executions: s.count.Load(),
		Successes:  s.successes.Load(),
		Failures:   s.failures.Load(),
		TotalTime:  time.Duration(s.total.Load()),
		MaxTime:    time.Duration(s.max.Load()),
		LastTime:   time.Duration(s.last.Load()),
	}
	if m := s.min.Load(); m != math.MaxInt64 {
		out.MinTime = time.Duration(m)
	}
	if ns := s.lastRun.Load(); ns != 0 {
		out.LastRun = time.Unix(0, ns)
	}
	if out.Executions > 0 {
		out.AverageTime = out.TotalTime / time.Duration(out.Executions)
		out.SuccessRate = float64(out.Successes) / float64(out.Executions)
	}
	return out
}

// Collector is safe for concurrent use.
type Collector struct {
	clock func() time.Time

	executions atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	total      atomic.Int64
	running    atomic.Int64

	mu        sync.RWMutex
	tasks     map[string]*stat
	resources map[string]*stat

	omu       sync.RWMutex
	observers []Observer
}

func NewCollector(clock func() time.Time) *Collector {
	if clock == nil {
		clock = time.Now
	}
	return &Collector{
		clock:     clock,
		tasks:     make(map[string]*stat),
		resources: make(map[string]*stat),
	}
}

// AddObserver registers o for all subsequent RecordEnd calls.
func (c *Collector) AddObserver(o Observer) {
	if o == nil {
		return
	}
	c.omu.Lock()
	c.observers = append(c.observers, o)
	c.omu.Unlock()
}

// RecordStart marks an execution as running and returns its start time.
func (c *Collector) RecordStart(Subject) time.Time {
	c.running.Add(1)
	return c.clock()
}

// RecordEnd closes an execution opened by RecordStart.
func (c *Collector) RecordEnd(s Subject, start time.Time, err error) time.Duration {
	now := c.clock()
	d := now.Sub(start)
	if d < 0 {
		d = 0
	}
	ok := err == nil

	c.running.Add(-1)
	c.executions.Add(1)
	if ok {
		c.successes.Add(1)
	} else {
		c.failures.Add(1)
	}
	c.total.Add(int64(d))

	c.statFor(c.tasks, s.ID(), s.Name()).record(d, ok, now)
	if r := s.ResourceID(); r != "" {
		c.statFor(c.resources, r, r).record(d, ok, now)
	}

	c.omu.RLock()
	obs := c.observers
	c.omu.RUnlock()
	for _, o := range obs {
		o.Observe(s, d, err)
	}
	return d
}

func (c *Collector) statFor(m map[string]*stat, key, name string) *stat {
	c.mu.RLock()
	st := m[key]
	c.mu.RUnlock()
	if st != nil {
		return st
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st = m[key]; st == nil {
		st = newStat(name)
		m[key] = st
	}
	return st
}

// Forget drops the per-task stats of id.
func (c *Collector) Forget(id string) {
	c.mu.Lock()
	delete(c.tasks, id)
	c.mu.Unlock()
}

// Reset zeroes all counters. Executions in flight stay counted as running.
func (c *Collector) Reset() {
	c.executions.Store(0)
	c.successes.Store(0)
	c.failures.Store(0)
	c.total.Store(0)
	c.mu.Lock()
	c.tasks = make(map[string]*stat)
	c.resources = make(map[string]*stat)
	c.mu.Unlock()
}

func (c *Collector) Task(id string) (Stat, bool) {
	c.mu.RLock()
	st := c.tasks[id]
	c.mu.RUnlock()
	if st == nil {
		return Stat{}, false
	}
	return st.snapshot(id), true
}

func (c *Collector) Resource(id string) (Stat, bool) {
	c.mu.RLock()
	st := c.resources[id]
	c.mu.RUnlock()
	if st == nil {
		return Stat{}, false
	}
	return st.snapshot(id), true
}

// Summary is the collector-wide view.
type Summary struct {
	Executions  int64         `json:"executions"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	Running     int64         `json:"running"`
	TotalTime   time.Duration `json:"total_time"`
	AverageTime time.Duration `json:"average_time"`
	SuccessRate float64       `json:"success_rate"`
	Tasks       []Stat        `json:"tasks,omitempty"`
	Resources   []Stat        `json:"resources,omitempty"`
}

// Snapshot copies every counter. Per-key stats are sorted by key.
func (c *Collector) Snapshot() Summary {
	s := Summary{
		Executions: c.executions.Load(),
		Successes:  c.successes.Load(),
		Failures:   c.failures.Load(),
		Running:    c.running.Load(),
		TotalTime:  time.Duration(c.total.Load()),
	}
	if s.Executions > 0 {
		s.AverageTime = s.TotalTime / time.Duration(s.Executions)
		s.SuccessRate = float64(s.Successes) / float64(s.Executions)
	}
	c.mu.RLock()
	s.Tasks = collect(c.tasks)
	s.Resources = collect(c.resources)
	c.mu.RUnlock()
	return s
}

func collect(m map[string]*stat) []Stat {
	out := make([]Stat, 0, len(m))
	for k, st := range m {
		out = append(out, st.snapshot(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
