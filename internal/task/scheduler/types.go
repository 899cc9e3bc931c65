package scheduler

import (
	"errors"
	"runtime"
	"time"

	"taskforge/internal/eventbus"
	"taskforge/internal/storage"
	"taskforge/internal/task"
	"taskforge/internal/task/distributed"
	"taskforge/internal/task/metrics"
	"taskforge/internal/task/ratelimit"
	"taskforge/internal/task/retry"
	logx "taskforge/pkg/logx"
)

var (
	ErrStopped = errors.New("scheduler stopped")
	// ErrDependencyCycle is returned when a task's dependencies lead back to it
	// through the active tasks.
	ErrDependencyCycle = errors.New("dependency cycle")
	ErrNotFound        = errors.New("task not found")
)

// Config controls the scheduler. Zero values mean "use the default".
type Config struct {
	// Workers defaults to twice the number of CPUs.
	Workers int
	// TickInterval is the consumer loop period (default 100ms).
	TickInterval time.Duration
	// MaxPerTick bounds how many ready tasks one tick pops (default 64).
	MaxPerTick int
	// ShutdownGrace bounds how long Stop waits for running bodies (default 10s).
	ShutdownGrace time.Duration
	// AutosaveInterval persists the active tasks periodically. 0 disables.
	AutosaveInterval time.Duration
	// StartupSpread staggers restored tasks that are already overdue.
	// 0 disables; values above 30s are capped.
	StartupSpread time.Duration

	// Location evaluates cron expressions of restored tasks. nil means time.Local.
	Location *time.Location

	RetryBase     time.Duration // default 1s
	RetryMaxDelay time.Duration // 0 means uncapped
	Breaker       retry.BreakerConfig

	RateLimits map[string]ratelimit.Limit
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() * 2
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.MaxPerTick <= 0 {
		c.MaxPerTick = 64
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = retry.DefaultBase
	}
	return c
}

// Resolver returns the body for a task restored from storage, or nil to keep
// the no-op placeholder until Bind is called.
type Resolver func(rec storage.TaskRecord) task.Body

// Deps are the collaborators of a Scheduler. Every field is optional.
type Deps struct {
	Log        logx.Logger
	Bus        eventbus.Bus
	Store      storage.Store
	Dispatcher *distributed.Dispatcher
	// Host runs non-async bodies. nil means an internal PrimaryLoop.
	Host    Host
	Metrics *metrics.Collector
	Resolve Resolver
	Clock   func() time.Time
}

// Event types published on the bus and delivered to listeners.
const (
	EventScheduled   = "task.scheduled"
	EventStarted     = "task.started"
	EventCompleted   = "task.completed"
	EventFailed      = "task.failed"
	EventRetry       = "task.retry"
	EventCancelled   = "task.cancelled"
	EventExpired     = "task.expired"
	EventRateLimited = "task.rate_limited"
	EventWaiting     = "task.waiting"
	EventSkipped     = "task.skipped"
)

// TaskEvent is the payload of every lifecycle event.
type TaskEvent struct {
	Type       string        `json:"type"`
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	ResourceID string        `json:"resource_id,omitempty"`
	State      string        `json:"state"`
	Attempt    int           `json:"attempt"`
	Error      string        `json:"error,omitempty"`
	Took       time.Duration `json:"took,omitempty"`
	NextRun    time.Time     `json:"next_run,omitzero"`
}

// Listener observes lifecycle events synchronously. Panics are recovered.
type Listener func(TaskEvent)

// Snapshot is a diagnostic view of the scheduler.
type Snapshot struct {
	Running    bool                       `json:"running"`
	Workers    int                        `json:"workers"`
	InFlight   int                        `json:"in_flight"`
	QueueLen   int                        `json:"queue_len"`
	Timers     int                        `json:"timers"`
	Active     int                        `json:"active"`
	Tasks      []task.Info                `json:"tasks"`
	Limits     map[string]ratelimit.Limit `json:"limits,omitempty"`
	Breakers   []retry.BreakerSnapshot    `json:"breakers,omitempty"`
	Metrics    metrics.Summary            `json:"metrics"`
	Node       string                     `json:"node,omitempty"`
	Strategy   string                     `json:"strategy,omitempty"`
	Peers      []distributed.ServerInfo   `json:"peers,omitempty"`
	Dispatcher *distributed.Stats         `json:"dispatcher,omitempty"`
}
