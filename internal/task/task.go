package task

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/task/cron"
)

// DefaultName is used when Config.Name is empty.
const DefaultName = "unnamed-task"

// DefaultMaxRetries is used when Config.MaxRetries is zero.
const DefaultMaxRetries = 3

// Body is the executable unit of a task. It is never persisted.
type Body func(ctx context.Context) error

// FailureFunc is invoked once when a task fails permanently.
type FailureFunc func(t *Task, err error)

// Config describes a task. Zero values mean "use the default".
//
// Schedule selection: Cron wins over Period for rescheduling. At wins over
// Delay for the first eligible time; with neither set a cron task first runs at
// its next fire time and any other task runs immediately.
type Config struct {
	ID   string
	Name string
	Body Body

	Priority    Priority
	Async       bool // body may run off the primary context
	Distributed bool // eligible for remote dispatch

	At       time.Time
	Delay    time.Duration
	Period   time.Duration
	Cron     string
	Location *time.Location // cron evaluation; nil means time.Local

	Dependencies []string

	// MaxRetries: 0 means DefaultMaxRetries, negative disables retries.
	MaxRetries    int
	RetryStrategy RetryStrategy

	ResourceID string
	ExpiresAt  time.Time
	OnFailure  FailureFunc

	Clock func() time.Time
}

// Task is a schedulable unit of work. Identity and policy are immutable after
// New; runtime state is guarded by an internal mutex.
type Task struct {
	id          string
	name        string
	priority    Priority
	async       bool
	distributed bool
	period      time.Duration
	cronExpr    string
	schedule    *cron.Schedule
	deps        []string
	maxRetries  int
	strategy    RetryStrategy
	resourceID  string
	expiresAt   time.Time
	onFailure   FailureFunc
	createdAt   time.Time

	mu          sync.Mutex
	body        Body
	placeholder bool
	next        time.Time
	retries     int
	state       State
}

// New validates cfg, applies defaults and computes the first eligible time.
func New(cfg Config) (*Task, error) {
	if cfg.Body == nil {
		return nil, ErrNoBody
	}
	return build(cfg)
}

// Restore rebuilds a task from persisted metadata. A nil Body yields a
// placeholder that succeeds without doing anything until Bind is called.
// When At is set it is used verbatim as the next eligible time, even for
// cron tasks, so a reload does not skip a pending occurrence.
func Restore(cfg Config, retryCount int, state State) (*Task, error) {
	placeholder := cfg.Body == nil
	if placeholder {
		cfg.Body = func(context.Context) error { return nil }
	}
	t, err := build(cfg)
	if err != nil {
		return nil, err
	}
	t.placeholder = placeholder
	if retryCount > 0 {
		t.retries = retryCount
	}
	if !state.Terminal() {
		t.state = state
	}
	return t, nil
}

func build(cfg Config) (*Task, error) {
	now := time.Now()
	if cfg.Clock != nil {
		now = cfg.Clock()
	}

	if cfg.Period < 0 {
		return nil, fmt.Errorf("%w: negative period %s", ErrInvalid, cfg.Period)
	}
	if cfg.Delay < 0 {
		return nil, fmt.Errorf("%w: negative delay %s", ErrInvalid, cfg.Delay)
	}

	prio := cfg.Priority
	if prio == 0 {
		prio = PriorityNormal
	}
	if !prio.valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalid, int(prio))
	}
	strategy := cfg.RetryStrategy
	if strategy == 0 {
		strategy = RetryExponential
	}
	if !strategy.valid() {
		return nil, fmt.Errorf("%w: retry strategy %d", ErrInvalid, int(strategy))
	}

	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = uuid.NewString()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = DefaultName
	}

	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	deps, err := normalizeDeps(id, cfg.Dependencies)
	if err != nil {
		return nil, err
	}

	t := &Task{
		id:          id,
		name:        name,
		priority:    prio,
		async:       cfg.Async,
		distributed: cfg.Distributed,
		period:      cfg.Period,
		deps:        deps,
		maxRetries:  maxRetries,
		strategy:    strategy,
		resourceID:  strings.TrimSpace(cfg.ResourceID),
		expiresAt:   cfg.ExpiresAt,
		onFailure:   cfg.OnFailure,
		createdAt:   now,
		body:        cfg.Body,
		state:       StateScheduled,
	}

	start := now.Add(cfg.Delay)
	if expr := strings.TrimSpace(cfg.Cron); expr != "" {
		loc := cfg.Location
		if loc == nil {
			loc = time.Local
		}
		s, err := cron.ParseIn(expr, loc)
		if err != nil {
			return nil, err
		}
		t.schedule = s
		t.cronExpr = s.String()
		if cfg.At.IsZero() {
			first, err := s.Next(start)
			if err != nil {
				return nil, err
			}
			start = first
		}
	}
	if !cfg.At.IsZero() {
		start = cfg.At
	}
	t.next = start
	return t, nil
}

func normalizeDeps(self string, in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if d == self {
			return nil, fmt.Errorf("%w: %s", ErrSelfDependency, self)
		}
		out = append(out, d)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (t *Task) ID() string                   { return t.id }
func (t *Task) Name() string                 { return t.name }
func (t *Task) Priority() Priority           { return t.priority }
func (t *Task) Async() bool                  { return t.async }
func (t *Task) Distributed() bool            { return t.distributed }
func (t *Task) Period() time.Duration        { return t.period }
func (t *Task) Cron() string                 { return t.cronExpr }
func (t *Task) MaxRetries() int              { return t.maxRetries }
func (t *Task) RetryStrategy() RetryStrategy { return t.strategy }
func (t *Task) ResourceID() string           { return t.resourceID }
func (t *Task) ExpiresAt() time.Time         { return t.expiresAt }
func (t *Task) CreatedAt() time.Time         { return t.createdAt }
func (t *Task) OnFailure() FailureFunc       { return t.onFailure }

// Dependencies returns a copy of the dependency ids, sorted.
func (t *Task) Dependencies() []string { return slices.Clone(t.deps) }

func (t *Task) NextRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

func (t *Task) SetNextRun(at time.Time) {
	t.mu.Lock()
	t.next = at
	t.mu.Unlock()
}

func (t *Task) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retries
}

// IncRetry bumps the retry counter and returns the new value.
func (t *Task) IncRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retries++
	return t.retries
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) Body() Body {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.body
}

// Bind attaches the executable body, typically after a reload.
func (t *Task) Bind(body Body) {
	if body == nil {
		return
	}
	t.mu.Lock()
	t.body = body
	t.placeholder = false
	t.mu.Unlock()
}

// Placeholder reports whether the task still carries the no-op body
// installed by Restore.
func (t *Task) Placeholder() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.placeholder
}

func (t *Task) Expired(now time.Time) bool {
	return !t.expiresAt.IsZero() && now.After(t.expiresAt)
}

func (t *Task) Recurring() bool { return t.schedule != nil || t.period > 0 }

// ShouldReschedule reports whether a successful run is followed by another.
func (t *Task) ShouldReschedule(now time.Time) bool {
	return t.Recurring() && !t.Expired(now)
}

// Advance moves the next eligible time past now. Cron takes precedence over
// the fixed period.
func (t *Task) Advance(now time.Time) (time.Time, error) {
	var next time.Time
	switch {
	case t.schedule != nil:
		n, err := t.schedule.Next(now)
		if err != nil {
			return time.Time{}, err
		}
		next = n
	case t.period > 0:
		next = now.Add(t.period)
	default:
		return time.Time{}, fmt.Errorf("%w: task %s is not recurring", ErrInvalid, t.id)
	}
	t.SetNextRun(next)
	return next, nil
}

// Compare orders tasks by priority (higher first), then by next eligible
// time (earlier first), then by id.
func (t *Task) Compare(o *Task) int {
	if t.priority != o.priority {
		if t.priority > o.priority {
			return -1
		}
		return 1
	}
	a, b := t.NextRun(), o.NextRun()
	if c := a.Compare(b); c != 0 {
		return c
	}
	return strings.Compare(t.id, o.id)
}

func (t *Task) Less(o *Task) bool { return t.Compare(o) < 0 }

// Info is a point-in-time view of a task, safe to serialize.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Priority     string    `json:"priority"`
	State        string    `json:"state"`
	NextRun      time.Time `json:"next_run"`
	Cron         string    `json:"cron,omitempty"`
	Period       string    `json:"period,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	Async        bool      `json:"async"`
	Distributed  bool      `json:"distributed"`
	Placeholder  bool      `json:"placeholder,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

func (t *Task) Info() Info {
	t.mu.Lock()
	next, retries, state, ph := t.next, t.retries, t.state, t.placeholder
	t.mu.Unlock()
	in := Info{
		ID:           t.id,
		Name:         t.name,
		Priority:     t.priority.String(),
		State:        state.String(),
		NextRun:      next,
		Cron:         t.cronExpr,
		ResourceID:   t.resourceID,
		Dependencies: t.Dependencies(),
		RetryCount:   retries,
		MaxRetries:   t.maxRetries,
		Async:        t.async,
		Distributed:  t.distributed,
		Placeholder:  ph,
		ExpiresAt:    t.expiresAt,
	}
	if t.period > 0 {
		in.Period = t.period.String()
	}
	return in
}

func (t *Task) String() string {
	return fmt.Sprintf("%s(%s)", t.name, t.id)
}
