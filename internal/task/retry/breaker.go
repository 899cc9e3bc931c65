package retry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// BreakerState is the state of a per-resource circuit breaker.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// BreakerConfig holds thresholds. Zero fields take the defaults
// (5 failures, 2 successes, 30s reset).
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// Breaker is a failure-isolation state machine for one resource.
//
//   - CLOSED: each failure adds one, each success forgives one (never below
//     zero). Reaching FailureThreshold opens the circuit.
//   - OPEN: IsOpen reports true until ResetTimeout has passed since the last
//     failure; the first IsOpen call after that moves to HALF_OPEN.
//   - HALF_OPEN: SuccessThreshold consecutive successes close the circuit,
//     any failure reopens it.
type Breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	clock       func() time.Time
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	changedAt   time.Time
}

func NewBreaker(cfg BreakerConfig, clock func() time.Time) *Breaker {
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{cfg: cfg.withDefaults(), clock: clock, changedAt: clock()}
}

// IsOpen reports whether calls must be refused. It performs the lazy
// OPEN to HALF_OPEN transition.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return false
	}
	now := b.clock()
	if now.Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.setState(HalfOpen, now)
		return false
	}
	return true
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		if b.failures > 0 {
			b.failures--
		}
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.setState(Closed, b.clock())
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	b.lastFailure = now
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(Open, now)
		}
	case HalfOpen:
		b.setState(Open, now)
	case Open:
		b.failures++
	}
}

// Reset forces the breaker back to CLOSED with clean counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.lastFailure = time.Time{}
	b.setState(Closed, b.clock())
	b.mu.Unlock()
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s BreakerState, now time.Time) {
	b.state = s
	b.successes = 0
	b.changedAt = now
}

// BreakerSnapshot is a read-only view of a breaker.
type BreakerSnapshot struct {
	Resource    string    `json:"resource"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	ChangedAt   time.Time `json:"changed_at"`
}

func (b *Breaker) snapshot(resource string) BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Resource:    resource,
		State:       b.state.String(),
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		ChangedAt:   b.changedAt,
	}
}

// Breakers lazily creates one Breaker per resource id. Breakers live for the
// lifetime of the store.
type Breakers struct {
	cfg   BreakerConfig
	clock func() time.Time

	mu sync.Mutex
	m  map[string]*Breaker
}

func NewBreakers(cfg BreakerConfig, clock func() time.Time) *Breakers {
	if clock == nil {
		clock = time.Now
	}
	return &Breakers{cfg: cfg.withDefaults(), clock: clock, m: make(map[string]*Breaker)}
}

// Get returns the breaker for resource, creating it on first use.
// An empty resource has no breaker.
func (s *Breakers) Get(resource string) *Breaker {
	if s == nil {
		return nil
	}
	k := strings.TrimSpace(resource)
	if k == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.m[k]
	if b == nil {
		b = NewBreaker(s.cfg, s.clock)
		s.m[k] = b
	}
	return b
}

// Lookup returns the breaker for resource without creating one.
func (s *Breakers) Lookup(resource string) (*Breaker, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[strings.TrimSpace(resource)]
	return b, ok
}

// Reset closes the breaker for resource. It reports whether one existed.
func (s *Breakers) Reset(resource string) bool {
	b, ok := s.Lookup(resource)
	if ok {
		b.Reset()
	}
	return ok
}

func (s *Breakers) ResetAll() {
	s.mu.Lock()
	all := make([]*Breaker, 0, len(s.m))
	for _, b := range s.m {
		all = append(all, b)
	}
	s.mu.Unlock()
	for _, b := range all {
		b.Reset()
	}
}

// Snapshot returns all breakers sorted by resource id.
func (s *Breakers) Snapshot() []BreakerSnapshot {
	s.mu.Lock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)

	out := make([]BreakerSnapshot, 0, len(keys))
	for _, k := range keys {
		if b, ok := s.Lookup(k); ok {
			out = append(out, b.snapshot(k))
		}
	}
	return out
}
