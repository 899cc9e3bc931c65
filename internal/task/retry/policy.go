// Package retry decides whether a failed task runs again, how long it waits,
// and fast-fails tasks whose resource circuit is open.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"taskforge/internal/task"
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrNotRetryable     = errors.New("error marked non-retryable")
)

// DefaultBase is the base delay used when Policy.Base is zero.
const DefaultBase = time.Second

// Delay returns the backoff before retry number n (1-based).
//
//	IMMEDIATE    0
//	FIXED        base
//	LINEAR       base * n
//	EXPONENTIAL  base * 2^(n-1)
//	RANDOM       base * n * U(0.5, 1.5)
func Delay(s task.RetryStrategy, n int, base time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	switch s {
	case task.RetryImmediate:
		return 0
	case task.RetryFixed:
		return base
	case task.RetryLinear:
		return base * time.Duration(n)
	case task.RetryRandom:
		f := 0.5 + rand.Float64()
		return time.Duration(float64(base) * float64(n) * f)
	default:
		shift := n - 1
		if shift > 62 {
			return math.MaxInt64
		}
		d := base << shift
		if d < base || d>>shift != base {
			return math.MaxInt64
		}
		return d
	}
}

// Policy combines the per-task retry budget with per-resource breakers.
type Policy struct {
	Base     time.Duration
	MaxDelay time.Duration // 0 means uncapped
	Breakers *Breakers
}

// Check returns nil when t may be retried after failing with cause,
// otherwise ErrNotRetryable, ErrRetriesExhausted or ErrCircuitOpen.
func (p *Policy) Check(t *task.Task, cause error) error {
	if task.IsNoRetry(cause) {
		return ErrNotRetryable
	}
	if t.RetryCount() >= t.MaxRetries() {
		return ErrRetriesExhausted
	}
	if p.CircuitOpen(t.ResourceID()) {
		return ErrCircuitOpen
	}
	return nil
}

func (p *Policy) ShouldRetry(t *task.Task) bool { return p.Check(t, nil) == nil }

// NextDelay is the wait before the next attempt of t. A RetryAfter hint on
// cause replaces the strategy delay.
func (p *Policy) NextDelay(t *task.Task, cause error) time.Duration {
	var d time.Duration
	var ra task.RetryAfterError
	if cause != nil && errors.As(cause, &ra) {
		d = ra.RetryAfter()
	} else {
		base := p.Base
		if base <= 0 {
			base = DefaultBase
		}
		d = Delay(t.RetryStrategy(), t.RetryCount()+1, base)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// CircuitOpen reports whether resource is currently refusing work.
// Resources without a breaker are never open.
func (p *Policy) CircuitOpen(resource string) bool {
	b, ok := p.Breakers.Lookup(resource)
	return ok && b.IsOpen()
}

func (p *Policy) RecordSuccess(resource string) {
	if b := p.Breakers.Get(resource); b != nil {
		b.RecordSuccess()
	}
}

func (p *Policy) RecordFailure(resource string) {
	if b := p.Breakers.Get(resource); b != nil {
		b.RecordFailure()
	}
}
