// Package ratelimit admits executions per resource with an exact sliding window.
//
// Each resource keeps a ring of its last Max admission timestamps. The slot
// under the cursor is the oldest one; an admission succeeds only when that
// slot is empty or has left the window, so at most Max admissions ever fall
// inside any window. A rejection does not change state.
package ratelimit

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"taskforge/internal/task"
)

var ErrInvalidLimit = errors.New("invalid rate limit")

// Limit is the configured admission budget for one resource.
type Limit struct {
	Max    int           `json:"max"`
	Window time.Duration `json:"window"`
}

type window struct {
	limit  Limit
	stamps []time.Time
	cursor int
}

// Limiter holds the windows of all limited resources.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

func New() *Limiter {
	return &Limiter{windows: make(map[string]*window)}
}

// SetLimit installs or replaces the limit for resource. Replacing a limit
// drops the recorded history.
func (l *Limiter) SetLimit(resource string, max int, win time.Duration) error {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return fmt.Errorf("%w: empty resource id", ErrInvalidLimit)
	}
	if max <= 0 || win <= 0 {
		return fmt.Errorf("%w: %s: max=%d window=%s", ErrInvalidLimit, resource, max, win)
	}
	l.mu.Lock()
	l.windows[resource] = &window{limit: Limit{Max: max, Window: win}, stamps: make([]time.Time, max)}
	l.mu.Unlock()
	return nil
}

// RemoveLimit makes resource unconstrained. It reports whether a limit existed.
func (l *Limiter) RemoveLimit(resource string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.windows[resource]
	delete(l.windows, resource)
	return ok
}

// Allow tries to admit one execution of t at now.
func (l *Limiter) Allow(t *task.Task, now time.Time) bool {
	return l.TryAcquire(t.ResourceID(), now)
}

// TryAcquire admits one execution against resource at now. Empty or
// unlimited resources are always admitted.
func (l *Limiter) TryAcquire(resource string, now time.Time) bool {
	if resource == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[resource]
	if !ok {
		return true
	}
	oldest := w.stamps[w.cursor]
	if !oldest.IsZero() && now.Sub(oldest) < w.limit.Window {
		return false
	}
	w.stamps[w.cursor] = now
	w.cursor = (w.cursor + 1) % len(w.stamps)
	return true
}

// NextAllowed returns the earliest time t's resource admits again.
func (l *Limiter) NextAllowed(t *task.Task, now time.Time) time.Time {
	return l.NextAllowedFor(t.ResourceID(), now)
}

func (l *Limiter) NextAllowedFor(resource string, now time.Time) time.Time {
	if resource == "" {
		return now
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[resource]
	if !ok {
		return now
	}
	oldest := w.stamps[w.cursor]
	if oldest.IsZero() {
		return now
	}
	at := oldest.Add(w.limit.Window)
	if at.Before(now) {
		return now
	}
	return at
}

// Limits returns a copy of the configured limits.
func (l *Limiter) Limits() map[string]Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Limit, len(l.windows))
	for k, w := range l.windows {
		out[k] = w.limit
	}
	return out
}

// Replace installs exactly the given limits. Resources whose limit is
// unchanged keep their history.
func (l *Limiter) Replace(limits map[string]Limit) error {
	for r, lim := range limits {
		if strings.TrimSpace(r) == "" || lim.Max <= 0 || lim.Window <= 0 {
			return fmt.Errorf("%w: %s: max=%d window=%s", ErrInvalidLimit, r, lim.Max, lim.Window)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make(map[string]*window, len(limits))
	for r, lim := range limits {
		if w, ok := l.windows[r]; ok && w.limit == lim {
			next[r] = w
			continue
		}
		next[r] = &window{limit: lim, stamps: make([]time.Time, lim.Max)}
	}
	l.windows = next
	return nil
}

// Equal reports whether two limit sets are identical.
func Equal(a, b map[string]Limit) bool { return maps.Equal(a, b) }
