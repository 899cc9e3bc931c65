// Package deps tracks which task ids have completed and gates tasks whose
// dependencies are not yet met.
package deps

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"taskforge/internal/task"
)

// ErrCycle is returned by DetectCycle when a dependency chain loops.
var ErrCycle = errors.New("dependency cycle")

// Tracker is a concurrent completion map.
type Tracker struct {
	mu        sync.RWMutex
	completed map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{completed: make(map[string]struct{})}
}

func (tr *Tracker) MarkCompleted(id string) {
	tr.mu.Lock()
	tr.completed[id] = struct{}{}
	tr.mu.Unlock()
}

func (tr *Tracker) MarkIncomplete(id string) {
	tr.mu.Lock()
	delete(tr.completed, id)
	tr.mu.Unlock()
}

// Remove forgets id entirely. Equivalent to MarkIncomplete.
func (tr *Tracker) Remove(id string) { tr.MarkIncomplete(id) }

func (tr *Tracker) Completed(id string) bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	_, ok := tr.completed[id]
	return ok
}

// Satisfied reports whether every dependency of t has completed. When not,
// t is moved to WAITING_FOR_DEPENDENCIES.
func (tr *Tracker) Satisfied(t *task.Task) bool {
	if len(tr.Missing(t)) == 0 {
		return true
	}
	t.SetState(task.StateWaitingForDependencies)
	return false
}

// Missing lists the dependencies of t that have not completed.
func (tr *Tracker) Missing(t *task.Task) []string {
	deps := t.Dependencies()
	if len(deps) == 0 {
		return nil
	}
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	var out []string
	for _, d := range deps {
		if _, ok := tr.completed[d]; !ok {
			out = append(out, d)
		}
	}
	return out
}

func (tr *Tracker) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.completed)
}

func (tr *Tracker) Clear() {
	tr.mu.Lock()
	tr.completed = make(map[string]struct{})
	tr.mu.Unlock()
}

// DetectCycle walks the dependency graph from a candidate task. lookup returns
// the dependencies of a known task and false for ids it does not know, which
// are treated as leaves. The returned error wraps ErrCycle and names the loop.
func DetectCycle(id string, deps []string, lookup func(id string) ([]string, bool)) error {
	const (
		visiting = 1
		done     = 2
	)
	marks := map[string]int{id: visiting}
	path := []string{id}

	var visit func(next []string) error
	visit = func(next []string) error {
		for _, d := range next {
			switch marks[d] {
			case visiting:
				loop := append(path[indexOf(path, d):], d)
				return fmt.Errorf("%w: %s", ErrCycle, strings.Join(loop, " -> "))
			case done:
				continue
			}
			child, ok := lookup(d)
			if !ok {
				marks[d] = done
				continue
			}
			marks[d] = visiting
			path = append(path, d)
			if err := visit(child); err != nil {
				return err
			}
			path = path[:len(path)-1]
			marks[d] = done
		}
		return nil
	}
	return visit(deps)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}
