// Package queue holds tasks ordered by priority and eligible time.
//
// Poll never blocks: it returns the head only once its eligible time has
// passed and otherwise leaves the queue untouched. The consumer re-polls on
// its own tick.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"taskforge/internal/task"
)

// Queue is a thread-safe priority queue of tasks, de-duplicated by id.
// The zero value is not usable; call New.
type Queue struct {
	mu      sync.Mutex
	items   taskHeap
	index   map[string]*entry
	stopped bool
}

type entry struct {
	t   *task.Task
	pos int
}

func New() *Queue {
	return &Queue{index: make(map[string]*entry)}
}

// Offer inserts t, replacing any queued task with the same id.
// Offers are ignored while the queue is stopped.
func (q *Queue) Offer(t *task.Task) bool {
	if t == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	if old, ok := q.index[t.ID()]; ok {
		heap.Remove(&q.items, old.pos)
		delete(q.index, t.ID())
	}
	e := &entry{t: t}
	heap.Push(&q.items, e)
	q.index[t.ID()] = e
	return true
}

// Poll removes and returns the head if it is eligible at now, else nil.
func (q *Queue) Poll(now time.Time) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0].t
	if head.NextRun().After(now) {
		return nil
	}
	heap.Pop(&q.items)
	delete(q.index, head.ID())
	return head
}

// Peek returns the head without removing it.
func (q *Queue) Peek() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].t
}

// Remove drops the task with id. It reports whether one was queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, e.pos)
	delete(q.index, id)
	return true
}

func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Empty() bool { return q.Len() == 0 }

func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.index = make(map[string]*entry)
	q.mu.Unlock()
}

// Start re-enables Offer after Stop.
func (q *Queue) Start() {
	q.mu.Lock()
	q.stopped = false
	q.mu.Unlock()
}

// Stop rejects further offers. Queued tasks stay until Clear.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
}

// taskHeap implements heap.Interface. The ordering key (next run) is read
// under the task's own lock, and callers must not change it while queued.
type taskHeap []*entry

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].t.Less(h[j].t) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}
