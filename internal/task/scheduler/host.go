package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Host runs work on the embedding application's primary context.
//
// RunOnPrimary returns nil only after fn has run. When it returns an error fn
// did not run and will not run.
type Host interface {
	RunOnPrimary(ctx context.Context, fn func()) error
}

// HostFunc adapts a function to Host.
type HostFunc func(ctx context.Context, fn func()) error

func (f HostFunc) RunOnPrimary(ctx context.Context, fn func()) error { return f(ctx, fn) }

var ErrPrimaryClosed = errors.New("primary loop closed")

type primaryCall struct {
	fn      func()
	claimed atomic.Bool
	done    chan struct{}
}

// PrimaryLoop is a Host backed by one goroutine that runs submitted
// functions in order.
type PrimaryLoop struct {
	calls chan *primaryCall
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func NewPrimaryLoop(backlog int) *PrimaryLoop {
	if backlog <= 0 {
		backlog = 64
	}
	l := &PrimaryLoop{
		calls: make(chan *primaryCall, backlog),
		quit:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *PrimaryLoop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.quit:
			return
		case c := <-l.calls:
			if !c.claimed.CompareAndSwap(false, true) {
				continue
			}
			func() {
				defer close(c.done)
				c.fn()
			}()
		}
	}
}

func (l *PrimaryLoop) RunOnPrimary(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := &primaryCall{fn: fn, done: make(chan struct{})}
	select {
	case l.calls <- c:
	case <-l.quit:
		return ErrPrimaryClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-c.done:
		return nil
	case <-l.quit:
	case <-ctx.Done():
	}
	// Withdraw unless the loop already picked the call up.
	if c.claimed.CompareAndSwap(false, true) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPrimaryClosed
	}
	<-c.done
	return nil
}

// Close stops the loop after the function in progress returns. Queued calls
// are abandoned and their callers get ErrPrimaryClosed.
func (l *PrimaryLoop) Close() {
	l.once.Do(func() { close(l.quit) })
	l.wg.Wait()
}
