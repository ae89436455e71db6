// Package serial provides a single-writer execution loop: every function posted
// to a Loop runs on one goroutine, in the order it was posted.
package serial

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("serial loop stopped")

// Loop is an unbounded FIFO mailbox drained by Run.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	signal  chan struct{}
	done    chan struct{}
}

// New returns a loop that accepts work before Run is called.
func New() *Loop {
	return &Loop{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post schedules fn without waiting. It never blocks, so it is safe to call
// from callbacks running on other goroutines. Work posted after the loop has
// stopped is dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.notify()
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, func() {
		defer close(finished)
		fn()
	})
	l.mu.Unlock()
	l.notify()

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have run fn just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the mailbox until ctx is done. Work still queued when ctx ends
// is executed before Run returns, then onStop (if non-nil) runs last.
func (l *Loop) Run(ctx context.Context, onStop func()) {
	defer close(l.done)
	for {
		l.drain()
		select {
		case <-ctx.Done():
			l.drain()
			if onStop != nil {
				onStop()
			}
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return
		case <-l.signal:
		}
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

func (l *Loop) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}
