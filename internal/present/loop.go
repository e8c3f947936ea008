// Package present owns the presentation thread. All visual state is mutated
// by closures executed on that thread; other goroutines hand work over with
// Post (fire and forget) or Submit (run and wait).
package present

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned for work handed to a closed loop.
var ErrClosed = errors.New("present: loop closed")

type task struct {
	fn    func() error
	reply chan error
}

// Loop is a queue of closures drained by exactly one goroutine, either by
// Run or by a host frame callback calling Drain.
type Loop struct {
	tasks chan task
	done  chan struct{}
	once  sync.Once

	// submitMu keeps at most one Submit hand-off in flight.
	submitMu sync.Mutex
}

// NewLoop returns a loop whose queue holds up to buffer pending closures.
func NewLoop(buffer int) *Loop {
	if buffer < 1 {
		buffer = 1
	}
	return &Loop{
		tasks: make(chan task, buffer),
		done:  make(chan struct{}),
	}
}

// Run executes closures until ctx is done or the loop is closed. The loop
// is closed when Run returns, so pending and later Submits fail with
// ErrClosed instead of waiting for a runner that is gone.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case t := <-l.tasks:
			l.exec(t)
		}
	}
}

// Drain executes every closure queued right now without blocking and
// returns how many ran. Hosts with their own frame loop call it once per
// frame instead of Run.
func (l *Loop) Drain() int {
	n := 0
	for {
		select {
		case t := <-l.tasks:
			l.exec(t)
			n++
		default:
			return n
		}
	}
}

func (l *Loop) exec(t task) {
	err := t.fn()
	if t.reply != nil {
		t.reply <- err
	}
}

// Post queues fn without waiting. It reports false when the queue is full
// or the loop is closed.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- task{fn: func() error { fn(); return nil }}:
		return true
	default:
		return false
	}
}

// Submit runs fn on the presentation thread and blocks until it has
// finished, returning its error. ctx bounds only the wait for a queue slot;
// once queued, Submit waits for completion so no two hand-offs overlap.
// Submit must not be called from the presentation thread itself.
func (l *Loop) Submit(ctx context.Context, fn func() error) error {
	l.submitMu.Lock()
	defer l.submitMu.Unlock()

	t := task{fn: fn, reply: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	case l.tasks <- t:
	}
	select {
	case err := <-t.reply:
		return err
	case <-l.done:
		return ErrClosed
	}
}

// Close stops Run and rejects further work. Pending closures are dropped.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}
