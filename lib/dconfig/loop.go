package dconfig

import (
	"context"
	"sync"
	"time"

	"github.com/samber/oops"
)

// loop is the single dispatcher. Every mutation of server state runs as a
// task on its goroutine, so the core needs no locks.
type loop struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

func newLoop() *loop {
	return &loop{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
}

// run executes tasks until ctx is cancelled or stop is called.
func (l *loop) run(ctx context.Context) {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

func (l *loop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *loop) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// post queues fn. It reports false when the loop has stopped.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (l *loop) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.post(func() { result <- fn() }) {
		return oops.Wrapf(ErrServerStopped, "dispatch")
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// the task may have finished just before the loop stopped
		select {
		case err := <-result:
			return err
		default:
			return oops.Wrapf(ErrServerStopped, "dispatch")
		}
	}
}

// afterFunc runs fn on the loop once d has elapsed.
func (l *loop) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.post(fn) })
}
