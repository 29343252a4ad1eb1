// Package eventloop provides the single logical event loop every session
// component runs on. State owned by those components is only touched from
// the loop goroutine; blocking I/O runs on worker goroutines and posts its
// completion back.
package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrStopped is returned when work is submitted to a loop that has stopped.
var ErrStopped = errors.New("event loop stopped")

// Timer is a cancellable pending callback. Stop does not guarantee the
// callback has not already been queued; callers guard with their own state.
type Timer interface {
	Stop() bool
}

// Scheduler is what loop-confined components need from the loop.
type Scheduler interface {
	// Post queues fn to run on the loop.
	Post(fn func()) bool
	// Go runs work on a worker goroutine and posts the returned func, if any,
	// back onto the loop.
	Go(work func() func())
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Now returns the current time.
	Now() time.Time
}

// Loop runs posted tasks one at a time, in arrival order.
type Loop struct {
	tasks    chan func()
	quit     chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
	log      zerolog.Logger

	// deferred is only touched on the loop goroutine.
	deferred []func()
}

// New creates a Loop. Call Run to start processing tasks.
func New(log zerolog.Logger) *Loop {
	return &Loop{
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
		log:   log.With().Str("component", "eventloop").Logger(),
	}
}

// Run processes tasks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.quit:
			return nil
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	l.runTask(fn)
	for len(l.deferred) > 0 {
		next := l.deferred[0]
		l.deferred = l.deferred[1:]
		l.runTask(next)
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("Recovered panic in loop task")
		}
	}()
	fn()
}

// Stop stops the loop. Pending tasks are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
	})
}

// Done is closed once the loop has been stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.quit
}

// Wait blocks until every worker started with Go has returned.
func (l *Loop) Wait() {
	l.workers.Wait()
}

// Post implements Scheduler.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Defer queues fn to run on the loop right after the current task, ahead
// of anything posted. It never blocks and must only be called from the loop
// goroutine.
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// Call runs fn on the loop and waits for it to finish.
// It must not be called from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return ErrStopped
	}
}

// Go implements Scheduler.
func (l *Loop) Go(work func() func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		if apply := work(); apply != nil {
			l.Post(apply)
		}
	}()
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() {
		l.Post(fn)
	})
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time {
	return time.Now()
}
