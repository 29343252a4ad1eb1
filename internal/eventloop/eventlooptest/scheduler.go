// Package eventlooptest provides a manual eventloop.Scheduler for tests.
package eventlooptest

import (
	"sort"
	"time"

	"github.com/omochice/matcha-sync/internal/eventloop"
)

// Scheduler runs everything on the calling goroutine. Work passed to Go is
// queued until RunNext or Flush; timers fire only when Advance moves the
// virtual clock past them.
type Scheduler struct {
	now    time.Time
	posted []func()
	work   []func() func()
	timers []*timer
	seq    int
}

type timer struct {
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// New creates a Scheduler whose clock starts at start.
func New(start time.Time) *Scheduler {
	return &Scheduler{now: start}
}

var _ eventloop.Scheduler = (*Scheduler)(nil)

func (s *Scheduler) Post(fn func()) bool {
	s.posted = append(s.posted, fn)
	return true
}

func (s *Scheduler) Go(work func() func()) {
	s.work = append(s.work, work)
}

func (s *Scheduler) AfterFunc(d time.Duration, fn func()) eventloop.Timer {
	s.seq++
	t := &timer{at: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *Scheduler) Now() time.Time {
	return s.now
}

// Pending returns the number of queued work items.
func (s *Scheduler) Pending() int {
	return len(s.work)
}

// RunNext runs the oldest queued work item and applies its result.
func (s *Scheduler) RunNext() bool {
	if len(s.work) == 0 {
		return false
	}
	w := s.work[0]
	s.work = s.work[1:]
	if apply := w(); apply != nil {
		apply()
	}
	s.drainPosted()
	return true
}

// Flush runs posted tasks and queued work until none remain.
func (s *Scheduler) Flush() {
	s.drainPosted()
	for s.RunNext() {
	}
}

// Advance moves the clock forward by d, firing due timers in deadline order.
func (s *Scheduler) Advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		t := s.nextDue(target)
		if t == nil {
			break
		}
		s.now = t.at
		t.fired = true
		t.fn()
		s.Flush()
	}
	s.now = target
	s.Flush()
}

// Tick moves the clock forward by d without firing timers or running
// queued work, to model time passing while a request is still in flight.
func (s *Scheduler) Tick(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *Scheduler) nextDue(target time.Time) *timer {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.timers = live
	sort.Slice(s.timers, func(i, j int) bool {
		if s.timers[i].at.Equal(s.timers[j].at) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].at.Before(s.timers[j].at)
	})
	if len(s.timers) > 0 && !s.timers[0].at.After(target) {
		return s.timers[0]
	}
	return nil
}

func (s *Scheduler) drainPosted() {
	for len(s.posted) > 0 {
		fn := s.posted[0]
		s.posted = s.posted[1:]
		fn()
	}
}
