package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoop_DeferWithFullQueue(t *testing.T) {
	l := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var order []string
	done := make(chan []string, 1)
	l.Post(func() {
		for full := false; !full; {
			select {
			case l.tasks <- func() { order = append(order, "posted") }:
			default:
				full = true
			}
		}
		l.Defer(func() {
			order = append(order, "deferred")
			done <- append([]string(nil), order...)
		})
		order = append(order, "task")
	})

	select {
	case got := <-done:
		if len(got) != 2 || got[0] != "task" || got[1] != "deferred" {
			t.Errorf("order = %v, want [task deferred]", got)
		}
	case <-time.After(time.Second):
		t.Fatal("deferred func did not run with a full task queue")
	}
}

func TestLoop_DeferRecoversPanics(t *testing.T) {
	l := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	ran := make(chan struct{})
	l.Post(func() {
		l.Defer(func() { panic("boom") })
		l.Defer(func() { close(ran) })
	})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("second deferred func did not run after a panic")
	}
}
