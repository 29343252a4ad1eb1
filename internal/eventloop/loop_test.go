package eventloop_test

import (
	"context"
	"testing"
	"time"

	"github.com/omochice/matcha-sync/internal/eventloop"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

func TestLoop_PostRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", got)
		}
	}
	if len(got) != 5 {
		t.Errorf("ran %d tasks, want 5", len(got))
	}
}

func TestLoop_GoPostsCompletion(t *testing.T) {
	l := startLoop(t)

	done := make(chan string, 1)
	l.Go(func() func() {
		v := "fetched"
		return func() { done <- v }
	})

	select {
	case v := <-done:
		if v != "fetched" {
			t.Errorf("got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for completion")
	}
}

func TestLoop_AfterFunc(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoop_RecoversPanics(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	if err := l.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("loop did not survive panic: %v", err)
	}
}

func TestLoop_CallAfterStop(t *testing.T) {
	l := eventloop.New(zerolog.Nop())
	l.Stop()

	err := l.Call(context.Background(), func() {})
	if !errors.Is(err, eventloop.ErrStopped) {
		t.Errorf("Call() error = %v, want ErrStopped", err)
	}
	if l.Post(func() {}) {
		t.Error("Post() on stopped loop returned true")
	}
}
