package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishFanOutAndDrop(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"}) // a is full, dropped for a only

	if e := <-a; e.Type != "one" || e.Time.IsZero() {
		t.Fatalf("a got %+v", e)
	}
	select {
	case e := <-a:
		t.Fatalf("a should have dropped the second event, got %+v", e)
	default:
	}
	if len(c) != 2 {
		t.Fatalf("c buffered %d events, want 2", len(c))
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: "after"})
	if _, ok := <-a; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
}

func TestRecorderKeepsNewestFirst(t *testing.T) {
	r := NewRecorder(3)
	for _, typ := range []string{"a", "b", "c", "d"} {
		r.Add(Event{Type: typ})
	}
	got := r.Recent()
	if len(got) != 3 || got[0].Type != "d" || got[2].Type != "b" {
		t.Fatalf("recent=%+v", got)
	}
}

func TestRecorderRun(t *testing.T) {
	b := New()
	r := NewRecorder(10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, b)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(r.Recent()) == 0 && time.Now().Before(deadline) {
		b.Publish(Event{Type: DeliveryCycle})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if len(r.Recent()) == 0 {
		t.Fatalf("recorder saw no events")
	}
}
