package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"dripbot/internal/catalog"
	kit "dripbot/internal/transport"
	"dripbot/internal/transport/transporttest"
)

type ids []int64

func (l ids) ListIDs(context.Context) ([]int64, error) { return l, nil }

type brokenList struct{ err error }

func (b brokenList) ListIDs(context.Context) ([]int64, error) { return nil, b.err }

func fastConfig() Config { return Config{Workers: 2, RatePerSec: 1000} }

func TestSendCountsPerRecipientFailures(t *testing.T) {
	n := transporttest.New()
	n.Fail(2, errors.New("blocked"))
	s := New(ids{1, 2, 3}, n, fastConfig())

	res, err := s.Send(context.Background(), catalog.Content{Text: "sale"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res != (Result{Total: 3, Delivered: 2, Failed: 1}) {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, id := range []int64{1, 3} {
		if got := n.SentTo(id); len(got) != 1 || got[0].Text != "sale" {
			t.Fatalf("subscriber %d: %+v", id, got)
		}
	}
}

func TestSendWithImageAndButton(t *testing.T) {
	n := transporttest.New()
	s := New(ids{5}, n, fastConfig())
	c := catalog.Content{
		Text:   "new course",
		Image:  "https://example.com/c.jpg",
		Button: &catalog.Button{Label: "Узнать подробнее", URL: "https://example.com"},
	}
	if _, err := s.Send(context.Background(), c); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := n.SentTo(5)
	if len(got) != 1 || got[0].Image != c.Image || got[0].Button == nil || got[0].Button.URL != c.Button.URL {
		t.Fatalf("unexpected send: %+v", got)
	}
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name string
		list Recipients
		c    catalog.Content
		want error
	}{
		{"no recipients", ids{}, catalog.Content{Text: "x"}, ErrNoRecipients},
		{"list failure", brokenList{err: errors.New("db down")}, catalog.Content{Text: "x"}, nil},
		{"empty text", ids{1}, catalog.Content{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.list, transporttest.New(), fastConfig())
			_, err := s.Send(context.Background(), tt.c)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err=%v want %v", err, tt.want)
			}
		})
	}
}

func TestSendRetriesTransientFailure(t *testing.T) {
	n := transporttest.New()
	var calls atomic.Int32
	n.Hook = func(context.Context, int64) error {
		if calls.Add(1) == 1 {
			return errors.New("flaky")
		}
		return nil
	}
	cfg := fastConfig()
	cfg.RetryMax = 1
	s := New(ids{1}, n, cfg)

	res, err := s.Send(context.Background(), catalog.Content{Text: "x"})
	if err != nil || res.Delivered != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d want 2", calls.Load())
	}
}

func TestSendWaitsOutFloodControl(t *testing.T) {
	n := transporttest.New()
	var calls atomic.Int32
	n.Hook = func(context.Context, int64) error {
		if calls.Add(1) == 1 {
			return transporttest.FloodError{After: 700 * time.Millisecond}
		}
		return nil
	}
	cfg := fastConfig()
	cfg.RetryMax = 1
	s := New(ids{1}, n, cfg)

	start := time.Now()
	res, err := s.Send(context.Background(), catalog.Content{Text: "x"})
	if err != nil || res.Delivered != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if took := time.Since(start); took < 700*time.Millisecond {
		t.Fatalf("retried after %v, before the flood window ended", took)
	}
}

func TestSendDoesNotRetryBlockedRecipient(t *testing.T) {
	n := transporttest.New()
	var calls atomic.Int32
	n.Hook = func(context.Context, int64) error {
		calls.Add(1)
		return fmt.Errorf("%w: bot was blocked by the user", kit.ErrBlocked)
	}
	cfg := fastConfig()
	cfg.RetryMax = 2
	s := New(ids{1}, n, cfg)

	res, err := s.Send(context.Background(), catalog.Content{Text: "x"})
	if err != nil || res.Failed != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}

func TestEnqueueRunsJobAndReportsStatus(t *testing.T) {
	n := transporttest.New()
	n.Fail(2, errors.New("gone"))
	s := New(ids{1, 2, 3}, n, fastConfig())

	if _, err := s.Enqueue(catalog.Content{Text: "x"}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Enqueue before Start: err=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	id, err := s.Enqueue(catalog.Content{Text: "x"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var st JobStatus
	for time.Now().Before(deadline) {
		var ok bool
		st, ok = s.Status(id)
		if !ok {
			t.Fatalf("status for %s missing", id)
		}
		if !st.DoneAt.IsZero() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st.DoneAt.IsZero() || st.Running {
		t.Fatalf("job did not finish: %+v", st)
	}
	if st.Total != 3 || st.Delivered != 2 || st.Failed != 1 || st.Done != 3 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if len(st.Failures) != 1 || st.Failures[0] != 2 {
		t.Fatalf("failures=%v", st.Failures)
	}
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("Jobs()=%+v", jobs)
	}
}

func TestPruneStatus(t *testing.T) {
	s := New(ids{}, transporttest.New(), fastConfig())
	s.statusMax = 2
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s.status["old"] = &JobStatus{ID: "old", CreatedAt: now.Add(-48 * time.Hour), DoneAt: now.Add(-48 * time.Hour)}
	s.status["a"] = &JobStatus{ID: "a", CreatedAt: now.Add(-3 * time.Minute), DoneAt: now.Add(-3 * time.Minute)}
	s.status["b"] = &JobStatus{ID: "b", CreatedAt: now.Add(-2 * time.Minute), DoneAt: now.Add(-2 * time.Minute)}
	s.status["c"] = &JobStatus{ID: "c", CreatedAt: now.Add(-time.Minute), DoneAt: now.Add(-time.Minute)}
	s.status["run"] = &JobStatus{ID: "run", CreatedAt: now.Add(-72 * time.Hour), Running: true}

	s.pruneStatus(now)

	for _, id := range []string{"old", "a", "b"} {
		if _, ok := s.Status(id); ok {
			t.Fatalf("%s should be pruned", id)
		}
	}
	for _, id := range []string{"c", "run"} {
		if _, ok := s.Status(id); !ok {
			t.Fatalf("%s should be kept", id)
		}
	}
}
