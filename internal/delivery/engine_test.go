package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dripbot/internal/catalog"
	"dripbot/internal/eventbus"
	"dripbot/internal/storage"
	kit "dripbot/internal/transport"
	"dripbot/internal/transport/transporttest"
	logx "dripbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testCatalog() *catalog.Catalog {
	return catalog.MustNew([]catalog.Entry{
		{Stage: 0, Content: catalog.Content{Text: "welcome {name}"}},
		{Stage: 1, Delay: time.Minute, Content: catalog.Content{Text: "first for {name}"}},
		{Stage: 2, Delay: 24 * time.Hour, Content: catalog.Content{
			Text:   "second",
			Image:  "https://example.com/p.png",
			Button: &catalog.Button{Label: "More", URL: "https://example.com"},
		}},
	})
}

type harness struct {
	store *storage.Store
	clock *fakeClock
	notif *transporttest.Notifier
	cat   *catalog.Catalog
}

func newHarness(t *testing.T, dup storage.DuplicatePolicy) *harness {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	st, err := storage.Open(context.Background(), storage.Config{
		Driver:     "sqlite",
		Path:       filepath.Join(t.TempDir(), "drip.db"),
		Duplicates: dup,
		Now:        clk.Now,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return &harness{store: st, clock: clk, notif: transporttest.New(), cat: testCatalog()}
}

func (h *harness) engine(cfg Config, opts ...Option) *Engine {
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	return New(h.store, h.notif, h.cat, cfg, opts...)
}

// enroll mimics the enrollment flow without sending the welcome.
func (h *harness) enroll(t *testing.T, id int64, name string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := h.store.Upsert(ctx, storage.Profile{ID: id, DisplayName: name}); err != nil {
		t.Fatalf("Upsert(%d): %v", id, err)
	}
	for stage := 1; stage < h.cat.Len(); stage++ {
		e, _ := h.cat.Get(stage)
		if _, err := h.store.Schedule(ctx, id, stage, e.Delay, e.Content.Fingerprint()); err != nil {
			t.Fatalf("Schedule(%d, %d): %v", id, stage, err)
		}
	}
}

func (h *harness) stage(t *testing.T, id int64) int {
	t.Helper()
	sub, err := h.store.Subscriber(context.Background(), id)
	if err != nil {
		t.Fatalf("Subscriber(%d): %v", id, err)
	}
	return sub.Stage
}

func TestRunOnceDeliversDueStageAndAdvances(t *testing.T) {
	h := newHarness(t, storage.DuplicatesAllow)
	h.enroll(t, 1, "Ann")
	e := h.engine(Config{})

	rep, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Due != 0 || len(h.notif.Sent()) != 0 {
		t.Fatalf("nothing should be due yet: %+v", rep)
	}

	h.clock.Advance(time.Minute + time.Second)
	rep, err = e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Due != 1 || rep.Delivered != 1 || rep.Failed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	sent := h.notif.SentTo(1)
	if len(sent) != 1 || sent[0].Text != "first for Ann" {
		t.Fatalf("unexpected sends: %+v", sent)
	}
	if got := h.stage(t, 1); got != 1 {
		t.Fatalf("stage=%d want 1", got)
	}

	// Stage 2 is not due yet.
	rep, _ = e.RunOnce(context.Background())
	if rep.Due != 0 {
		t.Fatalf("stage 2 should not be due: %+v", rep)
	}

	h.clock.Advance(24 * time.Hour)
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	sent = h.notif.SentTo(1)
	if len(sent) != 2 {
		t.Fatalf("want 2 sends, got %d", len(sent))
	}
	last := sent[1]
	if last.Image != "https://example.com/p.png" || last.Text != "second" {
		t.Fatalf("stage 2 should be sent as a photo: %+v", last)
	}
	if last.Button == nil || last.Button.Label != "More" {
		t.Fatalf("missing button: %+v", last.Button)
	}
	if got := h.stage(t, 1); got != 2 {
		t.Fatalf("stage=%d want 2", got)
	}
}

func TestRunOnceFailureLeavesRowPendingForRetry(t *testing.T) {
	h := newHarness(t, storage.DuplicatesAllow)
	h.enroll(t, 1, "Ann")
	e := h.engine(Config{})
	ctx := context.Background()

	h.clock.Advance(2 * time.Minute)
	h.notif.Fail(1, errors.New("network down"))

	rep, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("notifier errors must not abort the cycle: %v", err)
	}
	if rep.Failed != 1 || rep.Delivered != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if got := h.stage(t, 1); got != 0 {
		t.Fatalf("stage advanced on failure: %d", got)
	}
	due, _ := h.store.Due(ctx, 0)
	if len(due) != 1 || due[0].Attempts != 1 || due[0].LastError != "network down" {
		t.Fatalf("row should stay due with one attempt: %+v", due)
	}

	h.notif.Fail(1, nil)
	rep, err = e.RunOnce(ctx)
	if err != nil || rep.Delivered != 1 {
		t.Fatalf("retry: rep=%+v err=%v", rep, err)
	}
	if got := h.stage(t, 1); got != 1 {
		t.Fatalf("stage=%d want 1", got)
	}
}

func TestRunOnceIsolatesFailuresPerSubscriber(t *testing.T) {
	h := newHarness(t, storage.DuplicatesAllow)
	for id := int64(1); id <= 3; id++ {
		h.enroll(t, id, fmt.Sprintf("user%d", id))
	}
	h.notif.Fail(2, fmt.Errorf("blocked: %w", kit.ErrBlocked))
	h.clock.Advance(2 * time.Minute)

	rep, err := h.engine(Config{Workers: 2}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Due != 3 || rep.Delivered != 2 || rep.Failed != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	for id, want := range map[int64]int{1: 1, 2: 0, 3: 1} {
		if got := h.stage(t, id); got != want {
			t.Fatalf("subscriber %d stage=%d want %d", id, got, want)
		}
	}
}

func TestRunOnceDropsStageMissingFromCatalog(t *testing.T) {
	h := newHarness(t, storage.DuplicatesAllow)
	ctx := context.Background()
	if _, _, err := h.store.Upsert(ctx, storage.Profile{ID: 7, DisplayName: "Bo"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := h.store.Schedule(ctx, 7, 9, 0, ""); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	e := h.engine(Config{})
	rep, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Dropped != 1 || len(h.notif.Sent()) != 0 {
		t.Fatalf("out-of-range stage should be dropped without sending: %+v", rep)
	}
	rep, _ = e.RunOnce(ctx)
	if rep.Due != 0 {
		t.Fatalf("dropped row is due again: %+v", rep)
	}
	st, _ := h.store.Stats(ctx)
	if st.Failed != 1 {
		t.Fatalf("failed=%d want 1", st.Failed)
	}
}

func TestRunOnceCollapsesDuplicateRows(t *testing.T) {
	h := newHarness(t, storage.DuplicatesAllow)
	h.enroll(t, 1, "Ann")
	h.enroll(t, 1, "Ann")
	h.clock.Advance(2 * time.Minute)

	rep, err := h.engine(Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Due != 2 || rep.Collapsed != 1 || rep.Delivered != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if n := len(h.notif.SentTo(1)); n != 1 {
		t.Fatalf("duplicate rows must send once, got %d", n)
	}
	st, _ := h.store.Stats(context.Background())
	if st.Due != 0 || st.Sent != 2 {
		t.Fatalf("both duplicate rows should be settled: %+v", st)
	}
}

func TestRunOnceMaxAttemptsAndBackoff(t *testing.T) {
	h := newHarness(t, storage.DuplicatesAllow)
	h.enroll(t, 1, "Ann")
	h.notif.Fail(1, errors.New("boom"))
	h.clock.Advance(2 * time.Minute)
	ctx := context.Background()

	e := h.engine(Config{MaxAttempts: 2, BackoffBase: 10 * time.Second})

	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	rep, _ := e.RunOnce(ctx)
	if rep.Due != 0 {
		t.Fatalf("row should be pushed out by backoff: %+v", rep)
	}

	h.clock.Advance(11 * time.Second)
	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	st, _ := h.store.Stats(ctx)
	if st.Failed != 1 {
		t.Fatalf("row should be failed after max attempts: %+v", st)
	}

	h.clock.Advance(time.Hour)
	rep, _ = e.RunOnce(ctx)
	if rep.Due != 0 {
		t.Fatalf("failed row is due again: %+v", rep)
	}
}

func TestRunOnceHonorsFloodControlHint(t *testing.T) {
	h := newHarness(t, storage.DuplicatesAllow)
	h.enroll(t, 1, "Ann")
	h.notif.Fail(1, transporttest.FloodError{After: 30 * time.Second})
	h.clock.Advance(2 * time.Minute)
	ctx := context.Background()

	e := h.engine(Config{})
	if rep, err := e.RunOnce(ctx); err != nil || rep.Failed != 1 {
		t.Fatalf("RunOnce: rep=%+v err=%v", rep, err)
	}
	h.notif.Fail(1, nil)
	if rep, _ := e.RunOnce(ctx); rep.Due != 0 {
		t.Fatalf("row retried inside the flood window: %+v", rep)
	}
	h.clock.Advance(31 * time.Second)
	if rep, _ := e.RunOnce(ctx); rep.Due != 1 || rep.Delivered != 1 {
		t.Fatalf("row not retried after the window: %+v", rep)
	}
}

func TestRunOnceStrictCatalogDropsChangedContent(t *testing.T) {
	h := newHarness(t, storage.DuplicatesAllow)
	ctx := context.Background()
	if _, _, err := h.store.Upsert(ctx, storage.Profile{ID: 1, DisplayName: "Ann"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := h.store.Schedule(ctx, 1, 1, 0, "stale"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	lenient := h.engine(Config{})
	strict := h.engine(Config{StrictCatalog: true})

	rep, err := strict.RunOnce(ctx)
	if err != nil || rep.Dropped != 1 {
		t.Fatalf("strict: rep=%+v err=%v", rep, err)
	}

	if _, err := h.store.Schedule(ctx, 1, 1, 0, "stale"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	rep, err = lenient.RunOnce(ctx)
	if err != nil || rep.Delivered != 1 {
		t.Fatalf("lenient: rep=%+v err=%v", rep, err)
	}
}

// failingStore wraps a real store and fails selected calls.
type failingStore struct {
	*storage.Store
	dueErr      error
	markSentErr error
}

func (f *failingStore) Due(ctx context.Context, limit int) ([]storage.DueMessage, error) {
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	return f.Store.Due(ctx, limit)
}

func (f *failingStore) MarkSent(ctx context.Context, id int64) error {
	if f.markSentErr != nil {
		return f.markSentErr
	}
	return f.Store.MarkSent(ctx, id)
}

func TestRunOnceStoreErrorsAbortCycle(t *testing.T) {
	t.Run("due", func(t *testing.T) {
		h := newHarness(t, storage.DuplicatesAllow)
		h.enroll(t, 1, "Ann")
		h.clock.Advance(2 * time.Minute)
		boom := errors.New("disk gone")
		e := New(&failingStore{Store: h.store, dueErr: boom}, h.notif, h.cat, Config{}, WithClock(h.clock.Now))

		rep, err := e.RunOnce(context.Background())
		if !errors.Is(err, boom) {
			t.Fatalf("err=%v want %v", err, boom)
		}
		if rep.Error == "" || len(h.notif.Sent()) != 0 {
			t.Fatalf("unexpected report: %+v", rep)
		}
		if e.LastReport().Error == "" {
			t.Fatalf("LastReport should carry the error")
		}
	})

	t.Run("mark sent", func(t *testing.T) {
		h := newHarness(t, storage.DuplicatesAllow)
		h.enroll(t, 1, "Ann")
		h.clock.Advance(2 * time.Minute)
		boom := errors.New("readonly")
		e := New(&failingStore{Store: h.store, markSentErr: boom}, h.notif, h.cat, Config{Workers: 1}, WithClock(h.clock.Now))

		_, err := e.RunOnce(context.Background())
		if !errors.Is(err, boom) {
			t.Fatalf("err=%v want %v", err, boom)
		}
		if got := h.stage(t, 1); got != 0 {
			t.Fatalf("stage advanced without MarkSent: %d", got)
		}
	})
}

func TestRunOnceReturnsBusyWhileRunning(t *testing.T) {
	h := newHarness(t, storage.DuplicatesAllow)
	h.enroll(t, 1, "Ann")
	h.clock.Advance(2 * time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.notif.Hook = func(ctx context.Context, chatID int64) error {
		close(entered)
		<-release
		return nil
	}
	e := h.engine(Config{})

	done := make(chan error, 1)
	go func() {
		_, err := e.RunOnce(context.Background())
		done <- err
	}()
	<-entered

	if _, err := e.RunOnce(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("err=%v want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestRunOncePublishesEvents(t *testing.T) {
	h := newHarness(t, storage.DuplicatesAllow)
	h.enroll(t, 1, "Ann")
	h.clock.Advance(2 * time.Minute)

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	if _, err := h.engine(Config{}, WithBus(bus)).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", types)
		}
	}
	if types[0] != eventbus.DeliverySent || types[1] != eventbus.DeliveryCycle {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(time.Second, 30*time.Second, tt.attempt); got != tt.want {
			t.Fatalf("backoff(attempt=%d)=%v want %v", tt.attempt, got, tt.want)
		}
	}
}
