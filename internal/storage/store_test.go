package storage

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

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

func openTestStore(t *testing.T, dup DuplicatePolicy) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	st, err := Open(context.Background(), Config{
		Driver:     "sqlite",
		Path:       filepath.Join(t.TempDir(), "drip.db"),
		Duplicates: dup,
		Now:        clk.Now,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, clk
}

func TestUpsertResetsStageAndKeepsEnrolledAt(t *testing.T) {
	ctx := context.Background()
	st, clk := openTestStore(t, DuplicatesAllow)

	sub, created, err := st.Upsert(ctx, Profile{ID: 42, DisplayName: "Ann", Handle: "@ann"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !created || sub.Stage != 0 || sub.Handle != "ann" {
		t.Fatalf("unexpected first upsert: created=%v sub=%+v", created, sub)
	}
	first := sub.EnrolledAt

	if err := st.AdvanceStage(ctx, 42, 2); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}

	clk.Advance(time.Hour)
	sub, created, err = st.Upsert(ctx, Profile{ID: 42, DisplayName: "Anna"})
	if err != nil {
		t.Fatalf("Upsert again: %v", err)
	}
	if created {
		t.Fatalf("second upsert reported created")
	}
	if sub.Stage != 0 {
		t.Fatalf("stage=%d want 0 after re-enrollment", sub.Stage)
	}
	if !sub.EnrolledAt.Equal(first) {
		t.Fatalf("enrolled_at changed: %v -> %v", first, sub.EnrolledAt)
	}
	if sub.DisplayName != "Anna" || sub.Handle != "" {
		t.Fatalf("metadata not replaced: %+v", sub)
	}
}

func TestAdvanceStageIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st, _ := openTestStore(t, DuplicatesAllow)
	if _, _, err := st.Upsert(ctx, Profile{ID: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	steps := []struct {
		advance int
		want    int
	}{
		{2, 2},
		{1, 2},
		{2, 2},
		{3, 3},
		{0, 3},
	}
	for _, s := range steps {
		if err := st.AdvanceStage(ctx, 1, s.advance); err != nil {
			t.Fatalf("AdvanceStage(%d): %v", s.advance, err)
		}
		sub, err := st.Subscriber(ctx, 1)
		if err != nil {
			t.Fatalf("Subscriber: %v", err)
		}
		if sub.Stage != s.want {
			t.Fatalf("after advance %d: stage=%d want %d", s.advance, sub.Stage, s.want)
		}
	}

	if err := st.AdvanceStage(ctx, 999, 5); err != nil {
		t.Fatalf("unknown id should be a no-op, got %v", err)
	}
	if _, err := st.Subscriber(ctx, 999); err != ErrNotFound {
		t.Fatalf("Subscriber(999) err=%v want ErrNotFound", err)
	}
}

func TestDueOrderingAndFiltering(t *testing.T) {
	ctx := context.Background()
	st, clk := openTestStore(t, DuplicatesAllow)
	for _, id := range []int64{1, 2} {
		if _, _, err := st.Upsert(ctx, Profile{ID: id, DisplayName: "u"}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	mustSchedule(t, st, 1, 2, 24*time.Hour)
	late := mustSchedule(t, st, 2, 1, 2*time.Minute)
	early := mustSchedule(t, st, 1, 1, time.Minute)
	mustSchedule(t, st, 77, 1, 0) // orphan

	due, err := st.Due(ctx, 0)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due yet, got %d rows", len(due))
	}

	clk.Advance(2*time.Minute + time.Second)
	due, err = st.Due(ctx, 0)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 || due[0].ID != early || due[1].ID != late {
		t.Fatalf("unexpected due set: %+v", due)
	}
	if due[0].DisplayName != "u" {
		t.Fatalf("subscriber metadata not joined: %+v", due[0])
	}

	limited, err := st.Due(ctx, 1)
	if err != nil {
		t.Fatalf("Due(1): %v", err)
	}
	if len(limited) != 1 || limited[0].ID != early {
		t.Fatalf("limit not applied in order: %+v", limited)
	}
}

func TestMarkSentIsIdempotentAndExcludesFromDue(t *testing.T) {
	ctx := context.Background()
	st, clk := openTestStore(t, DuplicatesAllow)
	if _, _, err := st.Upsert(ctx, Profile{ID: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	id := mustSchedule(t, st, 1, 1, time.Minute)
	clk.Advance(2 * time.Minute)

	for i := 0; i < 2; i++ {
		if err := st.MarkSent(ctx, id); err != nil {
			t.Fatalf("MarkSent #%d: %v", i, err)
		}
	}
	due, err := st.Due(ctx, 0)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("sent row still due: %+v", due)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Sent != 1 || stats.Pending != 0 || stats.Subscribers != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	st, clk := openTestStore(t, DuplicatesAllow)
	if _, _, err := st.Upsert(ctx, Profile{ID: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	retry := mustSchedule(t, st, 1, 1, 0)
	backoff := mustSchedule(t, st, 1, 2, 0)
	dead := mustSchedule(t, st, 1, 3, 0)

	if err := st.RecordFailure(ctx, retry, Failure{Reason: "timeout"}); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := st.RecordFailure(ctx, backoff, Failure{Reason: "429", RetryAt: clk.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("RecordFailure backoff: %v", err)
	}
	if err := st.MarkFailed(ctx, dead, "stage out of range"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	due, err := st.Due(ctx, 0)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].ID != retry {
		t.Fatalf("want only the plain retry row due, got %+v", due)
	}
	if due[0].Attempts != 1 || due[0].LastError != "timeout" {
		t.Fatalf("failure not recorded: %+v", due[0])
	}

	clk.Advance(time.Hour)
	due, err = st.Due(ctx, 0)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("backoff row should be due again, got %+v", due)
	}
	stats, _ := st.Stats(ctx)
	if stats.Failed != 1 {
		t.Fatalf("failed=%d want 1", stats.Failed)
	}
}

func TestTruncateReasonKeepsValidUTF8(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"short", "timeout", 7},
		{"ascii", strings.Repeat("a", 600), 500},
		// two-byte runes: byte 500 starts a rune, byte 501 does not
		{"cyrillic even", strings.Repeat("я", 300), 500},
		{"cyrillic odd", "x" + strings.Repeat("я", 300), 499},
		{"emoji", "ab" + strings.Repeat("🔥", 200), 498},
	}
	for _, tc := range cases {
		got := truncateReason(tc.in)
		if len(got) != tc.want || !utf8.ValidString(got) {
			t.Fatalf("%s: len=%d valid=%v, want len %d", tc.name, len(got), utf8.ValidString(got), tc.want)
		}
	}
}

func TestPurgeSentOlderThanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, clk := openTestStore(t, DuplicatesAllow)
	if _, _, err := st.Upsert(ctx, Profile{ID: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	old := mustSchedule(t, st, 1, 1, 0)
	pendingOld := mustSchedule(t, st, 1, 2, 30*24*time.Hour)
	if err := st.MarkSent(ctx, old); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	clk.Advance(8 * 24 * time.Hour)
	fresh := mustSchedule(t, st, 1, 3, 0)
	if err := st.MarkSent(ctx, fresh); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	n, err := st.PurgeSentOlderThan(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
	n, err = st.PurgeSentOlderThan(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Purge again: %v", err)
	}
	if n != 0 {
		t.Fatalf("second purge removed %d rows", n)
	}

	pending, err := st.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != pendingOld {
		t.Fatalf("pending row must survive purge: %+v", pending)
	}
}

func TestScheduleDuplicatePolicies(t *testing.T) {
	cases := []struct {
		policy DuplicatePolicy
		want   int
	}{
		{DuplicatesAllow, 2},
		{DuplicatesReplace, 1},
	}
	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			ctx := context.Background()
			st, _ := openTestStore(t, tc.policy)
			if _, _, err := st.Upsert(ctx, Profile{ID: 1}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			mustSchedule(t, st, 1, 1, time.Minute)
			last := mustSchedule(t, st, 1, 1, time.Minute)

			pending, err := st.Pending(ctx, 0)
			if err != nil {
				t.Fatalf("Pending: %v", err)
			}
			if len(pending) != tc.want {
				t.Fatalf("pending=%d want %d", len(pending), tc.want)
			}
			if pending[len(pending)-1].ID != last {
				t.Fatalf("latest row missing: %+v", pending)
			}
		})
	}
}

func TestListIDs(t *testing.T) {
	ctx := context.Background()
	st, _ := openTestStore(t, DuplicatesAllow)
	for _, id := range []int64{30, 10, 20} {
		if _, _, err := st.Upsert(ctx, Profile{ID: id}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	ids, err := st.ListIDs(ctx)
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 3 || ids[0] != 10 || ids[2] != 30 {
		t.Fatalf("ids=%v", ids)
	}
}

func TestRebind(t *testing.T) {
	cases := []struct {
		d    dialect
		in   string
		want string
	}{
		{dialectSQLite, "a = ? AND b = ?", "a = ? AND b = ?"},
		{dialectPostgres, "a = ? AND b = ?", "a = $1 AND b = $2"},
		{dialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tc := range cases {
		if got := tc.d.rebind(tc.in); got != tc.want {
			t.Fatalf("%s rebind(%q)=%q want %q", tc.d.name, tc.in, got, tc.want)
		}
	}
}

func mustSchedule(t *testing.T, st *Store, sub int64, stage int, delay time.Duration) int64 {
	t.Helper()
	id, err := st.Schedule(context.Background(), sub, stage, delay, "")
	if err != nil {
		t.Fatalf("Schedule(%d,%d): %v", sub, stage, err)
	}
	return id
}
