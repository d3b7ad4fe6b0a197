package journal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database/databasetest"
)

func newRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	return NewSQLiteRepository(databasetest.Open(t).DB)
}

func TestRecordCollapsesPending(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	first, err := repo.Record(ctx, Entry{EntityKind: KindDevice, EntityID: "d1", Action: ActionHubDelete, Reason: "db insert failed"})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	second, err := repo.Record(ctx, Entry{EntityKind: KindDevice, EntityID: "d1", Action: ActionHubDelete, Reason: "again"})
	if err != nil {
		t.Fatalf("Record() duplicate error = %v", err)
	}
	if second.ID != first.ID || second.Reason != "again" {
		t.Errorf("duplicate entry = %+v, want collapse into %s", second, first.ID)
	}

	other, err := repo.Record(ctx, Entry{EntityKind: KindDevice, EntityID: "d1", Action: ActionResync})
	if err != nil {
		t.Fatalf("Record() other action error = %v", err)
	}
	if other.ID == first.ID {
		t.Error("different action collapsed into existing entry")
	}

	n, _ := repo.CountPending(ctx)
	if n != 2 {
		t.Errorf("CountPending() = %d, want 2", n)
	}

	// Closing the entry lets the same repair be recorded again.
	if err := repo.MarkDone(ctx, first.ID); err != nil {
		t.Fatalf("MarkDone() error = %v", err)
	}
	again, err := repo.Record(ctx, Entry{EntityKind: KindDevice, EntityID: "d1", Action: ActionHubDelete})
	if err != nil {
		t.Fatalf("Record() after done error = %v", err)
	}
	if again.ID == first.ID {
		t.Error("closed entry was reused")
	}

	if _, err := repo.Record(ctx, Entry{EntityKind: KindDevice}); err == nil {
		t.Error("Record() accepted an incomplete entry")
	}
}

func TestListFilter(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := repo.Record(ctx, Entry{EntityKind: KindDevice, EntityID: id, Action: ActionResync}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if _, err := repo.Record(ctx, Entry{EntityKind: KindConcentrator, EntityID: "x", Action: ActionLocalDelete}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	page, err := repo.List(ctx, Filter{EntityKind: KindDevice, PageSize: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.TotalItems != 3 || len(page.Items) != 2 || page.NextPage == nil {
		t.Errorf("List() = %+v", page)
	}

	page, _ = repo.List(ctx, Filter{EntityID: "x"})
	if page.TotalItems != 1 || page.Items[0].Action != ActionLocalDelete {
		t.Errorf("List(entity x) = %+v", page)
	}
}

type recordingCompensator struct {
	fail  error
	calls []string
}

func (c *recordingCompensator) Compensate(_ context.Context, e Entry) error {
	c.calls = append(c.calls, e.EntityID)
	return c.fail
}

func TestReplayer(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	ok := &recordingCompensator{}
	broken := &recordingCompensator{fail: errors.New("hub unavailable")}

	r := NewReplayer(repo, ReplayConfig{MaxAttempts: 2, InitialBackoff: time.Minute})
	r.now = func() time.Time { return clock }
	r.Register(KindDevice, ok)
	r.Register(KindEdgeDevice, broken)

	good, _ := repo.Record(ctx, Entry{EntityKind: KindDevice, EntityID: "d1", Action: ActionHubDelete})
	bad, _ := repo.Record(ctx, Entry{EntityKind: KindEdgeDevice, EntityID: "e1", Action: ActionResync})
	orphan, _ := repo.Record(ctx, Entry{EntityKind: KindConfiguration, EntityID: "c1", Action: ActionHubDelete})

	res, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Processed != 3 || res.Succeeded != 1 || res.Retried != 2 {
		t.Errorf("first pass = %+v", res)
	}
	if e, _ := repo.Get(ctx, good.ID); e.Status != StatusDone {
		t.Errorf("good entry status = %s", e.Status)
	}
	if e, _ := repo.Get(ctx, orphan.ID); !strings.Contains(e.LastError, "no compensator") {
		t.Errorf("orphan last error = %q", e.LastError)
	}

	// Nothing is due until the backoff elapses.
	res, _ = r.RunOnce(ctx)
	if res.Processed != 0 {
		t.Errorf("pass before backoff processed %d entries", res.Processed)
	}

	clock = clock.Add(2 * time.Hour)
	res, err = r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Failed != 2 {
		t.Errorf("second pass = %+v, want 2 failed", res)
	}
	e, _ := repo.Get(ctx, bad.ID)
	if e.Status != StatusFailed || e.Attempts != 2 || e.LastError != "hub unavailable" {
		t.Errorf("bad entry = %+v", e)
	}
	if len(broken.calls) != 2 {
		t.Errorf("broken compensator calls = %d, want 2", len(broken.calls))
	}
}

func TestReplayerDelayGrows(t *testing.T) {
	r := NewReplayer(nil, ReplayConfig{InitialBackoff: time.Second, MaxBackoff: time.Minute})
	first := r.delay(1)
	late := r.delay(20)
	if first > 2*time.Second {
		t.Errorf("delay(1) = %v", first)
	}
	if late < 30*time.Second || late > 90*time.Second {
		t.Errorf("delay(20) = %v, want near MaxBackoff", late)
	}
}
