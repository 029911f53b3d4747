package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/droverhq/drover/classify"
	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/pacing"
	"github.com/droverhq/drover/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T, urls []string) (*Registry, *store.MemoryStore, *pacing.FakeClock) {
	t.Helper()
	st := store.NewMemoryStore()
	if _, err := st.SyncProxies(context.Background(), urls, t0); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default().Proxy
	cfg.ChatNotFoundThreshold = 40
	cfg.MinAttemptsForCheck = 5
	cfg.UnblockTasksOnRotate = true
	clock := pacing.NewFakeClock(t0)
	return NewRegistry(st, cfg, clock), st, clock
}

func TestResolveAssignsAndSticks(t *testing.T) {
	r, _, _ := testRegistry(t, []string{"http://a", "http://b"})
	ctx := context.Background()

	first, err := r.Resolve(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := r.Resolve(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Errorf("resolve changed proxy: %s then %s", first, again)
	}
}

func TestResolveExhaustedPool(t *testing.T) {
	r, _, _ := testRegistry(t, []string{"http://a"})
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	_, err := r.Resolve(ctx, "p2")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestObserveOutcomeRotatesOverThreshold(t *testing.T) {
	r, st, _ := testRegistry(t, []string{"http://a", "http://b"})
	ctx := context.Background()

	url, _ := r.Resolve(ctx, "p1")

	// Two chat_not_found in five attempts: 40% is not over the 40%
	// threshold, no rotation yet.
	outcomes := []classify.ProxyAction{
		classify.ProxySuccess, classify.ProxySuccess, classify.ProxySuccess,
		classify.ProxyChatNotFound, classify.ProxyChatNotFound,
	}
	for _, o := range outcomes {
		next, err := r.ObserveOutcome(ctx, "g", "p1", url, o)
		if err != nil {
			t.Fatal(err)
		}
		if next != url {
			t.Fatalf("rotated at %v prematurely", o)
		}
	}

	// A third chat_not_found pushes the rate to 50%.
	next, err := r.ObserveOutcome(ctx, "g", "p1", url, classify.ProxyChatNotFound)
	if err != nil {
		t.Fatal(err)
	}
	if next == url {
		t.Fatal("expected rotation over threshold")
	}

	old, _ := st.AssignedProxy(ctx, "p1")
	if old.URL != next {
		t.Errorf("assignment = %s, want %s", old.URL, next)
	}
	proxies, _ := st.ListProxies(ctx)
	for _, p := range proxies {
		if p.URL == url && p.Healthy {
			t.Errorf("retired proxy %s still healthy", url)
		}
	}
}

func TestRotateUnblocksChatNotFoundTasks(t *testing.T) {
	r, st, _ := testRegistry(t, []string{"http://a", "http://b"})
	ctx := context.Background()

	st.UpsertProfile(ctx, &store.Profile{ID: "p1", GroupID: "g", Active: true, HourStartedAt: t0})
	st.ImportChats(ctx, "g", []string{"c1"}, 1, t0)
	task, _ := st.ClaimNextTask(ctx, store.ClaimParams{GroupID: "g", ProfileID: "p1", RunID: "r", MaxPerHour: 10, Now: t0})
	st.RecordTaskFailure(ctx, store.FailureParams{
		TaskID: task.ID, GroupID: "g", ProfileID: "p1", RunID: "r", ChatRef: "c1",
		ErrorKind: "chat_not_found", Block: true, BlockReason: "chat_not_found", Now: t0,
	})

	url, _ := r.Resolve(ctx, "p1")
	if _, err := r.Rotate(ctx, "g", "p1", url); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskPending {
		t.Errorf("task status = %s, want pending after rotation", got.Status)
	}
}

func TestRotateSkipsUnblockWhenDisabled(t *testing.T) {
	r, st, _ := testRegistry(t, []string{"http://a", "http://b"})
	r.cfg.UnblockTasksOnRotate = false
	ctx := context.Background()

	st.UpsertProfile(ctx, &store.Profile{ID: "p1", GroupID: "g", Active: true, HourStartedAt: t0})
	st.ImportChats(ctx, "g", []string{"c1"}, 1, t0)
	task, _ := st.ClaimNextTask(ctx, store.ClaimParams{GroupID: "g", ProfileID: "p1", RunID: "r", MaxPerHour: 10, Now: t0})
	st.RecordTaskFailure(ctx, store.FailureParams{
		TaskID: task.ID, GroupID: "g", ProfileID: "p1", RunID: "r", ChatRef: "c1",
		ErrorKind: "chat_not_found", Block: true, BlockReason: "chat_not_found", Now: t0,
	})

	url, _ := r.Resolve(ctx, "p1")
	if _, err := r.Rotate(ctx, "g", "p1", url); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskBlocked {
		t.Errorf("task status = %s, want still blocked", got.Status)
	}
}

func TestRotateResetsStats(t *testing.T) {
	r, st, _ := testRegistry(t, []string{"http://a", "http://b"})
	ctx := context.Background()

	url, _ := r.Resolve(ctx, "p1")
	for i := 0; i < 3; i++ {
		st.RecordProxyOutcome(ctx, url, "p1", store.ProxyObservedChatNotFound, t0)
	}
	next, err := r.Rotate(ctx, "g", "p1", url)
	if err != nil {
		t.Fatal(err)
	}

	// The fresh assignment starts with a clean slate.
	stats, _ := st.RecordProxyOutcome(ctx, next, "p1", store.ProxyObservedSuccess, t0)
	if stats.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 on fresh proxy", stats.Attempts)
	}
}

func TestReviveStaleRespectsQuarantine(t *testing.T) {
	r, st, clock := testRegistry(t, []string{"http://a"})
	ctx := context.Background()

	r.MarkUnhealthy(ctx, "http://a")
	clock.Advance(2 * time.Hour)
	if n, _ := r.ReviveStale(ctx); n != 0 {
		t.Errorf("revived %d inside quarantine", n)
	}
	clock.Advance(23 * time.Hour)
	if n, _ := r.ReviveStale(ctx); n != 1 {
		t.Errorf("revived %d, want 1", n)
	}
	proxies, _ := st.ListProxies(ctx)
	if !proxies[0].Healthy {
		t.Error("proxy should be healthy after revival")
	}
}
