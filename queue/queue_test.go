package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/droverhq/drover/classify"
	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/driver"
	"github.com/droverhq/drover/pacing"
	"github.com/droverhq/drover/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testQueue(t *testing.T, chats []string, cycles int) (*Queue, *store.MemoryStore, *pacing.FakeClock) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.UpsertProfile(ctx, &store.Profile{ID: "p1", GroupID: "g", Active: true, HourStartedAt: t0}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ImportChats(ctx, "g", chats, cycles, t0); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Limits.MaxMessagesPerHour = 100
	cfg.Limits.CycleDelayMinutes = 60
	cfg.Retry.MaxAttemptsBeforeBlock = 3
	cfg.Retry.FailureBackoffMinutes = 5

	clock := pacing.NewFakeClock(t0)
	return New(st, cfg, clock), st, clock
}

func applyOutcome(t *testing.T, q *Queue, task *store.Task, outcome driver.Outcome) *Result {
	t.Helper()
	result, err := q.Apply(context.Background(), task, classify.Classify(outcome), Attempt{
		ProfileID: "p1", RunID: "run1", Outcome: outcome,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return result
}

func TestSuccessAdvancesCycleAndSchedulesNext(t *testing.T) {
	q, st, _ := testQueue(t, []string{"a"}, 2)
	ctx := context.Background()

	task, err := q.ClaimNext(ctx, "g", "p1", "run1")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	result := applyOutcome(t, q, task, driver.Success())

	if result.Task.CompletedCycles != 1 || result.Task.Status != store.TaskPending {
		t.Errorf("task = %d cycles %s, want 1 pending", result.Task.CompletedCycles, result.Task.Status)
	}
	if result.Task.SuccessCount != 1 {
		t.Errorf("success_count = %d, want 1", result.Task.SuccessCount)
	}
	if got := result.Task.NextAvailableAt; !got.Equal(t0.Add(time.Hour)) {
		t.Errorf("next_available_at = %s, want %s", got, t0.Add(time.Hour))
	}
	attempts := st.Attempts()
	if len(attempts) != 1 || attempts[0].Status != store.AttemptSuccess || attempts[0].CycleNumber != 1 {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestRetryBacksOffThenEscalates(t *testing.T) {
	q, st, clock := testQueue(t, []string{"a"}, 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task, err := q.ClaimNext(ctx, "g", "p1", "run1")
		if err != nil || task == nil {
			t.Fatalf("claim %d: task=%v err=%v", i, task, err)
		}
		result := applyOutcome(t, q, task, driver.Failure(driver.KindNetworkError, "conn reset"))
		if i < 2 {
			if result.Blocked {
				t.Fatalf("failure %d blocked early", i+1)
			}
			got, _ := st.GetTask(ctx, task.ID)
			if want := clock.Now().Add(5 * time.Minute); !got.NextAvailableAt.Equal(want) {
				t.Errorf("backoff next_available = %s, want %s", got.NextAvailableAt, want)
			}
			clock.Advance(6 * time.Minute)
		} else if !result.Blocked {
			t.Fatal("third failure should block")
		}
	}

	got, _ := st.GetTask(ctx, 1)
	if got.Status != store.TaskBlocked || got.BlockReason != store.BlockReasonTooManyFailures {
		t.Errorf("task = %s/%s", got.Status, got.BlockReason)
	}
}

func TestPermanentOutcomeBlocksImmediately(t *testing.T) {
	q, st, _ := testQueue(t, []string{"a"}, 3)
	ctx := context.Background()

	task, _ := q.ClaimNext(ctx, "g", "p1", "run1")
	result := applyOutcome(t, q, task, driver.Failure(driver.KindChatNotFound, ""))
	if !result.Blocked {
		t.Fatal("chat_not_found should block")
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.BlockReason != "chat_not_found" {
		t.Errorf("reason = %q", got.BlockReason)
	}
}

func TestRestrictedOutcomeDefersWithoutSpendingBudget(t *testing.T) {
	q, st, clock := testQueue(t, []string{"a"}, 2)
	ctx := context.Background()

	task, _ := q.ClaimNext(ctx, "g", "p1", "run1")
	result := applyOutcome(t, q, task, driver.Failure(driver.KindNeedToJoin, "join required"))
	if result.Blocked {
		t.Fatal("restriction must not block")
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskPending || got.BlockReason != "" {
		t.Errorf("task = %s/%q, want pending", got.Status, got.BlockReason)
	}
	if got.FailedCount != 0 {
		t.Errorf("failed_count = %d, want 0", got.FailedCount)
	}
	if got.CompletedCycles != 0 {
		t.Errorf("completed_cycles = %d, want 0", got.CompletedCycles)
	}
	attempts := st.Attempts()
	if len(attempts) != 1 || attempts[0].Status != store.AttemptFailed || attempts[0].ErrorKind != "need_to_join" {
		t.Fatalf("attempts = %+v", attempts)
	}

	// The failed attempt still counts against the run's cycle budget.
	clock.Advance(6 * time.Minute)
	if task, _ = q.ClaimNext(ctx, "g", "p1", "run1"); task == nil {
		t.Fatal("want second claim")
	}
	applyOutcome(t, q, task, driver.Failure(driver.KindNeedToJoin, ""))
	clock.Advance(6 * time.Minute)
	if task, _ = q.ClaimNext(ctx, "g", "p1", "run1"); task != nil {
		t.Error("run budget spent, want no claim")
	}
}

func TestSlowModeReleasesWithoutAttempt(t *testing.T) {
	q, st, _ := testQueue(t, []string{"a"}, 3)
	ctx := context.Background()

	task, _ := q.ClaimNext(ctx, "g", "p1", "run1")
	applyOutcome(t, q, task, driver.Outcome{Kind: driver.KindSlowMode, SlowModeWait: 10 * time.Minute})

	if n := len(st.Attempts()); n != 0 {
		t.Errorf("slow mode recorded %d attempts, want 0", n)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	// Rescheduled at the reported wait plus a small positive jitter.
	floor := t0.Add(10 * time.Minute)
	ceil := t0.Add(13 * time.Minute) // wait * (1 + delay_randomness)
	if got.NextAvailableAt.Before(floor) || got.NextAvailableAt.After(ceil) {
		t.Errorf("next_available = %s, want within [%s, %s]", got.NextAvailableAt, floor, ceil)
	}
	if got.FailedCount != 0 {
		t.Errorf("failed_count = %d, want 0", got.FailedCount)
	}
}

func TestAccountFrozenReleasesImmediately(t *testing.T) {
	q, st, _ := testQueue(t, []string{"a"}, 3)
	ctx := context.Background()

	task, _ := q.ClaimNext(ctx, "g", "p1", "run1")
	applyOutcome(t, q, task, driver.Failure(driver.KindAccountFrozen, ""))

	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskPending || !got.NextAvailableAt.IsZero() {
		t.Errorf("task = %s next=%s, want pending/immediate", got.Status, got.NextAvailableAt)
	}
}

func TestClaimRateLimitSignal(t *testing.T) {
	q, _, _ := testQueue(t, []string{"a", "b"}, 1)
	ctx := context.Background()

	// Budget of one: first claim+send passes, second claim is gated.
	q.limits.MaxMessagesPerHour = 1
	task, err := q.ClaimNext(ctx, "g", "p1", "run1")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	applyOutcome(t, q, task, driver.Success())

	if _, err := q.ClaimNext(ctx, "g", "p1", "run1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestWorkRemains(t *testing.T) {
	q, _, clock := testQueue(t, []string{"a"}, 1)
	ctx := context.Background()

	remains, err := q.WorkRemains(ctx, "g", "run1")
	if err != nil || !remains {
		t.Fatalf("remains = %v err=%v, want true", remains, err)
	}

	task, _ := q.ClaimNext(ctx, "g", "p1", "run1")
	applyOutcome(t, q, task, driver.Success())
	clock.Advance(time.Minute)

	remains, err = q.WorkRemains(ctx, "g", "run1")
	if err != nil || remains {
		t.Errorf("remains = %v err=%v, want false after completion", remains, err)
	}
}

func TestReleaseReturnsTaskToPending(t *testing.T) {
	q, st, _ := testQueue(t, []string{"a"}, 1)
	ctx := context.Background()

	task, _ := q.ClaimNext(ctx, "g", "p1", "run1")
	if err := q.Release(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskPending || got.AssignedProfileID != "" {
		t.Errorf("task = %s assigned=%q", got.Status, got.AssignedProfileID)
	}
	if n := len(st.Attempts()); n != 0 {
		t.Errorf("release recorded %d attempts", n)
	}
}
