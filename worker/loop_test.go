package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/driver"
	"github.com/droverhq/drover/pacing"
	"github.com/droverhq/drover/proxy"
	"github.com/droverhq/drover/queue"
	"github.com/droverhq/drover/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.MemoryStore
	sim    *driver.Sim
	clock  *pacing.FakeClock
	worker *Worker
}

func newFixture(t *testing.T, chats []string, cycles int, mutate func(*config.Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.UpsertProfile(ctx, &store.Profile{ID: "p1", GroupID: "g", Name: "p1", Active: true, HourStartedAt: t0}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ImportChats(ctx, "g", chats, cycles, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ImportMessages(ctx, "g", []string{"hello there"}, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SyncProxies(ctx, []string{"http://proxy-1", "http://proxy-2"}, t0); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Limits.MaxMessagesPerHour = 1000
	cfg.Limits.CycleDelayMinutes = 10
	if mutate != nil {
		mutate(cfg)
	}

	clock := pacing.NewFakeClock(t0)
	sim := driver.NewSim()
	w := NewWorker(Options{
		ProfileID: "p1",
		GroupID:   "g",
		RunID:     "run1",
		Store:     st,
		Queue:     queue.New(st, cfg, clock),
		Registry:  proxy.NewRegistry(st, cfg.Proxy, clock),
		Driver:    sim,
		Clock:     clock,
		Config:    cfg,
		// Sleeping advances simulated time instead of waiting.
		Sleep: func(ctx context.Context, d time.Duration) bool {
			if ctx.Err() != nil {
				return false
			}
			clock.Advance(d)
			return true
		},
	})
	return &fixture{store: st, sim: sim, clock: clock, worker: w}
}

func TestWorkerDrainsQueueAndExitsClean(t *testing.T) {
	f := newFixture(t, []string{"chat-a", "chat-b"}, 2, nil)

	code := f.worker.Run(context.Background())
	if code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}
	if sent := f.sim.Sent(); len(sent) != 4 {
		t.Errorf("sent %d messages, want 4", len(sent))
	}
	stats, _ := f.store.TaskStats(context.Background(), "g")
	if stats.Completed != 2 {
		t.Errorf("completed = %d, want 2", stats.Completed)
	}
	if f.sim.OpenSessions() != 0 {
		t.Errorf("%d sessions leaked", f.sim.OpenSessions())
	}
}

func TestWorkerExitsBannedOnFrozenAccount(t *testing.T) {
	f := newFixture(t, []string{"chat-a"}, 1, nil)
	f.sim.Script("chat-a", driver.Failure(driver.KindAccountFrozen, "frozen banner"))

	var logs bytes.Buffer
	log.SetOutput(&logs)
	defer log.SetOutput(os.Stderr)

	code := f.worker.Run(context.Background())
	if code != ExitBanned {
		t.Fatalf("exit code = %d, want %d", code, ExitBanned)
	}

	ctx := context.Background()
	profile, _ := f.store.GetProfile(ctx, "p1")
	if !profile.Blocked || profile.BlockedReason != "account_frozen" {
		t.Errorf("profile = blocked=%v reason=%q", profile.Blocked, profile.BlockedReason)
	}
	if profile.Active {
		t.Error("blocked profile left active")
	}
	// The task goes back to the pool for another profile.
	task, _ := f.store.GetTask(ctx, 1)
	if task.Status != store.TaskPending {
		t.Errorf("task status = %s, want pending", task.Status)
	}
	if n := len(f.store.Attempts()); n != 0 {
		t.Errorf("frozen account recorded %d attempts", n)
	}
	// A released claim is not a retry.
	if strings.Contains(logs.String(), "will retry") {
		t.Errorf("frozen account logged as retryable:\n%s", logs.String())
	}
}

func TestWorkerExitsBannedOnLoggedOutSession(t *testing.T) {
	f := newFixture(t, []string{"chat-a"}, 1, nil)
	f.sim.Script("chat-a", driver.Failure(driver.KindLoggedOut, "login page"))

	code := f.worker.Run(context.Background())
	if code != ExitBanned {
		t.Fatalf("exit code = %d, want %d", code, ExitBanned)
	}

	profile, _ := f.store.GetProfile(context.Background(), "p1")
	if !profile.Blocked || !profile.LoggedOut {
		t.Errorf("profile = blocked=%v logged_out=%v, want both", profile.Blocked, profile.LoggedOut)
	}
	if profile.Active {
		t.Error("logged-out profile left active")
	}
}

func TestWorkerBlocksMissingChatAndContinues(t *testing.T) {
	f := newFixture(t, []string{"chat-a", "chat-b"}, 1, nil)
	f.sim.Script("chat-a", driver.Failure(driver.KindChatNotFound, "not in search"))

	code := f.worker.Run(context.Background())
	if code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}

	ctx := context.Background()
	taskA, _ := f.store.GetTask(ctx, 1)
	if taskA.Status != store.TaskBlocked || taskA.BlockReason != "chat_not_found" {
		t.Errorf("chat-a = %s/%s", taskA.Status, taskA.BlockReason)
	}
	taskB, _ := f.store.GetTask(ctx, 2)
	if taskB.Status != store.TaskCompleted {
		t.Errorf("chat-b = %s, want completed", taskB.Status)
	}
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	f := newFixture(t, []string{"chat-a"}, 1, nil)
	f.sim.Script("chat-a",
		driver.Failure(driver.KindNetworkError, "tunnel reset"),
		driver.Success())

	code := f.worker.Run(context.Background())
	if code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}
	task, _ := f.store.GetTask(context.Background(), 1)
	if task.Status != store.TaskCompleted {
		t.Errorf("status = %s, want completed after retry", task.Status)
	}
	attempts := f.store.Attempts()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Status != store.AttemptFailed || attempts[1].Status != store.AttemptSuccess {
		t.Errorf("attempt sequence = %s then %s", attempts[0].Status, attempts[1].Status)
	}
}

func TestWorkerExitsEnvironmentWithoutProxy(t *testing.T) {
	f := newFixture(t, []string{"chat-a"}, 1, nil)
	// Exhaust the pool before the worker starts.
	ctx := context.Background()
	f.store.AcquireProxy(ctx, "other-1", t0)
	f.store.AcquireProxy(ctx, "other-2", t0)

	code := f.worker.Run(ctx)
	if code != ExitEnvironment {
		t.Fatalf("exit code = %d, want %d", code, ExitEnvironment)
	}
}

func TestWorkerExitsEnvironmentWithoutMessages(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.UpsertProfile(ctx, &store.Profile{ID: "p1", GroupID: "g", Active: true, HourStartedAt: t0})
	st.ImportChats(ctx, "g", []string{"chat-a"}, 1, t0)
	st.SyncProxies(ctx, []string{"http://proxy-1"}, t0)

	cfg := config.Default()
	clock := pacing.NewFakeClock(t0)
	w := NewWorker(Options{
		ProfileID: "p1", GroupID: "g", RunID: "run1",
		Store: st, Queue: queue.New(st, cfg, clock),
		Registry: proxy.NewRegistry(st, cfg.Proxy, clock),
		Driver:   driver.NewSim(), Clock: clock, Config: cfg,
	})
	if code := w.Run(ctx); code != ExitEnvironment {
		t.Fatalf("exit code = %d, want %d", code, ExitEnvironment)
	}
}

func TestWorkerExitsBannedForBlockedProfile(t *testing.T) {
	f := newFixture(t, []string{"chat-a"}, 1, nil)
	f.store.BlockProfile(context.Background(), "p1", "account_frozen", t0)

	if code := f.worker.Run(context.Background()); code != ExitBanned {
		t.Fatalf("exit code = %d, want %d", code, ExitBanned)
	}
}

func TestWorkerStopsOnShutdownSignal(t *testing.T) {
	f := newFixture(t, []string{"chat-a", "chat-b", "chat-c"}, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel after the first successful send.
	sent := 0
	f.worker.opts.Sleep = func(ctx context.Context, d time.Duration) bool {
		f.clock.Advance(d)
		sent++
		if sent >= 1 {
			cancel()
		}
		return ctx.Err() == nil
	}

	if code := f.worker.Run(ctx); code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}
	stats, _ := f.store.TaskStats(context.Background(), "g")
	if stats.InProgress != 0 {
		t.Errorf("%d tasks left in progress after shutdown", stats.InProgress)
	}
}

func TestWorkerHonorsHourlyBudgetAcrossWindow(t *testing.T) {
	f := newFixture(t, []string{"a", "b", "c"}, 1, func(cfg *config.Config) {
		cfg.Limits.MaxMessagesPerHour = 2
		cfg.Limits.CycleDelayMinutes = 0
	})

	code := f.worker.Run(context.Background())
	if code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}
	// All three eventually sent, but only by crossing into a new
	// hourly window.
	if sent := len(f.sim.Sent()); sent != 3 {
		t.Errorf("sent = %d, want 3", sent)
	}
	if f.clock.Now().Sub(t0) < time.Hour {
		t.Errorf("finished in %s, should have waited out the hourly window", f.clock.Now().Sub(t0))
	}
}
