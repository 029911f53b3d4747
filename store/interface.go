package store

import (
	"context"
	"time"
)

// Store is the persistence contract shared by the Postgres and memory
// implementations. Methods that span several rows (claims, recording)
// are atomic: Postgres wraps them in one transaction, memory in one
// lock.
type Store interface {
	// Profiles.
	UpsertProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	ListActiveProfiles(ctx context.Context, groupID string) ([]*Profile, error)
	BlockProfile(ctx context.Context, id, reason string, now time.Time) error

	// MarkProfileLoggedOut flags a profile whose stored session no
	// longer authenticates; it stays out of worker launches until an
	// operator re-imports it.
	MarkProfileLoggedOut(ctx context.Context, id string, now time.Time) error

	// Task queue.
	ImportChats(ctx context.Context, groupID string, chatRefs []string, totalCycles int, now time.Time) (int64, error)
	GetTask(ctx context.Context, id int64) (*Task, error)

	// ClaimNextTask atomically claims the best eligible task for the
	// profile, or returns (nil, nil) when none is claimable right now.
	// Returns ErrHourlyLimit when the profile's hourly budget is spent.
	ClaimNextTask(ctx context.Context, p ClaimParams) (*Task, error)

	// RecordTaskSuccess writes the attempt, advances the cycle, bumps
	// profile and message counters and returns the updated task.
	RecordTaskSuccess(ctx context.Context, p SuccessParams) (*Task, error)

	// RecordTaskFailure writes the failed attempt and either blocks
	// the task or reschedules it. Reports whether the task ended up
	// blocked.
	RecordTaskFailure(ctx context.Context, p FailureParams) (bool, error)

	// ReleaseTask returns a claimed task to pending without recording
	// an attempt, optionally delayed by retryAfter.
	ReleaseTask(ctx context.Context, taskID int64, retryAfter time.Duration, now time.Time) error

	// ResetStaleTasks releases in_progress tasks untouched for longer
	// than olderThan. Idempotent.
	ResetStaleTasks(ctx context.Context, groupID string, olderThan time.Duration, now time.Time) (int64, error)

	// RemainingTasks counts tasks that could still be claimed this
	// run, ignoring time gates.
	RemainingTasks(ctx context.Context, groupID, runID string) (int64, error)

	// UnblockTasks returns blocked tasks with the given reason to
	// pending.
	UnblockTasks(ctx context.Context, groupID, reason string, now time.Time) (int64, error)

	TaskStats(ctx context.Context, groupID string) (*TaskStats, error)

	// Messages.
	ImportMessages(ctx context.Context, groupID string, texts []string, now time.Time) (int64, error)
	ListActiveMessages(ctx context.Context, groupID string) ([]*Message, error)

	// Proxies.
	SyncProxies(ctx context.Context, urls []string, now time.Time) (int64, error)
	ListProxies(ctx context.Context) ([]*Proxy, error)
	AssignedProxy(ctx context.Context, profileID string) (*Proxy, error)

	// AcquireProxy atomically assigns a healthy unassigned proxy to
	// the profile. Returns ErrNoProxy when the pool is exhausted.
	AcquireProxy(ctx context.Context, profileID string, now time.Time) (*Proxy, error)

	ReleaseProxy(ctx context.Context, profileID string, now time.Time) error
	MarkProxyUnhealthy(ctx context.Context, url string, now time.Time) error

	// RecordProxyOutcome folds one observation into the proxy's stats
	// for the profile and returns the updated stats.
	RecordProxyOutcome(ctx context.Context, proxyURL, profileID string, obs ProxyObservation, now time.Time) (*ProxyStats, error)

	ResetProxyStats(ctx context.Context, proxyURL, profileID string) error

	// ReviveProxies re-marks proxies healthy after they have been
	// unhealthy for longer than olderThan.
	ReviveProxies(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error)

	// Stats.
	DailyStats(ctx context.Context, groupID, date string) ([]*DailyStat, error)

	Close()
}
