// Package queue is the policy layer over the task store: it owns claim
// pacing, cycle delays, failure budgets and the application of
// classified outcomes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/droverhq/drover/classify"
	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/driver"
	"github.com/droverhq/drover/observability"
	"github.com/droverhq/drover/pacing"
	"github.com/droverhq/drover/store"
)

// ErrRateLimited wraps the store's hourly gate for callers that only
// need to know "wait, don't exit".
var ErrRateLimited = store.ErrHourlyLimit

// DefaultSlowModeWait is used when the platform demanded a slow mode
// wait without saying how long.
const DefaultSlowModeWait = 5 * time.Minute

type Queue struct {
	store  store.Store
	clock  pacing.Clock
	limits config.LimitsConfig
	retry  config.RetryConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func New(st store.Store, cfg *config.Config, clock pacing.Clock) *Queue {
	return &Queue{
		store:  st,
		clock:  clock,
		limits: cfg.Limits,
		retry:  cfg.Retry,
		rng:    rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// ClaimNext claims the best eligible task for the profile. Returns
// (nil, nil) when nothing is claimable now and ErrRateLimited when the
// profile's hourly budget is spent.
func (q *Queue) ClaimNext(ctx context.Context, groupID, profileID, runID string) (*store.Task, error) {
	task, err := q.store.ClaimNextTask(ctx, store.ClaimParams{
		GroupID:    groupID,
		ProfileID:  profileID,
		RunID:      runID,
		MaxPerHour: q.limits.MaxMessagesPerHour,
		Now:        q.clock.Now(),
	})
	switch {
	case errors.Is(err, store.ErrHourlyLimit):
		observability.ClaimsTotal.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	case err != nil:
		observability.ClaimsTotal.WithLabelValues("error").Inc()
		return nil, err
	case task == nil:
		observability.ClaimsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	observability.ClaimsTotal.WithLabelValues("claimed").Inc()
	return task, nil
}

// Attempt carries the context of one send needed to record its result.
type Attempt struct {
	ProfileID   string
	RunID       string
	ProxyURL    string
	MessageID   int64
	MessageText string
	Outcome     driver.Outcome
}

// Result reports what happened to the task after applying a decision.
type Result struct {
	Task    *store.Task
	Blocked bool
}

// Apply records the classified outcome of one send against the claimed
// task. It is the only write path for attempt results.
func (q *Queue) Apply(ctx context.Context, task *store.Task, d classify.Decision, a Attempt) (*Result, error) {
	now := q.clock.Now()
	observability.SendsTotal.WithLabelValues(string(a.Outcome.Kind)).Inc()

	switch d.Task {
	case classify.TaskAdvance:
		updated, err := q.store.RecordTaskSuccess(ctx, store.SuccessParams{
			TaskID:      task.ID,
			GroupID:     task.GroupID,
			ProfileID:   a.ProfileID,
			RunID:       a.RunID,
			ChatRef:     task.ChatRef,
			ProxyURL:    a.ProxyURL,
			MessageID:   a.MessageID,
			MessageText: a.MessageText,
			CycleDelay:  q.CycleDelay(),
			Now:         now,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Task: updated}, nil

	case classify.TaskBlock:
		blocked, err := q.recordFailure(ctx, task, a, store.FailureParams{
			Block:       true,
			BlockReason: d.BlockReason,
			Now:         now,
		})
		if err != nil {
			return nil, err
		}
		observability.TasksBlockedTotal.WithLabelValues(d.BlockReason).Inc()
		return &Result{Blocked: blocked}, nil

	case classify.TaskRetry:
		blocked, err := q.recordFailure(ctx, task, a, store.FailureParams{
			FailureBudget: q.retry.MaxAttemptsBeforeBlock,
			Backoff:       q.retry.FailureBackoff(),
			Now:           now,
		})
		if err != nil {
			return nil, err
		}
		if blocked {
			observability.TasksBlockedTotal.WithLabelValues(store.BlockReasonTooManyFailures).Inc()
		}
		return &Result{Blocked: blocked}, nil

	case classify.TaskDefer:
		// A restriction the platform may lift; the attempt is recorded
		// but the failure budget stays intact.
		if _, err := q.recordFailure(ctx, task, a, store.FailureParams{
			NoEscalate: true,
			Backoff:    q.retry.FailureBackoff(),
			Now:        now,
		}); err != nil {
			return nil, err
		}
		return &Result{}, nil

	case classify.TaskRelease:
		retryAfter := time.Duration(0)
		if a.Outcome.Kind == driver.KindSlowMode {
			// Jitter on top of the reported wait so a fleet hitting the
			// same slow mode does not retry in lockstep.
			wait := pacing.SlowModeDelay(d.RetryAfter, DefaultSlowModeWait)
			q.mu.Lock()
			retryAfter = wait + time.Duration(q.rng.Float64()*q.limits.DelayRandomness*float64(wait))
			q.mu.Unlock()
		}
		if err := q.store.ReleaseTask(ctx, task.ID, retryAfter, now); err != nil {
			return nil, err
		}
		return &Result{}, nil
	}
	return nil, fmt.Errorf("queue: unknown task action %v", d.Task)
}

func (q *Queue) recordFailure(ctx context.Context, task *store.Task, a Attempt, p store.FailureParams) (bool, error) {
	p.TaskID = task.ID
	p.GroupID = task.GroupID
	p.ProfileID = a.ProfileID
	p.RunID = a.RunID
	p.ChatRef = task.ChatRef
	p.ProxyURL = a.ProxyURL
	p.ErrorKind = string(a.Outcome.Kind)
	p.Detail = a.Outcome.Detail
	return q.store.RecordTaskFailure(ctx, p)
}

// Release returns a claimed task to pending, used when a worker shuts
// down mid-claim.
func (q *Queue) Release(ctx context.Context, taskID int64) error {
	return q.store.ReleaseTask(ctx, taskID, 0, q.clock.Now())
}

// SendDelay computes the jittered wait before the next send.
func (q *Queue) SendDelay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return pacing.SendDelay(q.limits.MaxMessagesPerHour, q.limits.DelayRandomness, q.rng)
}

// CycleDelay is the spacing between consecutive cycles of one task.
func (q *Queue) CycleDelay() time.Duration {
	return time.Duration(q.limits.CycleDelayMinutes) * time.Minute
}

// ResetStale releases in_progress tasks abandoned by dead workers.
func (q *Queue) ResetStale(ctx context.Context, groupID string, olderThan time.Duration) (int64, error) {
	n, err := q.store.ResetStaleTasks(ctx, groupID, olderThan, q.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.StaleTasksReset.Add(float64(n))
	}
	return n, nil
}

// WorkRemains reports whether any task could still be claimed this run
// once time gates pass.
func (q *Queue) WorkRemains(ctx context.Context, groupID, runID string) (bool, error) {
	n, err := q.store.RemainingTasks(ctx, groupID, runID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Stats returns the aggregate queue picture for the group.
func (q *Queue) Stats(ctx context.Context, groupID string) (*store.TaskStats, error) {
	return q.store.TaskStats(ctx, groupID)
}
