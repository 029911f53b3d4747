package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/droverhq/drover/classify"
	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/driver"
	"github.com/droverhq/drover/observability"
	"github.com/droverhq/drover/pacing"
	"github.com/droverhq/drover/proxy"
	"github.com/droverhq/drover/queue"
	"github.com/droverhq/drover/store"
)

// Worker exit codes. The supervisor restarts nonzero exits except
// ExitBanned.
const (
	ExitOK          = 0
	ExitRetryable   = 1
	ExitEnvironment = 2
	ExitBanned      = 3
)

const (
	openAttempts     = 3
	openBackoffBase  = 5 * time.Second
	openBackoffCap   = 30 * time.Second
	emptyQueuePoll   = 30 * time.Second
	rateLimitedSleep = time.Minute
)

// Options wire a Worker. Clock and Sleep default to real time.
type Options struct {
	ProfileID string
	GroupID   string
	RunID     string
	Store     store.Store
	Queue     *queue.Queue
	Registry  *proxy.Registry
	Driver    driver.Driver
	Clock     pacing.Clock
	Config    *config.Config
	// Sleep waits for d or until ctx is done; reports whether the
	// full wait elapsed. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Worker runs the send loop for one profile: claim, send, record,
// pace, until the queue drains or the profile dies.
type Worker struct {
	opts     Options
	limiter  *pacing.ProfileLimiter
	rng      *rand.Rand
	proxyURL string
}

func NewWorker(opts Options) *Worker {
	if opts.Clock == nil {
		opts.Clock = pacing.RealClock{}
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) bool {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return false
			case <-timer.C:
				return true
			}
		}
	}
	return &Worker{
		opts:    opts,
		limiter: pacing.NewProfileLimiter(opts.Config.Limits.MaxMessagesPerHour),
		rng:     rand.New(rand.NewSource(opts.Clock.Now().UnixNano())),
	}
}

// Run executes the loop and returns the process exit code.
func (w *Worker) Run(ctx context.Context) int {
	o := w.opts

	profile, err := o.Store.GetProfile(ctx, o.ProfileID)
	if err != nil {
		log.Printf("worker: load profile: %v", err)
		return ExitRetryable
	}
	if profile == nil {
		log.Printf("worker: profile %s does not exist", o.ProfileID)
		return ExitEnvironment
	}
	if profile.Blocked {
		log.Printf("worker: profile %s is blocked (%s)", o.ProfileID, profile.BlockedReason)
		return ExitBanned
	}

	w.proxyURL, err = o.Registry.Resolve(ctx, o.ProfileID)
	if err != nil {
		if errors.Is(err, proxy.ErrPoolExhausted) {
			log.Printf("worker: no proxy available for %s", o.ProfileID)
			return ExitEnvironment
		}
		log.Printf("worker: resolve proxy: %v", err)
		return ExitRetryable
	}

	messages, err := o.Store.ListActiveMessages(ctx, o.GroupID)
	if err != nil {
		log.Printf("worker: load messages: %v", err)
		return ExitRetryable
	}
	if len(messages) == 0 {
		log.Printf("worker: group %s has no active messages", o.GroupID)
		return ExitEnvironment
	}

	session, code := w.openSession(ctx, profile)
	if session == nil {
		return code
	}
	defer o.Driver.Close(session)

	log.Printf("worker: started (group=%s run=%s proxy=%s)", o.GroupID, o.RunID, w.proxyURL)
	return w.loop(ctx, session, messages)
}

func (w *Worker) openSession(ctx context.Context, profile *store.Profile) (driver.Session, int) {
	o := w.opts
	ref := driver.Profile{ID: profile.ID, Name: profile.Name}
	for attempt := 0; attempt < openAttempts; attempt++ {
		session, err := o.Driver.Open(ctx, ref, w.proxyURL)
		if err == nil {
			return session, 0
		}
		log.Printf("worker: open session attempt %d: %v", attempt+1, err)
		if !o.Sleep(ctx, pacing.Backoff(attempt, openBackoffBase, openBackoffCap)) {
			return nil, ExitOK
		}
	}
	// The session never came up on this proxy; retire it so the
	// restart starts clean.
	if w.proxyURL != "" {
		if err := o.Registry.MarkUnhealthy(ctx, w.proxyURL); err != nil {
			log.Printf("worker: mark proxy unhealthy: %v", err)
		}
	}
	return nil, ExitRetryable
}

func (w *Worker) loop(ctx context.Context, session driver.Session, messages []*store.Message) int {
	o := w.opts
	for {
		if ctx.Err() != nil {
			return ExitOK
		}

		if ok, wait := w.limiter.Reserve(o.ProfileID); !ok {
			if !o.Sleep(ctx, wait) {
				return ExitOK
			}
		}

		task, err := o.Queue.ClaimNext(ctx, o.GroupID, o.ProfileID, o.RunID)
		switch {
		case errors.Is(err, queue.ErrRateLimited):
			log.Printf("worker: hourly limit reached, sleeping")
			if !o.Sleep(ctx, rateLimitedSleep) {
				return ExitOK
			}
			continue
		case err != nil:
			log.Printf("worker: claim: %v", err)
			return ExitRetryable
		case task == nil:
			remains, err := o.Queue.WorkRemains(ctx, o.GroupID, o.RunID)
			if err != nil {
				log.Printf("worker: check remaining: %v", err)
				return ExitRetryable
			}
			if !remains {
				log.Printf("worker: queue drained, done")
				return ExitOK
			}
			if !o.Sleep(ctx, emptyQueuePoll) {
				return ExitOK
			}
			continue
		}

		msg := messages[w.rng.Intn(len(messages))]
		sendCtx, cancel := context.WithTimeout(ctx, o.Config.Timeouts.SendBudget())
		outcome := o.Driver.Send(sendCtx, session, task.ChatRef, msg.Text)
		cancel()

		if ctx.Err() != nil {
			// Shutdown raced the send; give the task back untouched.
			if err := o.Queue.Release(context.WithoutCancel(ctx), task.ID); err != nil {
				log.Printf("worker: release on shutdown: %v", err)
			}
			return ExitOK
		}

		decision := classify.Classify(outcome)
		result, err := o.Queue.Apply(ctx, task, decision, queue.Attempt{
			ProfileID:   o.ProfileID,
			RunID:       o.RunID,
			ProxyURL:    w.proxyURL,
			MessageID:   msg.ID,
			MessageText: msg.Text,
			Outcome:     outcome,
		})
		if err != nil {
			log.Printf("worker: record outcome: %v", err)
			if relErr := o.Queue.Release(ctx, task.ID); relErr != nil {
				log.Printf("worker: release after record failure: %v", relErr)
			}
			return ExitRetryable
		}
		w.logOutcome(task, outcome, decision, result)

		next, err := o.Registry.ObserveOutcome(ctx, o.GroupID, o.ProfileID, w.proxyURL, decision.Proxy)
		if err != nil {
			log.Printf("worker: proxy bookkeeping: %v", err)
		} else if next != w.proxyURL {
			// The new proxy takes effect on the next session open.
			w.proxyURL = next
		}

		if decision.Worker == classify.WorkerBanned {
			if err := o.Store.BlockProfile(ctx, o.ProfileID, string(outcome.Kind), o.Clock.Now()); err != nil {
				log.Printf("worker: block profile: %v", err)
			}
			if outcome.Kind == driver.KindLoggedOut {
				if err := o.Store.MarkProfileLoggedOut(ctx, o.ProfileID, o.Clock.Now()); err != nil {
					log.Printf("worker: mark logged out: %v", err)
				}
			}
			if err := o.Registry.Release(ctx, o.ProfileID); err != nil {
				log.Printf("worker: release proxy: %v", err)
			}
			log.Printf("worker: account unusable (%s), stopping", outcome.Kind)
			return ExitBanned
		}

		delay := o.Queue.SendDelay()
		observability.SendDelaySeconds.Observe(delay.Seconds())
		if !o.Sleep(ctx, delay) {
			return ExitOK
		}
	}
}

func (w *Worker) logOutcome(task *store.Task, outcome driver.Outcome, d classify.Decision, result *queue.Result) {
	switch {
	case outcome.Kind == driver.KindSuccess:
		log.Printf("worker: sent to %s (cycle %d/%d)", task.ChatRef, result.Task.CompletedCycles, result.Task.TotalCycles)
	case result.Blocked:
		log.Printf("worker: %s blocked after %s", task.ChatRef, outcome.Kind)
	case d.Task == classify.TaskRelease:
		log.Printf("worker: %s released after %s", task.ChatRef, outcome.Kind)
	default:
		log.Printf("worker: %s failed with %s, will retry", task.ChatRef, outcome.Kind)
	}
}
