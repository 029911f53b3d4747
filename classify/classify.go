// Package classify maps send outcomes onto queue, proxy and worker
// actions. Classification is pure: callers apply the resulting
// Decision, nothing here touches storage.
package classify

import (
	"time"

	"github.com/droverhq/drover/driver"
)

// TaskAction says what happens to the claimed task.
type TaskAction int

const (
	// TaskAdvance records a successful attempt and advances the cycle.
	TaskAdvance TaskAction = iota
	// TaskBlock records a failed attempt and blocks the task with
	// Decision.BlockReason.
	TaskBlock
	// TaskRetry records a failed attempt and reschedules the task
	// after a backoff. Repeated retries escalate to a block once the
	// failure budget is spent.
	TaskRetry
	// TaskDefer records a failed attempt and reschedules without
	// advancing the cycle or spending failure budget. For restrictions
	// that may lift on their own.
	TaskDefer
	// TaskRelease returns the task to pending without recording an
	// attempt. The outcome was not the chat's fault.
	TaskRelease
)

func (a TaskAction) String() string {
	switch a {
	case TaskAdvance:
		return "advance"
	case TaskBlock:
		return "block"
	case TaskRetry:
		return "retry"
	case TaskDefer:
		return "defer"
	case TaskRelease:
		return "release"
	}
	return "unknown"
}

// ProxyAction says what to report to the proxy registry.
type ProxyAction int

const (
	ProxySkip ProxyAction = iota
	ProxySuccess
	ProxyChatNotFound
	ProxyError
)

// WorkerSignal says whether the worker may keep sending.
type WorkerSignal int

const (
	WorkerContinue WorkerSignal = iota
	// WorkerBanned means the profile itself is unusable. The worker
	// exits with its banned code and the supervisor must not restart it.
	WorkerBanned
)

// Decision is the classified consequence of one outcome.
type Decision struct {
	Task        TaskAction
	BlockReason string
	Proxy       ProxyAction
	Worker      WorkerSignal
	// RetryAfter overrides the default backoff for TaskRetry and
	// TaskRelease; zero means use policy defaults.
	RetryAfter time.Duration
}

// Classify is total: every Kind yields a Decision, and unknown kinds
// degrade to the unexpected_error decision rather than failing.
func Classify(o driver.Outcome) Decision {
	switch o.Kind {
	case driver.KindSuccess:
		return Decision{Task: TaskAdvance, Proxy: ProxySuccess}

	case driver.KindChatNotFound:
		return Decision{Task: TaskBlock, BlockReason: string(o.Kind), Proxy: ProxyChatNotFound}

	case driver.KindNeedToJoin,
		driver.KindPremiumRequired,
		driver.KindStarsRequired,
		driver.KindUserBlocked,
		driver.KindInputUnavailable:
		// The chat exists but currently refuses this identity. The
		// restriction may lift, so the attempt is recorded and the
		// task deferred rather than blocked.
		return Decision{Task: TaskDefer}

	case driver.KindAccountFrozen, driver.KindLoggedOut:
		// Not the task's fault: release it for another profile and
		// take this profile out of service.
		return Decision{Task: TaskRelease, Worker: WorkerBanned}

	case driver.KindSlowMode:
		return Decision{Task: TaskRelease, RetryAfter: o.SlowModeWait}

	case driver.KindNetworkError, driver.KindTimeout, driver.KindSelectorMissing:
		return Decision{Task: TaskRetry, Proxy: ProxyError}

	default:
		return Decision{Task: TaskRetry, Proxy: ProxyError}
	}
}
