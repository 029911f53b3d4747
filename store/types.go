// Package store persists the drover fleet state: profiles, the task
// queue, messages, proxies and audit history. The Postgres
// implementation backs production; the memory implementation backs
// tests.
package store

import (
	"errors"
	"time"
)

// ErrHourlyLimit is returned by ClaimNextTask when the profile has
// spent its hourly send budget. The caller should wait, not exit.
var ErrHourlyLimit = errors.New("store: hourly send limit reached")

// ErrNoProxy is returned by AcquireProxy when no healthy unassigned
// proxy exists.
var ErrNoProxy = errors.New("store: no proxy available")

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
)

type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// Profile is one browser profile in the fleet.
type Profile struct {
	ID            string
	GroupID       string
	Name          string
	Active        bool
	Blocked       bool
	BlockedReason string
	// LoggedOut marks profiles whose stored session no longer
	// authenticates. They are skipped when launching workers.
	LoggedOut bool
	// HourlySent counts sends inside the current window starting at
	// HourStartedAt. The window rolls lazily during claims.
	HourlySent    int
	HourStartedAt time.Time
	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Task is one chat to be messaged TotalCycles times.
type Task struct {
	ID              int64
	GroupID         string
	ChatRef         string
	Status          TaskStatus
	TotalCycles     int
	CompletedCycles int
	// SuccessCount is the lifetime delivery total; unlike
	// CompletedCycles it survives unblocks and counter resets.
	SuccessCount int
	BlockReason  string
	// FailedCount counts failed attempts since the last success.
	FailedCount       int
	AssignedProfileID string
	// NextAvailableAt gates claiming; zero means available now.
	NextAvailableAt time.Time
	LastAttemptAt   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Done reports whether the task has delivered all its cycles.
func (t *Task) Done() bool { return t.CompletedCycles >= t.TotalCycles }

// TaskAttempt is the audit record of one send attempt.
type TaskAttempt struct {
	ID          int64
	TaskID      int64
	ProfileID   string
	RunID       string
	Status      AttemptStatus
	ErrorKind   string
	Detail      string
	ProxyURL    string
	CycleNumber int
	CreatedAt   time.Time
}

// Message is one text from the rotation pool.
type Message struct {
	ID         int64
	GroupID    string
	Text       string
	Active     bool
	UsageCount int
	CreatedAt  time.Time
}

// Proxy is one entry in the proxy pool. A proxy serves at most one
// profile at a time.
type Proxy struct {
	ID                int64
	URL               string
	Healthy           bool
	UnhealthyAt       time.Time
	AssignedProfileID string
	AssignedAt        time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ProxyStats accumulates outcomes for one proxy serving one profile.
// Rotation policy reads these.
type ProxyStats struct {
	ProxyURL     string
	ProfileID    string
	Attempts     int
	Successes    int
	ChatNotFound int
	Errors       int
	UpdatedAt    time.Time
}

// ChatNotFoundRate is the percentage of attempts that were
// chat_not_found.
func (s *ProxyStats) ChatNotFoundRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.ChatNotFound) / float64(s.Attempts) * 100
}

// ProxyObservation is a coarse outcome bucket for proxy stats.
type ProxyObservation int

const (
	ProxyObservedSuccess ProxyObservation = iota
	ProxyObservedChatNotFound
	ProxyObservedError
)

// DailyStat is one profile's send tally for one UTC day.
type DailyStat struct {
	ProfileID string
	Date      string
	Sent      int
	Failed    int
}

// TaskStats is the aggregate queue picture for one group.
type TaskStats struct {
	Total           int64            `json:"total"`
	Pending         int64            `json:"pending"`
	InProgress      int64            `json:"in_progress"`
	Completed       int64            `json:"completed"`
	Blocked         int64            `json:"blocked"`
	BlockedByReason map[string]int64 `json:"blocked_by_reason,omitempty"`
}

// SendLogEntry is one line of the append-only send audit log.
type SendLogEntry struct {
	ID          int64
	GroupID     string
	ProfileID   string
	TaskID      int64
	ChatRef     string
	MessageText string
	Status      AttemptStatus
	ErrorKind   string
	CreatedAt   time.Time
}

// ClaimParams drive one atomic claim.
type ClaimParams struct {
	GroupID   string
	ProfileID string
	RunID     string
	// MaxPerHour is the profile's hourly send budget, enforced inside
	// the claim transaction.
	MaxPerHour int
	Now        time.Time
}

// SuccessParams record one delivered message.
type SuccessParams struct {
	TaskID      int64
	GroupID     string
	ProfileID   string
	RunID       string
	ChatRef     string
	ProxyURL    string
	MessageID   int64
	MessageText string
	// CycleDelay gates the task's next cycle.
	CycleDelay time.Duration
	Now        time.Time
}

// FailureParams record one failed attempt.
type FailureParams struct {
	TaskID    int64
	GroupID   string
	ProfileID string
	RunID     string
	ChatRef   string
	ProxyURL  string
	ErrorKind string
	Detail    string
	// Block forces an immediate block with BlockReason.
	Block       bool
	BlockReason string
	// FailureBudget escalates to a too_many_failures block once
	// FailedCount reaches it. Zero disables escalation.
	FailureBudget int
	// NoEscalate leaves FailedCount untouched, for restrictions that
	// do not spend the failure budget.
	NoEscalate bool
	Backoff    time.Duration
	Now        time.Time
}

// BlockReasonTooManyFailures marks tasks blocked by the failure budget
// rather than by a classified outcome.
const BlockReasonTooManyFailures = "too_many_failures"
