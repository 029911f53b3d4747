// Package driver defines the contract between the worker loop and the
// browser automation layer that actually delivers messages. The worker
// never inspects browser state; it only sees Outcomes.
package driver

import (
	"context"
	"fmt"
	"time"
)

// Kind classifies the result of a single send action. The set is
// closed: anything a driver cannot express maps to KindUnexpected.
type Kind string

const (
	KindSuccess Kind = "success"

	// The destination does not resolve for this egress; permanent for
	// the task.
	KindChatNotFound Kind = "chat_not_found"

	// Per-chat restrictions that may lift on their own.
	KindNeedToJoin       Kind = "need_to_join"
	KindPremiumRequired  Kind = "premium_required"
	KindStarsRequired    Kind = "stars_required"
	KindUserBlocked      Kind = "user_blocked"
	KindInputUnavailable Kind = "input_unavailable"

	// Account-level conditions; the profile is unusable.
	KindAccountFrozen Kind = "account_frozen"
	KindLoggedOut     Kind = "logged_out"

	// Transient conditions.
	KindSlowMode     Kind = "slow_mode"
	KindNetworkError Kind = "network_error"
	KindTimeout      Kind = "timeout"

	// The UI changed out from under the selectors.
	KindSelectorMissing Kind = "selector_missing"

	KindUnexpected Kind = "unexpected_error"
)

// Outcome is the result of one send action.
type Outcome struct {
	Kind Kind
	// SlowModeWait carries the wait the platform demanded when Kind
	// is KindSlowMode; zero means unknown.
	SlowModeWait time.Duration
	// Detail is a short human-readable note recorded with the attempt.
	Detail string
}

func Success() Outcome { return Outcome{Kind: KindSuccess} }

func Failure(kind Kind, detail string) Outcome { return Outcome{Kind: kind, Detail: detail} }

// Profile identifies the browser profile a session runs under. It is
// deliberately narrower than the store's profile row so drivers do not
// depend on storage types.
type Profile struct {
	ID   string
	Name string
}

// Session is an opaque handle to an open browser session. Only the
// driver that produced it can interpret it.
type Session interface{}

// Driver opens browser sessions and performs send actions in them.
// Implementations must be safe for a single worker goroutine; they are
// never shared across workers.
type Driver interface {
	// Open starts a session for the profile, routed through proxyURL
	// when non-empty. A failed Open is retryable by the caller.
	Open(ctx context.Context, profile Profile, proxyURL string) (Session, error)

	// Send delivers text to the chat identified by chatRef. It does
	// not return an error: every failure mode is an Outcome.
	Send(ctx context.Context, s Session, chatRef, text string) Outcome

	// Close releases the session. Safe to call with a nil session.
	Close(s Session) error
}

// Factory constructs a named driver. Real browser drivers register
// themselves here from their own packages; the sim driver is built in.
type Factory func() (Driver, error)

var factories = map[string]Factory{}

func Register(name string, f Factory) {
	factories[name] = f
}

// New builds the driver registered under name.
func New(name string) (Driver, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("driver: unknown driver %q", name)
	}
	return f()
}

func init() {
	Register("sim", func() (Driver, error) { return NewSim(), nil })
}
