package driver

import (
	"context"
	"fmt"
	"sync"
)

// Sim is an in-memory driver used by tests and dry runs. Outcomes are
// scripted per chat ref; unscripted chats succeed.
type Sim struct {
	mu       sync.Mutex
	script   map[string][]Outcome
	openErr  error
	sent     []SimSend
	sessions int
}

// SimSend records one delivered message for assertions.
type SimSend struct {
	Profile string
	ChatRef string
	Text    string
}

type simSession struct {
	profile Profile
	proxy   string
}

func NewSim() *Sim {
	return &Sim{script: map[string][]Outcome{}}
}

// Script queues outcomes for chatRef. Each send consumes one; once the
// queue drains further sends succeed.
func (d *Sim) Script(chatRef string, outcomes ...Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script[chatRef] = append(d.script[chatRef], outcomes...)
}

// FailOpen makes subsequent Open calls return err.
func (d *Sim) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

func (d *Sim) Open(ctx context.Context, profile Profile, proxyURL string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.sessions++
	return &simSession{profile: profile, proxy: proxyURL}, nil
}

func (d *Sim) Send(ctx context.Context, s Session, chatRef, text string) Outcome {
	if err := ctx.Err(); err != nil {
		return Failure(KindTimeout, err.Error())
	}
	sess, ok := s.(*simSession)
	if !ok {
		return Failure(KindUnexpected, fmt.Sprintf("sim: bad session type %T", s))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if queue := d.script[chatRef]; len(queue) > 0 {
		out := queue[0]
		d.script[chatRef] = queue[1:]
		if out.Kind == KindSuccess {
			d.sent = append(d.sent, SimSend{Profile: sess.profile.ID, ChatRef: chatRef, Text: text})
		}
		return out
	}
	d.sent = append(d.sent, SimSend{Profile: sess.profile.ID, ChatRef: chatRef, Text: text})
	return Success()
}

func (d *Sim) Close(s Session) error {
	if s == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions--
	return nil
}

// Sent returns a copy of all successful sends so far.
func (d *Sim) Sent() []SimSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SimSend, len(d.sent))
	copy(out, d.sent)
	return out
}

// OpenSessions reports sessions opened and not yet closed.
func (d *Sim) OpenSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}
