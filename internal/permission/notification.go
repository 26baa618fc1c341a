package permission

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Prompter asks the user to allow notifications. It returns nil when
// allowed and an *Error with FaultPermissionDenied when refused.
type Prompter interface {
	Prompt(ctx context.Context) error
}

// Notification is the notification permission state machine.
//
//	unrequested|denied --Request--> pending --> granted|denied
//
// A prompt that fails without an answer returns to the previous state.
type Notification struct {
	prompter Prompter
	log      *slog.Logger
	timeout  time.Duration
	now      func() time.Time
	group    singleflight.Group

	mu        sync.Mutex
	state     State
	previous  State
	fault     Fault
	updatedAt time.Time
	gen       int
}

// NewNotification creates a machine backed by prompter. A nil prompter
// makes the machine permanently unsupported.
func NewNotification(prompter Prompter, log *slog.Logger) *Notification {
	state := StateUnrequested
	if prompter == nil {
		state = StateUnsupported
	}
	return &Notification{
		prompter: prompter,
		log:      log,
		timeout:  DefaultTimeout,
		now:      time.Now,
		state:    state,
	}
}

// SetTimeout overrides the prompt timeout.
func (n *Notification) SetTimeout(d time.Duration) {
	n.timeout = d
}

// Snapshot returns the current state.
func (n *Notification) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Snapshot{State: n.state, Fault: n.fault, UpdatedAt: n.updatedAt}
}

// Granted reports whether notifications may be shown.
func (n *Notification) Granted() bool {
	return n.Snapshot().State == StateGranted
}

// Request prompts for permission unless it is already granted.
func (n *Notification) Request(ctx context.Context) (State, error) {
	n.mu.Lock()
	switch n.state {
	case StateUnsupported:
		n.mu.Unlock()
		return StateUnsupported, &Error{Fault: FaultUnsupported}
	case StateGranted:
		n.mu.Unlock()
		return StateGranted, nil
	case StatePending:
	default:
		n.gen++
		n.previous = n.state
		n.state = StatePending
	}
	ch := n.group.DoChan(strconv.Itoa(n.gen), func() (any, error) {
		return n.prompt()
	})
	n.mu.Unlock()

	select {
	case <-ctx.Done():
		return StatePending, ctx.Err()
	case res := <-ch:
		return res.Val.(State), res.Err
	}
}

func (n *Notification) prompt() (State, error) {
	_, err := withTimeout(n.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.prompter.Prompt(ctx)
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	n.updatedAt = n.now()

	if err == nil {
		n.state = StateGranted
		n.fault = ""
		return n.state, nil
	}

	perr := classified(err)
	n.fault = perr.Fault
	if perr.Fault == FaultPermissionDenied {
		n.state = StateDenied
	} else {
		n.state = n.previous
	}
	n.log.Warn("request notification permission", "fault", perr.Fault, "error", err)
	return n.state, perr
}
