package permission

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"localbuzz/internal/model"
)

// Locator resolves the current position. Implementations return an *Error
// to report a specific Fault.
type Locator interface {
	Locate(ctx context.Context) (model.Coordinate, error)
}

// Snapshot is a read-only view of a permission machine.
type Snapshot struct {
	State      State             `json:"state"`
	Fault      Fault             `json:"fault,omitempty"`
	Coordinate *model.Coordinate `json:"coordinate,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt,omitzero"`
}

// Location is the location permission state machine.
//
//	unrequested|denied --Request--> pending --> granted|denied
//	granted --Refresh--> pending --> granted (fault kept on failure)
type Location struct {
	locator Locator
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu         sync.Mutex
	state      State
	fault      Fault
	coord      *model.Coordinate
	updatedAt  time.Time
	gen        int
	refreshing bool
}

// NewLocation creates a machine backed by locator. A nil locator makes the
// machine permanently unsupported.
func NewLocation(locator Locator, log *slog.Logger) *Location {
	state := StateUnrequested
	if locator == nil {
		state = StateUnsupported
	}
	return &Location{
		locator: locator,
		log:     log,
		timeout: DefaultTimeout,
		now:     time.Now,
		state:   state,
	}
}

// SetTimeout overrides the per-request timeout.
func (l *Location) SetTimeout(d time.Duration) {
	l.timeout = d
}

// Snapshot returns the current state.
func (l *Location) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{State: l.state, Fault: l.fault, UpdatedAt: l.updatedAt}
	if l.coord != nil {
		c := *l.coord
		s.Coordinate = &c
	}
	return s
}

// Request asks for the position. From granted it behaves like Refresh; while
// pending it waits for the outstanding request.
func (l *Location) Request(ctx context.Context) (model.Coordinate, error) {
	return l.start(ctx, false)
}

// Refresh re-reads the position. It returns ErrNotGranted unless the
// permission is granted. A refresh that fails with position-unavailable or
// timeout keeps the permission granted and the last coordinate.
func (l *Location) Refresh(ctx context.Context) (model.Coordinate, error) {
	return l.start(ctx, true)
}

// Current returns the position for a matching pass, falling back to the last
// known coordinate when a refresh fails.
func (l *Location) Current(ctx context.Context) (model.Coordinate, error) {
	c, err := l.Request(ctx)
	if err == nil {
		return c, nil
	}
	if snap := l.Snapshot(); snap.State == StateGranted && snap.Coordinate != nil {
		return *snap.Coordinate, nil
	}
	return model.Coordinate{}, err
}

func (l *Location) start(ctx context.Context, refreshOnly bool) (model.Coordinate, error) {
	l.mu.Lock()
	switch l.state {
	case StateUnsupported:
		l.mu.Unlock()
		return model.Coordinate{}, &Error{Fault: FaultUnsupported}
	case StatePending:
		if refreshOnly && !l.refreshing {
			l.mu.Unlock()
			return model.Coordinate{}, ErrNotGranted
		}
	case StateGranted:
		l.begin(true)
	default:
		if refreshOnly {
			l.mu.Unlock()
			return model.Coordinate{}, ErrNotGranted
		}
		l.begin(false)
	}
	refreshing := l.refreshing
	ch := l.group.DoChan(strconv.Itoa(l.gen), func() (any, error) {
		return l.locate(refreshing)
	})
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return model.Coordinate{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.Coordinate{}, res.Err
		}
		return res.Val.(model.Coordinate), nil
	}
}

// begin moves to pending under l.mu. Each request gets its own flight key so
// a caller arriving after a resolve never joins a finished flight.
func (l *Location) begin(refreshing bool) {
	l.gen++
	l.state = StatePending
	l.refreshing = refreshing
}

func (l *Location) locate(refreshing bool) (model.Coordinate, error) {
	c, err := withTimeout(l.timeout, l.locator.Locate)
	if err == nil {
		if verr := c.Validate(); verr != nil {
			err = &Error{Fault: FaultPositionUnavailable, Err: verr}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.updatedAt = l.now()
	l.refreshing = false

	if err == nil {
		l.state = StateGranted
		l.fault = ""
		l.coord = &c
		return c, nil
	}

	perr := classified(err)
	l.fault = perr.Fault
	if refreshing && (perr.Fault == FaultPositionUnavailable || perr.Fault == FaultTimeout) {
		l.state = StateGranted
		l.log.Warn("refresh location", "fault", perr.Fault, "error", err)
		return model.Coordinate{}, perr
	}
	l.state = StateDenied
	l.coord = nil
	l.log.Warn("request location", "fault", perr.Fault, "error", err)
	return model.Coordinate{}, perr
}
