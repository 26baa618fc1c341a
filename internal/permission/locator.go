package permission

import (
	"context"
	"errors"
	"sync"

	"localbuzz/internal/model"
)

// StaticLocator always reports the same coordinate.
type StaticLocator struct {
	Coordinate model.Coordinate
}

// Locate returns the configured coordinate.
func (s StaticLocator) Locate(context.Context) (model.Coordinate, error) {
	return s.Coordinate, nil
}

// ManualLocator reports a coordinate set by the user. Until one is set it
// reports position-unavailable.
type ManualLocator struct {
	mu    sync.RWMutex
	coord *model.Coordinate
}

// Set stores c as the current position.
func (m *ManualLocator) Set(c model.Coordinate) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coord = &c
	return nil
}

// Locate returns the last coordinate passed to Set.
func (m *ManualLocator) Locate(context.Context) (model.Coordinate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.coord == nil {
		return model.Coordinate{}, &Error{Fault: FaultPositionUnavailable, Err: errors.New("no position set")}
	}
	return *m.coord, nil
}
