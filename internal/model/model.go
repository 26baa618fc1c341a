// Package model defines the domain types used across the application.
package model

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// ErrInvalidCoordinate is returned when a coordinate is outside the valid range.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// ErrInvalidRole is returned for a role other than shop or customer.
var ErrInvalidRole = errors.New("invalid role")

// Coordinate is a point on the Earth's surface in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks that latitude is in [-90,90] and longitude in [-180,180].
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, c.Latitude)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, c.Longitude)
	}
	return nil
}

// Item is a time-bounded update published by a source (shop).
type Item struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"sourceId"`
	SourceName  string     `json:"sourceName"`
	Title       string     `json:"title"`
	Category    string     `json:"category"`
	Description string     `json:"description,omitempty"`
	Location    Coordinate `json:"location"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	IsActive    bool       `json:"isActive"`
}

// Eligible reports whether the item is active and not yet expired at now.
func (it Item) Eligible(now time.Time) bool {
	return it.IsActive && it.ExpiresAt.After(now)
}

// MatchedItem is an Item with its distance from a reference point.
type MatchedItem struct {
	Item
	DistanceKm float64 `json:"distanceKm"`
}

// Decision records that an item was cleared for notification.
type Decision struct {
	ItemID    string    `json:"itemId"`
	SourceID  string    `json:"sourceId"`
	DecidedAt time.Time `json:"decidedAt"`
}

// QueuedNotification is an entry of the server-side notification queue.
type QueuedNotification struct {
	ID         string `json:"id"`
	SourceID   string `json:"sourceId"`
	ItemID     string `json:"itemId"`
	SourceName string `json:"sourceName,omitempty"`
	Title      string `json:"title,omitempty"`
	Body       string `json:"body,omitempty"`
}

// SourceSet is a set of source IDs.
type SourceSet map[string]struct{}

// NewSourceSet builds a set from the given IDs.
func NewSourceSet(ids ...string) SourceSet {
	s := make(SourceSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s SourceSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Role is the account role chosen after verification.
type Role string

// Supported roles.
const (
	RoleShop     Role = "shop"
	RoleCustomer Role = "customer"
)

// ParseRole converts a string into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleShop, RoleCustomer:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Categories lists the shop categories an item can belong to.
var Categories = []string{"Grocery", "Clothing", "Electronics", "Medical", "Food", "Other"}

// IsCategory reports whether c is one of Categories.
func IsCategory(c string) bool {
	return slices.Contains(Categories, c)
}
