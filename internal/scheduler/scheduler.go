// Package scheduler runs the periodic matching pass: locate, fetch, match,
// gate and notify.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"localbuzz/internal/dispatch"
	"localbuzz/internal/feed"
	"localbuzz/internal/gate"
	"localbuzz/internal/model"
)

// Source is the remote data service.
type Source interface {
	FetchEligibleItems(ctx context.Context, ref model.Coordinate) ([]model.Item, error)
	FetchFavoriteSourceIDs(ctx context.Context) (model.SourceSet, error)
	FetchQueuedNotifications(ctx context.Context) ([]model.QueuedNotification, error)
	Acknowledge(ctx context.Context, ids []string) error
}

// Locator supplies the reference coordinate of a pass.
type Locator interface {
	Current(ctx context.Context) (model.Coordinate, error)
}

// Permission reports whether notifications may be displayed.
type Permission interface {
	Granted() bool
}

// PassResult summarizes one matching pass.
type PassResult struct {
	Reference model.Coordinate `json:"reference"`
	Active    int              `json:"active"`
	Expanded  int              `json:"expanded"`
	Decisions []model.Decision `json:"decisions"`
	Queued    int              `json:"queued"`
}

// Scheduler periodically recomputes the active feed and sends notifications.
type Scheduler struct {
	source     Source
	gate       *gate.Gate
	locator    Locator
	permission Permission
	sender     dispatch.Sender
	log        *slog.Logger
	tick       time.Duration
	now        func() time.Time

	radiusKm      float64
	outerRadiusKm float64
	queueEnabled  bool
	linkBase      string

	mu     sync.RWMutex
	active []model.MatchedItem
}

// New creates a Scheduler with the default radii and a 30 second interval.
func New(source Source, g *gate.Gate, locator Locator, perm Permission, sender dispatch.Sender, log *slog.Logger) *Scheduler {
	return &Scheduler{
		source:        source,
		gate:          g,
		locator:       locator,
		permission:    perm,
		sender:        sender,
		log:           log,
		tick:          30 * time.Second,
		now:           time.Now,
		radiusKm:      feed.DefaultRadiusKm,
		outerRadiusKm: feed.DefaultOuterRadiusKm,
	}
}

// SetTickInterval overrides the default 30-second interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetRadii sets the primary feed radius and the favorite radius. It panics
// if outerKm < radiusKm.
func (s *Scheduler) SetRadii(radiusKm, outerKm float64) {
	if outerKm < radiusKm {
		panic(fmt.Sprintf("scheduler: favorite radius %v is smaller than feed radius %v", outerKm, radiusKm))
	}
	s.radiusKm = radiusKm
	s.outerRadiusKm = outerKm
}

// EnableQueue turns on polling of the server-side notification queue.
func (s *Scheduler) EnableQueue(enabled bool) {
	s.queueEnabled = enabled
}

// SetLinkBase sets the base URL of links attached to notifications.
func (s *Scheduler) SetLinkBase(u string) {
	s.linkBase = u
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runLogged(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	res, err := s.RunPass(ctx)
	if err != nil {
		s.log.Error("matching pass", "error", err)
		return
	}
	s.log.Debug("matching pass", "active", res.Active, "expanded", res.Expanded,
		"notified", len(res.Decisions), "queued", res.Queued)
}

// Active returns a copy of the active feed computed by the last pass.
func (s *Scheduler) Active() []model.MatchedItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.active)
}

// Feed fetches items around ref and returns the primary feed, optionally
// restricted to category. It does not notify.
func (s *Scheduler) Feed(ctx context.Context, ref model.Coordinate, radiusKm float64, category string) ([]model.MatchedItem, error) {
	if radiusKm <= 0 {
		radiusKm = s.radiusKm
	}
	items, err := s.source.FetchEligibleItems(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch items: %w", err)
	}
	return feed.MatchAt(items, ref, radiusKm, category, s.now()), nil
}

// RunPass performs one matching pass. Overlapping passes are safe: the gate
// deduplicates their decisions.
func (s *Scheduler) RunPass(ctx context.Context) (PassResult, error) {
	var res PassResult

	ref, err := s.locator.Current(ctx)
	if err != nil {
		s.setActive(nil)
		return res, fmt.Errorf("locate: %w", err)
	}
	res.Reference = ref

	items, err := s.source.FetchEligibleItems(ctx, ref)
	if err != nil {
		s.setActive(nil)
		return res, fmt.Errorf("fetch items: %w", err)
	}

	favorites, err := s.source.FetchFavoriteSourceIDs(ctx)
	if err != nil {
		s.log.Warn("fetch favorites", "error", err)
		favorites = nil
	}

	now := s.now()
	matched := feed.MatchAt(items, ref, s.radiusKm, "", now)
	expanded := feed.ExpandAt(items, ref, favorites, s.radiusKm, s.outerRadiusKm, now)
	s.setActive(matched)
	res.Active = len(matched)
	res.Expanded = len(expanded)

	if !s.permission.Granted() || !s.gate.ShouldEvaluate(ctx) {
		return res, nil
	}

	candidates := make([]model.MatchedItem, 0, len(matched)+len(expanded))
	candidates = append(candidates, matched...)
	candidates = append(candidates, expanded...)

	deliver := func(item model.MatchedItem) error {
		if err := s.sender.Notify(ctx, dispatch.ForItem(item, s.linkBase)); err != nil {
			s.log.Error("send notification", "item_id", item.ID, "source_id", item.SourceID, "error", err)
			return err
		}
		return nil
	}
	for _, item := range s.gate.Decide(ctx, candidates, now, deliver) {
		res.Decisions = append(res.Decisions, model.Decision{ItemID: item.ID, SourceID: item.SourceID, DecidedAt: now})
	}
	if len(res.Decisions) > 0 {
		s.log.Info("sent notifications", "count", len(res.Decisions))
	}

	if s.queueEnabled {
		res.Queued = s.processQueue(ctx, now)
	}
	return res, nil
}

// processQueue shows entries of the server-side queue and acknowledges the
// ones handled. It returns the number of entries shown.
func (s *Scheduler) processQueue(ctx context.Context, now time.Time) int {
	queued, err := s.source.FetchQueuedNotifications(ctx)
	if err != nil {
		s.log.Error("fetch notification queue", "error", err)
		return 0
	}

	emit, ack := s.gate.DecideQueued(ctx, queued, now, func(q model.QueuedNotification) error {
		if err := s.sender.Notify(ctx, dispatch.ForQueued(q, s.linkBase)); err != nil {
			s.log.Error("send queued notification", "queue_id", q.ID, "error", err)
			return err
		}
		return nil
	})

	if err := s.source.Acknowledge(ctx, ack); err != nil {
		s.log.Error("acknowledge notifications", "count", len(ack), "error", err)
	}
	return len(emit)
}

func (s *Scheduler) setActive(items []model.MatchedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = items
}
