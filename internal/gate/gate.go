// Package gate decides which eligible items should fire a notification.
//
// The gate remembers the opt-in baseline, the items already notified and how
// many notifications each source produced today. Every decision is persisted
// item by item, so an interrupted batch leaves decided items deduplicated and
// undecided ones eligible for the next pass. Unreadable state is treated as
// empty: a wiped store causes at most one round of repeats, never silence.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"localbuzz/internal/kv"
	"localbuzz/internal/model"
)

// Defaults for the gate limits.
const (
	DefaultMaxPerSourcePerDay = 3
	DefaultCapacity           = 1000
)

// Gate serializes notification decisions for one consumer session.
type Gate struct {
	mu        sync.Mutex
	store     kv.Store
	log       *slog.Logger
	maxPerDay int
	capacity  int
	loc       *time.Location
}

// Status is a read-only view of the gate state.
type Status struct {
	OptedIn   bool       `json:"optedIn"`
	EnabledAt *time.Time `json:"enabledAt,omitempty"`
	Notified  int        `json:"notified"`
}

// New creates a Gate persisting its state in store.
func New(store kv.Store, log *slog.Logger) *Gate {
	return &Gate{
		store:     store,
		log:       log,
		maxPerDay: DefaultMaxPerSourcePerDay,
		capacity:  DefaultCapacity,
		loc:       time.Local,
	}
}

// SetMaxPerSourcePerDay overrides the daily per-source notification cap.
func (g *Gate) SetMaxPerSourcePerDay(n int) {
	g.maxPerDay = n
}

// SetCapacity overrides how many notified IDs are remembered.
func (g *Gate) SetCapacity(n int) {
	g.capacity = n
}

// SetLocation sets the time zone that defines a calendar day.
func (g *Gate) SetLocation(loc *time.Location) {
	g.loc = loc
}

// ShouldEvaluate reports whether the user opted in and a baseline exists.
func (g *Gate) ShouldEvaluate(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.baseline(ctx)
	return ok
}

// Status returns the current opt-in state.
func (g *Gate) Status(ctx context.Context) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		OptedIn:   g.loadOptIn(ctx),
		EnabledAt: g.loadEnabledAt(ctx),
		Notified:  g.loadIDs(ctx, keyNotifiedIDs).Len(),
	}
}

// OptIn enables notifications with now as the baseline. Items created at or
// before the baseline are never notified. Opting in again keeps the
// existing baseline.
func (g *Gate) OptIn(ctx context.Context, now time.Time) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if enabledAt, ok := g.baseline(ctx); ok {
		return Status{OptedIn: true, EnabledAt: &enabledAt, Notified: g.loadIDs(ctx, keyNotifiedIDs).Len()}, nil
	}

	if err := g.store.Set(ctx, keyEnabledAt, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return Status{}, fmt.Errorf("save enabled at: %w", err)
	}
	if err := g.store.Set(ctx, keyOptIn, "true"); err != nil {
		return Status{}, fmt.Errorf("save opt in: %w", err)
	}
	g.log.Info("notifications enabled", "enabled_at", now)

	enabledAt := now.UTC()
	return Status{OptedIn: true, EnabledAt: &enabledAt}, nil
}

// Reset clears all gate state. Used on opt-out and logout.
func (g *Gate) Reset(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.store.DeletePrefix(ctx, keyPrefix); err != nil {
		return fmt.Errorf("reset gate: %w", err)
	}
	g.log.Info("notifications disabled")
	return nil
}

// Deliver shows one notification. An item whose delivery fails is not
// recorded and stays eligible for the next pass.
type Deliver[T any] func(T) error

// Decide returns, in input order, the candidates that should be notified now
// and records each decision. A candidate is skipped when it was created at or
// before the baseline, was already notified, or its source reached the daily
// cap. Decide returns nothing when ShouldEvaluate is false.
//
// When deliver is non-nil it is called for each accepted candidate before the
// decision is recorded; a candidate whose delivery fails is neither recorded
// nor returned.
func (g *Gate) Decide(ctx context.Context, candidates []model.MatchedItem, now time.Time, deliver Deliver[model.MatchedItem]) []model.MatchedItem {
	g.mu.Lock()
	defer g.mu.Unlock()

	enabledAt, ok := g.baseline(ctx)
	if !ok {
		return nil
	}

	notified := g.loadIDs(ctx, keyNotifiedIDs)
	counts := g.loadCounts(ctx)
	day := g.day(now)

	var emitted []model.MatchedItem
	for _, c := range candidates {
		if !c.CreatedAt.After(enabledAt) || notified.Has(c.ID) {
			continue
		}
		if counts.get(c.SourceID, day) >= g.maxPerDay {
			g.log.Debug("source daily limit reached", "source_id", c.SourceID, "item_id", c.ID)
			continue
		}
		if deliver != nil && deliver(c) != nil {
			continue
		}
		g.record(ctx, notified, counts, c.ID, c.SourceID, day)
		emitted = append(emitted, c)
	}
	return emitted
}

// DecideQueued applies the gate to entries of the server-side queue. Entries
// are deduplicated by queue ID and by item ID, and the per-source daily cap
// applies. The baseline is not checked because the server owns eligibility.
//
// It returns the entries to display and the IDs to acknowledge: displayed
// entries and duplicates. Rate-limited entries and entries whose delivery
// failed are left unacknowledged so the server offers them again.
func (g *Gate) DecideQueued(ctx context.Context, queued []model.QueuedNotification, now time.Time, deliver Deliver[model.QueuedNotification]) (emit []model.QueuedNotification, ack []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.baseline(ctx); !ok {
		return nil, nil
	}

	seen := g.loadIDs(ctx, keyQueuedIDs)
	notified := g.loadIDs(ctx, keyNotifiedIDs)
	counts := g.loadCounts(ctx)
	day := g.day(now)

	for _, q := range queued {
		if seen.Has(q.ID) || notified.Has(q.ItemID) {
			ack = append(ack, q.ID)
			continue
		}
		if counts.get(q.SourceID, day) >= g.maxPerDay {
			g.log.Debug("source daily limit reached", "source_id", q.SourceID, "queue_id", q.ID)
			continue
		}
		if deliver != nil && deliver(q) != nil {
			continue
		}
		seen.Add(q.ID)
		g.writeJSON(ctx, keyQueuedIDs, seen.Slice())
		g.record(ctx, notified, counts, q.ItemID, q.SourceID, day)
		emit = append(emit, q)
		ack = append(ack, q.ID)
	}
	return emit, ack
}

// record marks itemID notified and counts it against the source, persisting
// both before the next candidate is looked at.
func (g *Gate) record(ctx context.Context, notified *idSet, counts dailyCounts, itemID, sourceID, day string) {
	notified.Add(itemID)
	g.writeJSON(ctx, keyNotifiedIDs, notified.Slice())
	counts.increment(sourceID, day)
	g.writeJSON(ctx, keyDailyCounts, counts)
}

func (g *Gate) baseline(ctx context.Context) (time.Time, bool) {
	if !g.loadOptIn(ctx) {
		return time.Time{}, false
	}
	enabledAt := g.loadEnabledAt(ctx)
	if enabledAt == nil {
		return time.Time{}, false
	}
	return *enabledAt, true
}

func (g *Gate) day(now time.Time) string {
	return now.In(g.loc).Format(time.DateOnly)
}
