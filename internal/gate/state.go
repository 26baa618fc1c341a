package gate

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"localbuzz/internal/kv"
)

const keyPrefix = kv.Namespace + "notifications."

// Persisted keys, one per piece of gate state.
const (
	keyOptIn       = keyPrefix + "opt_in"
	keyEnabledAt   = keyPrefix + "enabled_at"
	keyNotifiedIDs = keyPrefix + "notified_item_ids"
	keyQueuedIDs   = keyPrefix + "notified_queue_ids"
	keyDailyCounts = keyPrefix + "source_daily_counts"
)

// dailyCounts maps source ID to calendar day to notifications sent.
type dailyCounts map[string]map[string]int

func (c dailyCounts) get(sourceID, day string) int {
	return c[sourceID][day]
}

// increment bumps the counter for (sourceID, day) after dropping every entry
// recorded for another day.
func (c dailyCounts) increment(sourceID, day string) {
	for src, days := range c {
		for d := range days {
			if d != day {
				delete(days, d)
			}
		}
		if len(days) == 0 {
			delete(c, src)
		}
	}
	if c[sourceID] == nil {
		c[sourceID] = make(map[string]int)
	}
	c[sourceID][day]++
}

// read returns the raw value for key. Store errors are logged and reported
// as a missing value.
func (g *Gate) read(ctx context.Context, key string) (string, bool) {
	v, ok, err := g.store.Get(ctx, key)
	if err != nil {
		g.log.Warn("read gate state", "key", key, "error", err)
		return "", false
	}
	return v, ok
}

func (g *Gate) write(ctx context.Context, key, value string) {
	if err := g.store.Set(ctx, key, value); err != nil {
		g.log.Warn("write gate state", "key", key, "error", err)
	}
}

func (g *Gate) writeJSON(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.log.Warn("encode gate state", "key", key, "error", err)
		return
	}
	g.write(ctx, key, string(data))
}

func (g *Gate) loadOptIn(ctx context.Context) bool {
	v, ok := g.read(ctx, keyOptIn)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		g.log.Warn("corrupt gate state, using default", "key", keyOptIn, "error", err)
		return false
	}
	return b
}

func (g *Gate) loadEnabledAt(ctx context.Context) *time.Time {
	v, ok := g.read(ctx, keyEnabledAt)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		g.log.Warn("corrupt gate state, using default", "key", keyEnabledAt, "error", err)
		return nil
	}
	return &t
}

func (g *Gate) loadIDs(ctx context.Context, key string) *idSet {
	var ids []string
	if v, ok := g.read(ctx, key); ok {
		if err := json.Unmarshal([]byte(v), &ids); err != nil {
			g.log.Warn("corrupt gate state, using default", "key", key, "error", err)
			ids = nil
		}
	}
	return newIDSet(ids, g.capacity)
}

func (g *Gate) loadCounts(ctx context.Context) dailyCounts {
	counts := make(dailyCounts)
	v, ok := g.read(ctx, keyDailyCounts)
	if !ok {
		return counts
	}
	if err := json.Unmarshal([]byte(v), &counts); err != nil || counts == nil {
		g.log.Warn("corrupt gate state, using default", "key", keyDailyCounts, "error", err)
		return make(dailyCounts)
	}
	return counts
}
