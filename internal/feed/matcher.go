// Package feed selects the items relevant to a reference point.
//
// MatchAt produces the primary feed: eligible items within a radius, nearest
// first. ExpandAt produces the extra candidates from favorited sources that lie
// in the ring between the primary radius and a wider one. The two results
// never overlap, so callers may concatenate them without deduplicating.
package feed

import (
	"fmt"
	"slices"
	"time"

	"localbuzz/internal/geo"
	"localbuzz/internal/model"
)

// Default radii in kilometers.
const (
	DefaultRadiusKm      = 3.0
	DefaultOuterRadiusKm = 10.0
)

// MatchAt returns the items eligible at now that lie within radiusKm of ref.
// An empty category matches every category.
func MatchAt(items []model.Item, ref model.Coordinate, radiusKm float64, category string, now time.Time) []model.MatchedItem {
	matched := make([]model.MatchedItem, 0)
	for _, item := range items {
		if !item.Eligible(now) {
			continue
		}
		d := geo.Distance(ref, item.Location)
		if !(d <= radiusKm) {
			continue
		}
		if category != "" && item.Category != category {
			continue
		}
		matched = append(matched, model.MatchedItem{Item: item, DistanceKm: d})
	}
	sortByDistance(matched)
	return matched
}

// ExpandAt returns the items of favorite sources eligible at now whose
// distance d from ref satisfies innerKm < d <= outerKm. It panics if
// outerKm < innerKm.
func ExpandAt(items []model.Item, ref model.Coordinate, favorites model.SourceSet, innerKm, outerKm float64, now time.Time) []model.MatchedItem {
	if outerKm < innerKm {
		panic(fmt.Sprintf("feed: outer radius %v is smaller than inner radius %v", outerKm, innerKm))
	}
	matched := make([]model.MatchedItem, 0)
	if len(favorites) == 0 {
		return matched
	}
	for _, item := range items {
		if !favorites.Has(item.SourceID) || !item.Eligible(now) {
			continue
		}
		d := geo.Distance(ref, item.Location)
		if !(d > innerKm && d <= outerKm) {
			continue
		}
		matched = append(matched, model.MatchedItem{Item: item, DistanceKm: d})
	}
	sortByDistance(matched)
	return matched
}

// sortByDistance orders nearest first, newest first among equal distances.
func sortByDistance(items []model.MatchedItem) {
	slices.SortStableFunc(items, func(a, b model.MatchedItem) int {
		switch {
		case a.DistanceKm < b.DistanceKm:
			return -1
		case a.DistanceKm > b.DistanceKm:
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
