// Package conflict turns classified tracks into structured conflicts.
//
// Only multi-occupancy overlaps are detected. The speed and collision kinds
// exist in the data model for future rules; a new rule is a Rule func added
// to the slice passed to DetectWith.
package conflict

import (
	"fmt"

	"signalbox/internal/domain"
	"signalbox/internal/occupancy"
)

// Rule inspects one track and its occupying trains and reports at most one
// conflict for it.
type Rule func(track domain.Track, occupying []domain.Train, tick int64) (domain.Conflict, bool)

// DefaultRules is the baseline rule set.
var DefaultRules = []Rule{Overlap}

// ID mints the identifier of a conflict on track at tick. The track part is
// stable across ticks, the tick part makes it unique per detection.
func ID(track string, tick int64) string {
	return fmt.Sprintf("C-%s-%d", track, tick)
}

// Overlap reports two or more trains in the near band of the same track.
func Overlap(track domain.Track, occupying []domain.Train, tick int64) (domain.Conflict, bool) {
	if len(occupying) < 2 {
		return domain.Conflict{}, false
	}
	ids := make([]string, len(occupying))
	for i, t := range occupying {
		ids[i] = t.ID
	}
	return domain.Conflict{
		ID:       ID(track.ID, tick),
		Track:    track.ID,
		Trains:   ids,
		Kind:     domain.ConflictOverlap,
		Severity: domain.PriorityHigh,
		Tick:     tick,
	}, true
}

// Detect runs DefaultRules over every track.
func Detect(tracks []domain.Track, trains []domain.Train, b occupancy.Bands, tick int64) []domain.Conflict {
	return DetectWith(DefaultRules, tracks, trains, b, tick)
}

// DetectWith runs rules over every track in track order. Trains in each
// conflict keep the input train order.
func DetectWith(rules []Rule, tracks []domain.Track, trains []domain.Train, b occupancy.Bands, tick int64) []domain.Conflict {
	out := []domain.Conflict{}
	for _, track := range tracks {
		occupying := occupancy.Occupants(track, trains, b.Near)
		for _, rule := range rules {
			if c, ok := rule(track, occupying, tick); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// Involving returns the conflicts that list trainID.
func Involving(conflicts []domain.Conflict, trainID string) []domain.Conflict {
	var out []domain.Conflict
	for _, c := range conflicts {
		for _, id := range c.Trains {
			if id == trainID {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
