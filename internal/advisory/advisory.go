// Package advisory maps conflicts to suggested control actions.
//
// The policy is a simple greedy rule, not a search: for every overlap, hold
// the second train the detector enumerated and let the first one clear the
// block.
package advisory

import (
	"fmt"
	"time"

	"signalbox/internal/domain"
)

// ID mints the recommendation identifier for a conflict.
func ID(conflictID string) string {
	return "R-" + conflictID
}

// Advise returns one recommendation per overlap conflict with at least two
// trains, in conflict order. Other kinds produce no advice, and neither does a
// conflict naming a train absent from trains.
func Advise(conflicts []domain.Conflict, trains []domain.Train, now time.Time) []domain.Recommendation {
	known := make(map[string]struct{}, len(trains))
	for _, t := range trains {
		known[t.ID] = struct{}{}
	}
	out := []domain.Recommendation{}
	for _, c := range conflicts {
		if c.Kind != domain.ConflictOverlap || len(c.Trains) < 2 {
			continue
		}
		if !allKnown(known, c.Trains) {
			continue
		}
		first, hold := c.Trains[0], c.Trains[1]
		out = append(out, domain.Recommendation{
			ID:         ID(c.ID),
			ConflictID: c.ID,
			Track:      c.Track,
			Action:     domain.ActionHold,
			Train:      hold,
			Reason:     fmt.Sprintf("Block %s occupied by %s; hold %s", c.Track, first, hold),
			Priority:   c.Severity,
			CreatedAt:  now,
		})
	}
	return out
}

// Top returns the highest-priority recommendation, first one winning ties.
func Top(recs []domain.Recommendation) (domain.Recommendation, bool) {
	if len(recs) == 0 {
		return domain.Recommendation{}, false
	}
	best := recs[0]
	for _, r := range recs[1:] {
		if r.Priority.Rank() > best.Priority.Rank() {
			best = r
		}
	}
	return best, true
}

func allKnown(known map[string]struct{}, ids []string) bool {
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return false
		}
	}
	return true
}
