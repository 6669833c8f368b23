// Package occupancy derives per-track occupancy from train positions.
//
// Every function here is pure: the same tracks and trains always produce the
// same statuses, and the output is rebuilt from scratch on every call.
package occupancy

import (
	"math"

	"signalbox/internal/domain"
)

// Bands holds the two proximity radii, in the coordinate units of the feed.
type Bands struct {
	Near     float64
	Approach float64
}

// DefaultBands are the demo-scale radii used by the reference dashboard.
var DefaultBands = Bands{Near: 0.5, Approach: 1.0}

// Distance is plane Euclidean distance on raw (lat, lng).
func Distance(lat, lng float64, p domain.Point) float64 {
	return math.Hypot(lat-p[0], lng-p[1])
}

func within(t domain.Train, track domain.Track, radius float64) bool {
	return Distance(t.Lat, t.Lng, track.From) < radius || Distance(t.Lat, t.Lng, track.To) < radius
}

// Occupants returns the trains within the near band of either endpoint of
// track, in input order. Input order is the enumeration order conflicts and
// recommendations rely on.
func Occupants(track domain.Track, trains []domain.Train, near float64) []domain.Train {
	var out []domain.Train
	for _, t := range trains {
		if within(t, track, near) {
			out = append(out, t)
		}
	}
	return out
}

// Status classifies a single track.
func Status(track domain.Track, trains []domain.Train, b Bands) domain.TrackStatus {
	occupying := Occupants(track, trains, b.Near)
	switch {
	case len(occupying) == 0:
		return domain.TrackFree
	case len(occupying) >= 2:
		return domain.TrackOccupied
	}
	holder := occupying[0].ID
	for _, t := range trains {
		if t.ID == holder {
			continue
		}
		if within(t, track, b.Approach) {
			return domain.TrackSoonOccupied
		}
	}
	return domain.TrackOccupied
}

// Classify returns a copy of tracks with Status recomputed for the given
// trains. The input slice is not modified.
func Classify(tracks []domain.Track, trains []domain.Train, b Bands) []domain.Track {
	out := make([]domain.Track, len(tracks))
	for i, track := range tracks {
		track.Status = Status(track, trains, b)
		out[i] = track
	}
	return out
}

// Occupied counts tracks whose status is occupied.
func Occupied(tracks []domain.Track) int {
	n := 0
	for _, t := range tracks {
		if t.Status == domain.TrackOccupied {
			n++
		}
	}
	return n
}
