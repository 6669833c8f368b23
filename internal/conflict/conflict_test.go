package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbox/internal/domain"
	"signalbox/internal/occupancy"
)

var b1 = domain.Track{ID: "B1", From: domain.Point{0, 0}, To: domain.Point{1, 1}}

func trains(pos ...[3]any) []domain.Train {
	out := make([]domain.Train, len(pos))
	for i, p := range pos {
		out[i] = domain.Train{ID: p[0].(string), Lat: p[1].(float64), Lng: p[2].(float64)}
	}
	return out
}

func TestDetect_OverlapScenario(t *testing.T) {
	ts := trains([3]any{"T1", 0.0, 0.0}, [3]any{"T2", 0.01, 0.01})
	tracks := occupancy.Classify([]domain.Track{b1}, ts, occupancy.DefaultBands)

	got := Detect(tracks, ts, occupancy.DefaultBands, 7)

	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, "C-B1-7", c.ID)
	assert.Equal(t, "B1", c.Track)
	assert.Equal(t, []string{"T1", "T2"}, c.Trains)
	assert.Equal(t, domain.ConflictOverlap, c.Kind)
	assert.Equal(t, domain.PriorityHigh, c.Severity)
}

func TestDetect_SingleTrainNoConflict(t *testing.T) {
	ts := trains([3]any{"T1", 0.0, 0.0})
	got := Detect([]domain.Track{b1}, ts, occupancy.DefaultBands, 1)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestDetect_TrainsAreSubsetOfInput(t *testing.T) {
	ts := trains(
		[3]any{"T1", 0.0, 0.0},
		[3]any{"T2", 0.2, 0.2},
		[3]any{"T3", 1.0, 1.0},
		[3]any{"T4", 30.0, 30.0},
	)
	tracks := []domain.Track{b1, {ID: "B2", From: domain.Point{30, 30}, To: domain.Point{31, 31}}}
	got := Detect(tracks, ts, occupancy.DefaultBands, 1)

	input := map[string]bool{}
	for _, tr := range ts {
		input[tr.ID] = true
	}
	require.Len(t, got, 1)
	for _, c := range got {
		assert.GreaterOrEqual(t, len(c.Trains), 2)
		for _, id := range c.Trains {
			assert.True(t, input[id], "conflict lists unknown train %s", id)
		}
	}
	assert.Equal(t, []string{"T1", "T2", "T3"}, got[0].Trains)
}

func TestDetect_FreshIDPerTick(t *testing.T) {
	ts := trains([3]any{"T1", 0.0, 0.0}, [3]any{"T2", 0.0, 0.1})
	a := Detect([]domain.Track{b1}, ts, occupancy.DefaultBands, 1)
	b := Detect([]domain.Track{b1}, ts, occupancy.DefaultBands, 2)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotEqual(t, a[0].ID, b[0].ID)
	assert.Equal(t, a[0].Track, b[0].Track)
	assert.Equal(t, a[0].Trains, b[0].Trains)
}

func TestDetectWith_CustomRule(t *testing.T) {
	speeding := func(track domain.Track, occupying []domain.Train, tick int64) (domain.Conflict, bool) {
		for _, tr := range occupying {
			if track.SpeedLimit > 0 && tr.Speed > track.SpeedLimit {
				return domain.Conflict{ID: "S", Track: track.ID, Trains: []string{tr.ID}, Kind: domain.ConflictSpeed, Severity: domain.PriorityMedium, Tick: tick}, true
			}
		}
		return domain.Conflict{}, false
	}
	track := b1
	track.SpeedLimit = 60
	ts := []domain.Train{{ID: "T1", Speed: 90}}
	got := DetectWith([]Rule{Overlap, speeding}, []domain.Track{track}, ts, occupancy.DefaultBands, 3)
	require.Len(t, got, 1)
	assert.Equal(t, domain.ConflictSpeed, got[0].Kind)
}

func TestInvolving(t *testing.T) {
	cs := []domain.Conflict{{ID: "a", Trains: []string{"T1", "T2"}}, {ID: "b", Trains: []string{"T3", "T4"}}}
	got := Involving(cs, "T2")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}
