package advisory_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbox/internal/advisory"
	"signalbox/internal/conflict"
	"signalbox/internal/domain"
	"signalbox/internal/occupancy"
)

var (
	b1  = domain.Track{ID: "B1", From: domain.Point{0, 0}, To: domain.Point{1, 1}}
	now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func TestAdvise_HoldsSecondTrain(t *testing.T) {
	ts := []domain.Train{{ID: "T1"}, {ID: "T2"}, {ID: "T3"}}
	cs := []domain.Conflict{{ID: "C-B1-1", Track: "B1", Trains: []string{"T3", "T1", "T2"}, Kind: domain.ConflictOverlap, Severity: domain.PriorityHigh}}

	recs := advisory.Advise(cs, ts, now)

	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, "R-C-B1-1", r.ID)
	assert.Equal(t, "C-B1-1", r.ConflictID)
	assert.Equal(t, domain.ActionHold, r.Action)
	assert.Equal(t, "T1", r.Train)
	assert.Contains(t, r.Reason, "T3")
	assert.Contains(t, r.Reason, "B1")
	assert.Equal(t, domain.PriorityHigh, r.Priority)
}

func TestAdvise_OnePerConflict(t *testing.T) {
	ts := []domain.Train{{ID: "A"}, {ID: "B"}, {ID: "C"}, {ID: "D"}}
	cs := []domain.Conflict{
		{ID: "c1", Track: "B1", Trains: []string{"A", "B"}, Kind: domain.ConflictOverlap, Severity: domain.PriorityHigh},
		{ID: "c2", Track: "B2", Trains: []string{"C", "D"}, Kind: domain.ConflictOverlap, Severity: domain.PriorityHigh},
	}
	recs := advisory.Advise(cs, ts, now)
	require.Len(t, recs, 2)
	for i, c := range cs {
		assert.Equal(t, c.ID, recs[i].ConflictID)
		assert.Equal(t, c.Trains[1], recs[i].Train)
	}
}

func TestAdvise_SkipsOtherKinds(t *testing.T) {
	ts := []domain.Train{{ID: "A"}, {ID: "B"}}
	cs := []domain.Conflict{
		{ID: "s", Track: "B1", Trains: []string{"A"}, Kind: domain.ConflictSpeed, Severity: domain.PriorityMedium},
		{ID: "x", Track: "B1", Trains: []string{"A", "B"}, Kind: domain.ConflictCollision, Severity: domain.PriorityHigh},
		{ID: "o", Track: "B1", Trains: []string{"A"}, Kind: domain.ConflictOverlap, Severity: domain.PriorityHigh},
	}
	assert.Empty(t, advisory.Advise(cs, ts, now))
}

func TestAdvise_SkipsUnknownTrains(t *testing.T) {
	cs := []domain.Conflict{{ID: "c", Track: "B1", Trains: []string{"A", "GHOST"}, Kind: domain.ConflictOverlap, Severity: domain.PriorityHigh}}
	assert.Empty(t, advisory.Advise(cs, []domain.Train{{ID: "A"}}, now))
}

func TestTop(t *testing.T) {
	_, ok := advisory.Top(nil)
	assert.False(t, ok)

	recs := []domain.Recommendation{{ID: "a", Priority: domain.PriorityLow}, {ID: "b", Priority: domain.PriorityHigh}, {ID: "c", Priority: domain.PriorityHigh}}
	top, ok := advisory.Top(recs)
	require.True(t, ok)
	assert.Equal(t, "b", top.ID)
}

type pipeline struct {
	Tracks          []domain.Track          `json:"tracks"`
	Conflicts       []domain.Conflict       `json:"conflicts"`
	Recommendations []domain.Recommendation `json:"recommendations"`
}

func runPipeline(ts []domain.Train) pipeline {
	tracks := occupancy.Classify([]domain.Track{b1}, ts, occupancy.DefaultBands)
	cs := conflict.Detect(tracks, ts, occupancy.DefaultBands, 1)
	return pipeline{Tracks: tracks, Conflicts: cs, Recommendations: advisory.Advise(cs, ts, now)}
}

func assertGolden(t *testing.T, name string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, append(data, '\n'))
}

func TestPipeline_OverlapScenario(t *testing.T) {
	out := runPipeline([]domain.Train{
		{ID: "T1", Lat: 0, Lng: 0},
		{ID: "T2", Lat: 0.01, Lng: 0.01},
	})
	assertGolden(t, "overlap_scenario", out)
}

func TestPipeline_SingleTrainScenario(t *testing.T) {
	out := runPipeline([]domain.Train{{ID: "T1", Lat: 0, Lng: 0}})
	assert.Equal(t, domain.TrackOccupied, out.Tracks[0].Status)
	assert.Empty(t, out.Conflicts)
	assert.Empty(t, out.Recommendations)
}
