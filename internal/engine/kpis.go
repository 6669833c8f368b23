package engine

import (
	"math"

	"signalbox/internal/domain"
)

// ComputeKPIs derives the dashboard indicators from one tick's state. Every
// indicator degrades linearly with the number of active conflicts and is
// clamped to a floor.
func ComputeKPIs(trains []domain.Train, tracks []domain.Track, conflicts []domain.Conflict) domain.KPIs {
	c := float64(len(conflicts))
	k := domain.KPIs{
		Punctuality:     round(math.Max(0.7, 0.95-0.05*c), 2),
		AvgDelayMin:     round(2.1+1.8*c, 1),
		Throughput:      round(math.Max(8, 22-2.5*c), 1),
		ActiveConflicts: len(conflicts),
		SafetyScore:     round(math.Max(0.6, 1-0.15*c), 2),
		EfficiencyScore: round(math.Max(0.5, 1-0.1*c), 2),
	}
	if delay, ok := meanDelay(trains); ok {
		k.AvgDelayMin = round(delay, 1)
	}
	if len(tracks) > 0 {
		inUse := 0
		for _, t := range tracks {
			if t.Status != domain.TrackFree {
				inUse++
			}
		}
		k.Utilization = round(float64(inUse)/float64(len(tracks)), 2)
	}
	return k
}

// meanDelay averages train delays, reporting ok only when at least one train
// carries a non-zero delay.
func meanDelay(trains []domain.Train) (float64, bool) {
	if len(trains) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, t := range trains {
		sum += t.DelayMin
	}
	if sum == 0 {
		return 0, false
	}
	return sum / float64(len(trains)), true
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
