package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signalbox/internal/domain"
)

// SimOptions tunes the simulated world.
type SimOptions struct {
	// Step is the fraction of a route segment covered per tick by a running
	// train. Zero means 1, one waypoint per tick.
	Step float64
	// Tick is the wall time one Latest call represents; it drives delay
	// accounting for trains held off their schedule.
	Tick time.Duration
}

type simTrain struct {
	train    domain.Train
	route    []domain.Point
	loop     bool
	seg      int
	progress float64
	moving   bool
	reverse  bool
}

// Sim is an in-process world: each train walks its route of waypoints,
// interpolating between them. Every Latest call advances the world one tick.
type Sim struct {
	opts SimOptions

	mu     sync.Mutex
	trains []*simTrain
	byID   map[string]*simTrain
}

func NewSim(opts SimOptions) *Sim {
	if opts.Step <= 0 || opts.Step > 1 {
		opts.Step = 1
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Sim{opts: opts, byID: make(map[string]*simTrain)}
}

// Add places a train at the first waypoint of route. A route with a single
// waypoint parks the train there.
func (s *Sim) Add(t domain.Train, route []domain.Point, loop bool) error {
	if t.ID == "" {
		return domain.ValidationError{Field: "id", Message: "required"}
	}
	if len(route) == 0 {
		return domain.ValidationError{Field: "route", Message: "at least one waypoint required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; ok {
		return domain.ValidationError{Field: "id", Message: fmt.Sprintf("train %s already exists", t.ID)}
	}
	st := &simTrain{
		train:  t,
		route:  append([]domain.Point(nil), route...),
		loop:   loop,
		moving: t.Status != domain.TrainStopped && t.Status != domain.TrainEmergency,
	}
	if st.train.Status == "" {
		st.train.Status = domain.TrainRunning
	}
	if st.train.Priority == "" {
		st.train.Priority = domain.PriorityMedium
	}
	st.place()
	s.trains = append(s.trains, st)
	s.byID[t.ID] = st
	return nil
}

func (s *Sim) SetMoving(id string, moving bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byID[id]
	if !ok {
		return domain.NotFound("train", id)
	}
	st.moving = moving
	return nil
}

func (s *Sim) SetSpeed(id string, speed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byID[id]
	if !ok {
		return domain.NotFound("train", id)
	}
	st.train.Speed = speed
	return nil
}

// Latest advances every moving train by one step and reports all trains in
// the order they were added.
func (s *Sim) Latest(ctx context.Context) ([]domain.Train, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Train, 0, len(s.trains))
	for _, st := range s.trains {
		if st.moving {
			st.advance(s.opts.Step)
			st.train.Status = domain.TrainRunning
			if st.train.DelayMin > 0 {
				st.train.DelayMin = max(0, st.train.DelayMin-0.5*s.opts.Tick.Minutes())
			}
		} else {
			st.train.DelayMin += s.opts.Tick.Minutes()
			if st.train.Status == domain.TrainRunning {
				st.train.Status = domain.TrainStopped
			}
		}
		t := st.train
		if !st.moving {
			t.Speed = 0
		}
		out = append(out, t)
	}
	return out, nil
}

func (st *simTrain) advance(step float64) {
	last := len(st.route) - 1
	if last == 0 {
		return
	}
	st.progress += step
	for st.progress >= 1 {
		st.progress -= 1
		st.seg++
		if st.seg >= last {
			if !st.loop {
				st.seg, st.progress = last, 0
				break
			}
			// Walk the route back the other way.
			st.seg = 0
			st.reverse = !st.reverse
		}
	}
	st.place()
}

func (st *simTrain) place() {
	last := len(st.route) - 1
	if st.seg >= last {
		p := st.waypoint(last)
		st.train.Lat, st.train.Lng = p[0], p[1]
		st.train.NextSection = ""
		return
	}
	a, b := st.waypoint(st.seg), st.waypoint(st.seg+1)
	st.train.Lat, st.train.Lng = linearInterpolate(a[0], a[1], b[0], b[1], st.progress)
	st.train.NextSection = fmt.Sprintf("wp%d", st.seg+1)
}

func (st *simTrain) waypoint(i int) domain.Point {
	if st.reverse {
		return st.route[len(st.route)-1-i]
	}
	return st.route[i]
}

func linearInterpolate(lat1, lng1, lat2, lng2, progress float64) (lat, lng float64) {
	lat = lat1 + (lat2-lat1)*progress
	lng = lng1 + (lng2-lng1)*progress
	return lat, lng
}
