// Package engine runs the tick loop: it pulls positions from the feed,
// derives occupancy, conflicts and advice, drives the approval workflow and
// publishes one snapshot per tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"signalbox/internal/advisory"
	"signalbox/internal/conflict"
	"signalbox/internal/domain"
	"signalbox/internal/feed"
	"signalbox/internal/occupancy"
	"signalbox/internal/workflow"
)

// Publisher receives every snapshot the engine produces. Publish must not
// block.
type Publisher interface {
	Publish(s domain.Snapshot)
}

type Options struct {
	Tracks     []domain.Track
	Bands      occupancy.Bands
	Tick       time.Duration
	MaxSpeed   float64
	Feed       feed.Source
	Workflow   *workflow.Workflow
	Publishers []Publisher
	Logger     *log.Logger
	Now        func() time.Time
}

// override is operator-imposed state layered over the feed's view of a train.
type override struct {
	held      bool
	stopped   bool
	emergency bool
	speed     *float64
}

func (o override) zero() bool {
	return !o.held && !o.stopped && !o.emergency && o.speed == nil
}

type Engine struct {
	opts Options

	// tickMu serializes ticks and guards the state only a tick touches.
	tickMu    sync.Mutex
	overrides map[string]override
	auditSeq  int64

	mu       sync.Mutex
	tick     int64
	last     *domain.Snapshot
	lastTick time.Time
	failed   int64
	known    map[string]domain.Train
	pending  []command
}

func New(opts Options) (*Engine, error) {
	if opts.Feed == nil {
		return nil, errors.New("engine: feed is required")
	}
	if opts.Workflow == nil {
		return nil, errors.New("engine: workflow is required")
	}
	if opts.Bands == (occupancy.Bands{}) {
		opts.Bands = occupancy.DefaultBands
	}
	if opts.Bands.Approach <= opts.Bands.Near {
		return nil, fmt.Errorf("engine: approach radius %v must exceed near radius %v", opts.Bands.Approach, opts.Bands.Near)
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.MaxSpeed <= 0 {
		opts.MaxSpeed = 200
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opts:      opts,
		known:     make(map[string]domain.Train),
		overrides: make(map[string]override),
		auditSeq:  opts.Workflow.LastSeq(),
	}, nil
}

func (e *Engine) now() time.Time {
	return e.opts.Now().UTC()
}

// Run ticks until ctx is done. The first tick runs immediately.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Tick)
	defer ticker.Stop()
	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.opts.Logger.Printf("engine: tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one full cycle. A panic inside the cycle is recovered and
// reported as an error; tickets committed before it are kept.
func (e *Engine) Tick(ctx context.Context) (err error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.failed++
			e.mu.Unlock()
			err = fmt.Errorf("engine: panic in tick: %v", r)
			e.opts.Logger.Printf("%v\n%s", err, debug.Stack())
		}
	}()
	return e.tickLocked(ctx)
}

func (e *Engine) tickLocked(ctx context.Context) error {
	now := e.now()
	e.drainLocked()

	fctx, cancel := context.WithTimeout(ctx, e.opts.Tick)
	raw, err := e.opts.Feed.Latest(fctx)
	cancel()
	if err != nil {
		e.mu.Lock()
		e.failed++
		e.mu.Unlock()
		e.republishStaleLocked()
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	trains := make([]domain.Train, len(raw))
	copy(trains, raw)
	known := make(map[string]domain.Train, len(trains))
	for _, t := range trains {
		known[t.ID] = t
	}
	e.mu.Lock()
	e.tick++
	tick := e.tick
	e.known = known
	e.mu.Unlock()
	wf := e.opts.Workflow
	e.applyResolvedLocked(wf.TakeResolved())
	e.applyOverridesLocked(trains)

	tracks := occupancy.Classify(e.opts.Tracks, trains, e.opts.Bands)
	conflicts := conflict.Detect(tracks, trains, e.opts.Bands, tick)
	recs := e.withoutApplied(advisory.Advise(conflicts, trains, now))

	for _, rec := range recs {
		wf.Create(rec)
	}
	wf.ExpireStale(now)

	snap := domain.Snapshot{
		Tick:            tick,
		TS:              now,
		Positions:       trains,
		Tracks:          tracks,
		Conflicts:       conflicts,
		Recommendations: recs,
		Tickets:         wf.Pending(),
		Audit:           wf.AuditSince(e.auditSeq),
		KPIs:            ComputeKPIs(trains, tracks, conflicts),
	}
	if len(snap.Audit) > 0 {
		e.auditSeq = snap.Audit[len(snap.Audit)-1].Seq
	}
	e.mu.Lock()
	e.last = &snap
	e.lastTick = now
	e.mu.Unlock()
	e.publish(snap)
	return nil
}

// republishStaleLocked re-sends the previous snapshot unchanged apart from the
// stale flag. Audit written meanwhile goes out with the next good tick.
func (e *Engine) republishStaleLocked() {
	e.mu.Lock()
	if e.last == nil {
		e.mu.Unlock()
		return
	}
	stale := *e.last
	e.mu.Unlock()

	stale.Stale = true
	e.mu.Lock()
	e.last = &stale
	e.mu.Unlock()
	e.publish(stale)
}

func (e *Engine) publish(s domain.Snapshot) {
	for _, p := range e.opts.Publishers {
		p.Publish(s)
	}
}

func (e *Engine) applyOverridesLocked(trains []domain.Train) {
	for i := range trains {
		o, ok := e.overrides[trains[i].ID]
		if !ok {
			continue
		}
		t := &trains[i]
		switch {
		case o.emergency:
			t.Speed = 0
			t.Status = domain.TrainEmergency
		case o.held || o.stopped:
			t.Speed = 0
			t.Status = domain.TrainStopped
		case o.speed != nil:
			t.Speed = *o.speed
		}
	}
}

// applyResolvedLocked turns effective tickets into train overrides and marks
// them applied. It runs before advice so a hold taking effect this tick is
// not advised again.
func (e *Engine) applyResolvedLocked(resolved []domain.Ticket) {
	for _, t := range resolved {
		if !t.Status.Effective() || t.Applied {
			continue
		}
		rec := t.Recommendation
		payload := map[string]any{"train": rec.Train, "action": string(rec.Action)}
		switch rec.Action {
		case domain.ActionHold:
			if _, ok := e.trainKnown(rec.Train); !ok {
				payload["skipped"] = "train not in feed"
				break
			}
			o := e.overrides[rec.Train]
			o.held = true
			e.overrides[rec.Train] = o
			e.steer(rec.Train, false)
			payload["speed"] = 0
		default:
			payload["skipped"] = "no effect for action"
		}
		if _, err := e.opts.Workflow.MarkApplied(t.ID, payload); err != nil {
			e.opts.Logger.Printf("engine: mark ticket %s applied: %v", t.ID, err)
		}
	}
}

// withoutApplied drops hold advice for trains already held.
func (e *Engine) withoutApplied(recs []domain.Recommendation) []domain.Recommendation {
	out := recs[:0]
	for _, r := range recs {
		if r.Action == domain.ActionHold && e.overrides[r.Train].held {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (e *Engine) steer(trainID string, moving bool) {
	s, ok := e.opts.Feed.(feed.Steerer)
	if !ok {
		return
	}
	if err := s.SetMoving(trainID, moving); err != nil {
		e.opts.Logger.Printf("engine: steer %s: %v", trainID, err)
	}
}

// Snapshot returns the latest published snapshot.
func (e *Engine) Snapshot() (domain.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return domain.Snapshot{}, false
	}
	return *e.last, true
}

// LastTick is the time of the last successful tick; zero before the first.
func (e *Engine) LastTick() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTick
}

type Status struct {
	Tick            int64     `json:"tick"`
	LastTick        time.Time `json:"last_tick" format:"date-time"`
	TickInterval    string    `json:"tick_interval"`
	FailedTicks     int64     `json:"failed_ticks"`
	Stale           bool      `json:"stale"`
	Trains          int       `json:"trains"`
	RunningTrains   int       `json:"running_trains"`
	Tracks          int       `json:"tracks"`
	OccupiedTracks  int       `json:"occupied_tracks"`
	ActiveConflicts int       `json:"active_conflicts"`
	LiveTickets     int       `json:"live_tickets"`
	PendingCommands int       `json:"pending_commands"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Tick:            e.tick,
		LastTick:        e.lastTick,
		TickInterval:    e.opts.Tick.String(),
		FailedTicks:     e.failed,
		Tracks:          len(e.opts.Tracks),
		LiveTickets:     e.opts.Workflow.LiveCount(),
		PendingCommands: len(e.pending),
	}
	if e.last != nil {
		st.Stale = e.last.Stale
		st.Trains = len(e.last.Positions)
		for _, t := range e.last.Positions {
			if t.Status == domain.TrainRunning {
				st.RunningTrains++
			}
		}
		st.OccupiedTracks = occupancy.Occupied(e.last.Tracks)
		st.ActiveConflicts = len(e.last.Conflicts)
	}
	return st
}

// ActiveRecommendation is the highest-priority recommendation of the latest
// tick.
func (e *Engine) ActiveRecommendation() (domain.Recommendation, bool) {
	s, ok := e.Snapshot()
	if !ok {
		return domain.Recommendation{}, false
	}
	return advisory.Top(s.Recommendations)
}
