package engine

import (
	"fmt"

	"signalbox/internal/domain"
	"signalbox/internal/feed"
)

type ControlAction string

const (
	ControlStart    ControlAction = "start"
	ControlStop     ControlAction = "stop"
	ControlSetSpeed ControlAction = "set_speed"
)

// ControlCommand is an operator instruction for one train.
type ControlCommand struct {
	TrainID string
	Action  ControlAction
	Value   float64
}

type EventType string

const (
	EventAddTrain      EventType = "add_train"
	EventEmergencyStop EventType = "emergency_stop"
)

type NewTrain struct {
	ID       string
	Name     string
	Priority domain.Priority
	Speed    float64
	MaxSpeed float64
	Route    []domain.Point
	Loop     bool
}

// SimEvent is an injected world event. TrainID narrows an emergency stop to
// one train; empty stops every train.
type SimEvent struct {
	Type    EventType
	TrainID string
	Train   *NewTrain
}

type command struct {
	actor   string
	control *ControlCommand
	event   *SimEvent
}

func (e *Engine) trainKnown(id string) (domain.Train, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.known[id]
	return t, ok
}

// Control validates cmd and queues it for the next tick boundary.
func (e *Engine) Control(actor string, cmd ControlCommand) error {
	train, ok := e.trainKnown(cmd.TrainID)
	if !ok {
		return domain.NotFound("train", cmd.TrainID)
	}
	switch cmd.Action {
	case ControlStart, ControlStop:
	case ControlSetSpeed:
		if cmd.Value < 0 || cmd.Value > e.opts.MaxSpeed {
			return domain.ValidationError{Field: "value", Message: fmt.Sprintf("speed must be within [0, %g]", e.opts.MaxSpeed)}
		}
		if train.MaxSpeed > 0 && cmd.Value > train.MaxSpeed {
			return domain.ValidationError{Field: "value", Message: fmt.Sprintf("speed exceeds %s max speed %g", train.ID, train.MaxSpeed)}
		}
	default:
		return domain.ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", cmd.Action)}
	}
	e.enqueue(command{actor: actor, control: &cmd})
	return nil
}

// Inject validates ev and queues it for the next tick boundary.
func (e *Engine) Inject(actor string, ev SimEvent) error {
	switch ev.Type {
	case EventAddTrain:
		if err := e.validateNewTrain(ev.Train); err != nil {
			return err
		}
	case EventEmergencyStop:
		if ev.TrainID != "" {
			if _, ok := e.trainKnown(ev.TrainID); !ok {
				return domain.NotFound("train", ev.TrainID)
			}
		}
	default:
		return domain.ValidationError{Field: "type", Message: fmt.Sprintf("unknown event %q", ev.Type)}
	}
	e.enqueue(command{actor: actor, event: &ev})
	return nil
}

func (e *Engine) validateNewTrain(t *NewTrain) error {
	if _, ok := e.opts.Feed.(feed.Steerer); !ok {
		return domain.ValidationError{Field: "type", Message: "feed does not accept new trains"}
	}
	if t == nil {
		return domain.ValidationError{Field: "data", Message: "train required"}
	}
	if t.ID == "" {
		return domain.ValidationError{Field: "data.id", Message: "required"}
	}
	if len(t.Route) == 0 {
		return domain.ValidationError{Field: "data.route", Message: "at least one waypoint required"}
	}
	if t.Priority != "" && t.Priority.Rank() == 0 {
		return domain.ValidationError{Field: "data.priority", Message: fmt.Sprintf("unknown priority %q", t.Priority)}
	}
	if t.Speed < 0 || t.Speed > e.opts.MaxSpeed {
		return domain.ValidationError{Field: "data.speed", Message: fmt.Sprintf("speed must be within [0, %g]", e.opts.MaxSpeed)}
	}
	if _, ok := e.trainKnown(t.ID); ok {
		return domain.ValidationError{Field: "data.id", Message: fmt.Sprintf("train %s already exists", t.ID)}
	}
	return nil
}

func (e *Engine) enqueue(c command) {
	e.mu.Lock()
	e.pending = append(e.pending, c)
	e.mu.Unlock()
}

// drainLocked applies queued commands in arrival order.
func (e *Engine) drainLocked() {
	e.mu.Lock()
	cmds := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, c := range cmds {
		switch {
		case c.control != nil:
			e.applyControl(c.actor, *c.control)
		case c.event != nil:
			e.applyEvent(c.actor, *c.event)
		}
	}
}

func (e *Engine) applyControl(actor string, cmd ControlCommand) {
	o := e.overrides[cmd.TrainID]
	payload := map[string]any{"train": cmd.TrainID}
	switch cmd.Action {
	case ControlStart:
		o.held, o.stopped, o.emergency = false, false, false
		e.steer(cmd.TrainID, true)
	case ControlStop:
		o.stopped = true
		e.steer(cmd.TrainID, false)
	case ControlSetSpeed:
		v := cmd.Value
		o.speed = &v
		payload["value"] = v
		if s, ok := e.opts.Feed.(feed.Steerer); ok {
			if err := s.SetSpeed(cmd.TrainID, v); err != nil {
				e.opts.Logger.Printf("engine: set speed %s: %v", cmd.TrainID, err)
			}
		}
	}
	if o.zero() {
		delete(e.overrides, cmd.TrainID)
	} else {
		e.overrides[cmd.TrainID] = o
	}
	e.opts.Workflow.Record(actor, "control."+string(cmd.Action), payload)
}

func (e *Engine) applyEvent(actor string, ev SimEvent) {
	payload := map[string]any{}
	switch ev.Type {
	case EventAddTrain:
		t := ev.Train
		payload["train"] = t.ID
		train := domain.Train{
			ID:       t.ID,
			Name:     t.Name,
			Speed:    t.Speed,
			MaxSpeed: t.MaxSpeed,
			Priority: t.Priority,
			Status:   domain.TrainRunning,
		}
		if err := e.opts.Feed.(feed.Steerer).Add(train, t.Route, t.Loop); err != nil {
			e.opts.Logger.Printf("engine: add train %s: %v", t.ID, err)
			payload["error"] = err.Error()
		}
	case EventEmergencyStop:
		ids := []string{ev.TrainID}
		if ev.TrainID == "" {
			e.mu.Lock()
			ids = ids[:0]
			for id := range e.known {
				ids = append(ids, id)
			}
			e.mu.Unlock()
		}
		for _, id := range ids {
			o := e.overrides[id]
			o.emergency = true
			e.overrides[id] = o
			e.steer(id, false)
		}
		payload["trains"] = len(ids)
		if ev.TrainID != "" {
			payload["train"] = ev.TrainID
		}
	}
	e.opts.Workflow.Record(actor, "simulation."+string(ev.Type), payload)
}
