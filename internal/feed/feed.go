// Package feed supplies raw train positions to the engine once per tick.
package feed

import (
	"context"

	"signalbox/internal/domain"
)

// Source returns the current position of every train. Implementations may
// block on I/O and must honor ctx.
type Source interface {
	Latest(ctx context.Context) ([]domain.Train, error)
}

// Steerer is implemented by sources whose trains can be halted, released,
// re-speeded or added from the control surface.
type Steerer interface {
	SetMoving(id string, moving bool) error
	SetSpeed(id string, speed float64) error
	Add(t domain.Train, route []domain.Point, loop bool) error
}

// Func adapts a function to Source.
type Func func(ctx context.Context) ([]domain.Train, error)

func (f Func) Latest(ctx context.Context) ([]domain.Train, error) { return f(ctx) }

// Static always reports the same trains.
type Static []domain.Train

func (s Static) Latest(ctx context.Context) ([]domain.Train, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.Train, len(s))
	copy(out, s)
	return out, nil
}
