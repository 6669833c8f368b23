package server

import (
	"time"

	"signalbox/internal/domain"
)

// Request payloads

type ReviewRequest struct {
	Comment string `json:"comment,omitempty" maxLength:"1000"`
}

type ControlRequest struct {
	Action string  `json:"action" enum:"start,stop,set_speed"`
	Value  float64 `json:"value,omitempty"`
}

type NewTrainRequest struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Priority string       `json:"priority,omitempty" enum:"low,medium,high"`
	Speed    float64      `json:"speed,omitempty"`
	MaxSpeed float64      `json:"max_speed,omitempty"`
	Route    [][2]float64 `json:"route"`
	Loop     bool         `json:"loop,omitempty"`
}

type SimulationEventRequest struct {
	Type    string           `json:"type" enum:"add_train,emergency_stop"`
	TrainID string           `json:"train_id,omitempty"`
	Data    *NewTrainRequest `json:"data,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

// Responses

type DevLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at" format:"date-time"`
}

type HealthResponse struct {
	Status   string    `json:"status" enum:"ok,starting,stale,lagging"`
	LastTick time.Time `json:"last_tick,omitempty" format:"date-time"`
	TickLag  string    `json:"tick_lag,omitempty"`
}

type QueuedResponse struct {
	Status string `json:"status" example:"queued"`
}

type ActiveRecommendationResponse struct {
	Recommendation *domain.Recommendation `json:"recommendation"`
	Ticket         *domain.Ticket         `json:"ticket,omitempty"`
}

type ModelVersionResponse struct {
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	Description string  `json:"description"`
	NearRadius  float64 `json:"near_radius"`
	Approach    float64 `json:"approach_radius"`
}

type AuditPage struct {
	Items []domain.AuditEntry `json:"items"`
	// Cursor is the seq of the newest item; pass it as after= to page forward.
	Cursor int64 `json:"cursor"`
}

func toPoints(route [][2]float64) []domain.Point {
	out := make([]domain.Point, len(route))
	for i, p := range route {
		out[i] = domain.Point(p)
	}
	return out
}
