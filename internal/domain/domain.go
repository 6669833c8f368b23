package domain

import "time"

type TrainStatus string

const (
	TrainRunning   TrainStatus = "running"
	TrainStopped   TrainStatus = "stopped"
	TrainDelayed   TrainStatus = "delayed"
	TrainEmergency TrainStatus = "emergency"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities so that high > medium > low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

type Train struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Lat         float64     `json:"lat"`
	Lng         float64     `json:"lng"`
	Speed       float64     `json:"speed"`
	MaxSpeed    float64     `json:"max_speed,omitempty"`
	NextSection string      `json:"next_section,omitempty"`
	Status      TrainStatus `json:"status" enum:"running,stopped,delayed,emergency"`
	DelayMin    float64     `json:"delay_min"`
	Priority    Priority    `json:"priority" enum:"low,medium,high"`
}

type TrackStatus string

const (
	TrackFree         TrackStatus = "free"
	TrackSoonOccupied TrackStatus = "soon-occupied"
	TrackOccupied     TrackStatus = "occupied"
)

// Point is a (lat, lng) pair in the same plane as train positions.
type Point [2]float64

type Track struct {
	ID         string      `json:"id"`
	From       Point       `json:"from"`
	To         Point       `json:"to"`
	Status     TrackStatus `json:"status" enum:"free,soon-occupied,occupied"`
	SpeedLimit float64     `json:"speed_limit,omitempty"`
}

type ConflictKind string

const (
	ConflictOverlap   ConflictKind = "overlap"
	ConflictSpeed     ConflictKind = "speed"
	ConflictCollision ConflictKind = "collision"
)

type Conflict struct {
	ID       string       `json:"id"`
	Track    string       `json:"block"`
	Trains   []string     `json:"trains"`
	Kind     ConflictKind `json:"type" enum:"overlap,speed,collision"`
	Severity Priority     `json:"severity" enum:"low,medium,high"`
	Tick     int64        `json:"tick"`
}

type Action string

const (
	ActionHold           Action = "hold"
	ActionReroute        Action = "reroute"
	ActionSpeedAdjust    Action = "speed_adjust"
	ActionPriorityChange Action = "priority_change"
)

type Recommendation struct {
	ID         string    `json:"id"`
	ConflictID string    `json:"conflict_id"`
	Track      string    `json:"block"`
	Action     Action    `json:"action" enum:"hold,reroute,speed_adjust,priority_change"`
	Train      string    `json:"train"`
	Reason     string    `json:"reason"`
	Priority   Priority  `json:"priority" enum:"low,medium,high"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

// SubjectKey identifies what a recommendation is about independent of the
// tick that produced it. Two recommendations with the same key are the same
// advice re-issued.
func (r Recommendation) SubjectKey() string {
	return string(r.Action) + "|" + r.Train + "|" + r.Track
}

type TicketStatus string

const (
	TicketPending            TicketStatus = "pending"
	TicketOperatorAccepted   TicketStatus = "operator_accepted"
	TicketAwaitingSupervisor TicketStatus = "awaiting_supervisor"
	TicketApproved           TicketStatus = "approved"
	TicketRejected           TicketStatus = "rejected"
	TicketExpired            TicketStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s TicketStatus) Terminal() bool {
	switch s {
	case TicketOperatorAccepted, TicketApproved, TicketRejected, TicketExpired:
		return true
	}
	return false
}

// Effective reports whether a ticket in this status carries an action that
// must be applied to train state.
func (s TicketStatus) Effective() bool {
	return s == TicketOperatorAccepted || s == TicketApproved
}

type Ticket struct {
	ID             string         `json:"id"`
	Recommendation Recommendation `json:"recommendation"`
	Status         TicketStatus   `json:"status" enum:"pending,operator_accepted,awaiting_supervisor,approved,rejected,expired"`
	Comment        string         `json:"comment,omitempty"`
	CreatedAt      time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time      `json:"updated_at" format:"date-time"`
	Applied        bool           `json:"applied"`
	Version        int64          `json:"version"`
}

// AuditEntry is one immutable line of the activity log.
type AuditEntry struct {
	Seq      int64          `json:"seq"`
	TS       time.Time      `json:"ts" format:"date-time"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	TicketID string         `json:"ticket_id,omitempty"`
	From     TicketStatus   `json:"from,omitempty"`
	To       TicketStatus   `json:"to,omitempty"`
	Comment  string         `json:"comment,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type KPIs struct {
	Punctuality     float64 `json:"punctuality"`
	AvgDelayMin     float64 `json:"avg_delay_min"`
	Throughput      float64 `json:"throughput_trains_per_hr"`
	Utilization     float64 `json:"utilization_pct"`
	ActiveConflicts int     `json:"active_conflicts"`
	SafetyScore     float64 `json:"safety_score"`
	EfficiencyScore float64 `json:"efficiency_score"`
}

// Snapshot is the full world state published at the end of a tick.
type Snapshot struct {
	Tick            int64            `json:"tick"`
	TS              time.Time        `json:"ts" format:"date-time"`
	Stale           bool             `json:"stale,omitempty"`
	Positions       []Train          `json:"positions"`
	Tracks          []Track          `json:"tracks"`
	Conflicts       []Conflict       `json:"conflicts"`
	Recommendations []Recommendation `json:"recommendations"`
	Tickets         []Ticket         `json:"tickets"`
	Audit           []AuditEntry     `json:"audit"`
	KPIs            KPIs             `json:"kpis"`
}
