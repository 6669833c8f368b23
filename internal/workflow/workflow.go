// Package workflow owns the approval tickets wrapping recommendations and the
// append-only audit trail of every transition.
//
//	pending -> operator_accepted
//	pending -> awaiting_supervisor -> approved | rejected
//	pending | awaiting_supervisor -> expired
//
// All transitions are serialized by one mutex held for the duration of a
// single transition. Persistence through Sink happens after the lock is
// released.
package workflow

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalbox/internal/domain"
)

const SystemActor = "system"

// Audit actions.
const (
	ActionCreated             = "ticket.created"
	ActionOperatorAccepted    = "ticket.operator_accepted"
	ActionSupervisorRequested = "ticket.supervisor_requested"
	ActionApproved            = "ticket.approved"
	ActionRejected            = "ticket.rejected"
	ActionExpired             = "ticket.expired"
	ActionApplied             = "ticket.applied"
)

// Sink persists tickets and audit entries. Failures are logged and never
// undo an in-memory transition.
type Sink interface {
	SaveTicket(ctx context.Context, t domain.Ticket) error
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
}

type Options struct {
	// Timeout after which a non-terminal ticket expires. Zero disables expiry.
	Timeout time.Duration
	// AuditCapacity bounds the in-memory audit trail. Zero means 1000.
	AuditCapacity int
	// Retention bounds how many applied or discarded terminal tickets are kept
	// in memory. Zero means 500.
	Retention int
	Sink      Sink
	Logger    *log.Logger
	Now       func() time.Time
	NewID     func() string
}

type record struct {
	ticket  domain.Ticket
	aliases []string
}

type Workflow struct {
	opts Options

	mu       sync.Mutex
	tickets  map[string]*record
	order    []string
	live     map[string]string // subject key -> ticket id
	byRec    map[string]string // recommendation id -> ticket id
	resolved []string
	audit    []domain.AuditEntry
	seq      int64
}

func New(opts Options) *Workflow {
	if opts.AuditCapacity <= 0 {
		opts.AuditCapacity = 1000
	}
	if opts.Retention <= 0 {
		opts.Retention = 500
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Workflow{
		opts:    opts,
		tickets: make(map[string]*record),
		live:    make(map[string]string),
		byRec:   make(map[string]string),
	}
}

func (w *Workflow) now() time.Time {
	return w.opts.Now().UTC()
}

// Create opens a pending ticket for rec unless a live ticket already covers
// the same subject. In that case the existing ticket is returned with
// created=false and rec.ID becomes an alias for it.
func (w *Workflow) Create(rec domain.Recommendation) (domain.Ticket, bool) {
	w.mu.Lock()
	key := rec.SubjectKey()
	if id, ok := w.live[key]; ok {
		r := w.tickets[id]
		if _, seen := w.byRec[rec.ID]; !seen {
			w.byRec[rec.ID] = id
			r.aliases = append(r.aliases, rec.ID)
		}
		out := r.ticket
		w.mu.Unlock()
		return out, false
	}
	now := w.now()
	t := domain.Ticket{
		ID:             w.opts.NewID(),
		Recommendation: rec,
		Status:         domain.TicketPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	w.tickets[t.ID] = &record{ticket: t}
	w.order = append(w.order, t.ID)
	w.live[key] = t.ID
	w.byRec[rec.ID] = t.ID
	entry := w.appendAuditLocked(domain.AuditEntry{
		Actor:    SystemActor,
		Action:   ActionCreated,
		TicketID: t.ID,
		To:       domain.TicketPending,
		Payload: map[string]any{
			"recommendation_id": rec.ID,
			"action":            string(rec.Action),
			"train":             rec.Train,
			"block":             rec.Track,
		},
	})
	w.mu.Unlock()
	w.persist(t, entry)
	return t, true
}

// OperatorAccept makes the recommendation effective immediately.
func (w *Workflow) OperatorAccept(id, actor string) (domain.Ticket, error) {
	return w.transition(id, actor, "accept", ActionOperatorAccepted, domain.TicketOperatorAccepted, nil, domain.TicketPending)
}

// RequestSupervisor escalates a pending ticket.
func (w *Workflow) RequestSupervisor(id, actor string) (domain.Ticket, error) {
	return w.transition(id, actor, "request supervisor", ActionSupervisorRequested, domain.TicketAwaitingSupervisor, nil, domain.TicketPending)
}

func (w *Workflow) SupervisorApprove(id, actor, comment string) (domain.Ticket, error) {
	return w.transition(id, actor, "approve", ActionApproved, domain.TicketApproved, &comment, domain.TicketAwaitingSupervisor)
}

// SupervisorReject discards the action; it is never applied.
func (w *Workflow) SupervisorReject(id, actor, comment string) (domain.Ticket, error) {
	return w.transition(id, actor, "reject", ActionRejected, domain.TicketRejected, &comment, domain.TicketAwaitingSupervisor)
}

func (w *Workflow) Expire(id string) (domain.Ticket, error) {
	return w.transition(id, SystemActor, "expire", ActionExpired, domain.TicketExpired, nil, domain.TicketPending, domain.TicketAwaitingSupervisor)
}

// ExpireStale expires every non-terminal ticket whose last transition is
// older than the configured timeout.
func (w *Workflow) ExpireStale(now time.Time) []domain.Ticket {
	if w.opts.Timeout <= 0 {
		return nil
	}
	w.mu.Lock()
	var stale []string
	for _, id := range w.live {
		if now.Sub(w.tickets[id].ticket.UpdatedAt) > w.opts.Timeout {
			stale = append(stale, id)
		}
	}
	w.mu.Unlock()
	sort.Strings(stale)

	var out []domain.Ticket
	for _, id := range stale {
		t, err := w.Expire(id)
		if err != nil {
			// Resolved by a reviewer between the scan and the expiry.
			continue
		}
		out = append(out, t)
	}
	return out
}

func (w *Workflow) transition(id, actor, verb, action string, to domain.TicketStatus, comment *string, from ...domain.TicketStatus) (domain.Ticket, error) {
	w.mu.Lock()
	r, ok := w.tickets[id]
	if !ok {
		w.mu.Unlock()
		return domain.Ticket{}, domain.NotFound("ticket", id)
	}
	prev := r.ticket.Status
	if !oneOf(prev, from) {
		w.mu.Unlock()
		w.opts.Logger.Printf("workflow: rejected %s on ticket %s in %s (actor=%s)", verb, id, prev, actor)
		return domain.Ticket{}, &domain.TransitionError{TicketID: id, From: prev, Action: verb}
	}
	r.ticket.Status = to
	r.ticket.UpdatedAt = w.now()
	r.ticket.Version++
	entry := domain.AuditEntry{Actor: actor, Action: action, TicketID: id, From: prev, To: to}
	if comment != nil {
		r.ticket.Comment = *comment
		entry.Comment = *comment
	}
	if to.Terminal() {
		delete(w.live, r.ticket.Recommendation.SubjectKey())
		w.resolved = append(w.resolved, id)
	}
	entry = w.appendAuditLocked(entry)
	out := r.ticket
	w.mu.Unlock()
	w.persist(out, entry)
	return out, nil
}

// TakeResolved returns the tickets that reached a terminal state since the
// previous call, in resolution order.
func (w *Workflow) TakeResolved() []domain.Ticket {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Ticket, 0, len(w.resolved))
	for _, id := range w.resolved {
		if r, ok := w.tickets[id]; ok {
			out = append(out, r.ticket)
		}
	}
	w.resolved = w.resolved[:0]
	w.pruneLocked()
	return out
}

// MarkApplied records that the ticket's action took effect on train state.
func (w *Workflow) MarkApplied(id string, payload map[string]any) (domain.Ticket, error) {
	w.mu.Lock()
	r, ok := w.tickets[id]
	if !ok {
		w.mu.Unlock()
		return domain.Ticket{}, domain.NotFound("ticket", id)
	}
	if !r.ticket.Status.Effective() || r.ticket.Applied {
		w.mu.Unlock()
		return domain.Ticket{}, &domain.TransitionError{TicketID: id, From: r.ticket.Status, Action: "apply"}
	}
	r.ticket.Applied = true
	r.ticket.Version++
	entry := w.appendAuditLocked(domain.AuditEntry{
		Actor:    SystemActor,
		Action:   ActionApplied,
		TicketID: id,
		From:     r.ticket.Status,
		To:       r.ticket.Status,
		Payload:  payload,
	})
	out := r.ticket
	w.pruneLocked()
	w.mu.Unlock()
	w.persist(out, entry)
	return out, nil
}

// Record appends an audit entry that is not a ticket transition, such as an
// operator control command.
func (w *Workflow) Record(actor, action string, payload map[string]any) domain.AuditEntry {
	w.mu.Lock()
	entry := w.appendAuditLocked(domain.AuditEntry{Actor: actor, Action: action, Payload: payload})
	w.mu.Unlock()
	if w.opts.Sink != nil {
		if err := w.opts.Sink.AppendAudit(context.Background(), entry); err != nil {
			w.opts.Logger.Printf("workflow: persist audit %d: %v", entry.Seq, err)
		}
	}
	return entry
}

func (w *Workflow) appendAuditLocked(e domain.AuditEntry) domain.AuditEntry {
	w.seq++
	e.Seq = w.seq
	if e.TS.IsZero() {
		e.TS = w.now()
	}
	w.audit = append(w.audit, e)
	if over := len(w.audit) - w.opts.AuditCapacity; over > 0 {
		w.audit = append(w.audit[:0:0], w.audit[over:]...)
	}
	return e
}

// pruneLocked drops the oldest settled tickets beyond the retention bound.
func (w *Workflow) pruneLocked() {
	settled := 0
	for _, id := range w.order {
		if settledTicket(w.tickets[id].ticket) {
			settled++
		}
	}
	if settled <= w.opts.Retention {
		return
	}
	drop := settled - w.opts.Retention
	kept := w.order[:0]
	for _, id := range w.order {
		r := w.tickets[id]
		if drop > 0 && settledTicket(r.ticket) {
			delete(w.tickets, id)
			delete(w.byRec, r.ticket.Recommendation.ID)
			for _, a := range r.aliases {
				delete(w.byRec, a)
			}
			drop--
			continue
		}
		kept = append(kept, id)
	}
	w.order = kept
}

func settledTicket(t domain.Ticket) bool {
	return t.Status.Terminal() && (t.Applied || !t.Status.Effective())
}

func (w *Workflow) persist(t domain.Ticket, e domain.AuditEntry) {
	if w.opts.Sink == nil {
		return
	}
	ctx := context.Background()
	if err := w.opts.Sink.SaveTicket(ctx, t); err != nil {
		w.opts.Logger.Printf("workflow: persist ticket %s: %v", t.ID, err)
	}
	if err := w.opts.Sink.AppendAudit(ctx, e); err != nil {
		w.opts.Logger.Printf("workflow: persist audit %d: %v", e.Seq, err)
	}
}

func oneOf(s domain.TicketStatus, set []domain.TicketStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
