package workflow

import (
	"signalbox/internal/domain"
)

func (w *Workflow) Get(id string) (domain.Ticket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.tickets[id]
	if !ok {
		return domain.Ticket{}, domain.NotFound("ticket", id)
	}
	return r.ticket, nil
}

// ByRecommendation resolves a recommendation id, or any id the same advice
// was re-issued under, to its ticket.
func (w *Workflow) ByRecommendation(recID string) (domain.Ticket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.byRec[recID]
	if !ok {
		return domain.Ticket{}, domain.NotFound("recommendation", recID)
	}
	r, ok := w.tickets[id]
	if !ok {
		return domain.Ticket{}, domain.NotFound("recommendation", recID)
	}
	return r.ticket, nil
}

// List returns tickets in creation order, filtered by status when any are
// given.
func (w *Workflow) List(statuses ...domain.TicketStatus) []domain.Ticket {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := []domain.Ticket{}
	for _, id := range w.order {
		t := w.tickets[id].ticket
		if len(statuses) == 0 || oneOf(t.Status, statuses) {
			out = append(out, t)
		}
	}
	return out
}

// Pending lists tickets waiting on a human: operator or supervisor.
func (w *Workflow) Pending() []domain.Ticket {
	return w.List(domain.TicketPending, domain.TicketAwaitingSupervisor)
}

// LiveCount is the number of non-terminal tickets.
func (w *Workflow) LiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.live)
}

// Audit returns the newest limit entries in chronological order.
func (w *Workflow) Audit(limit int) []domain.AuditEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(w.audit) {
		start = len(w.audit) - limit
	}
	out := make([]domain.AuditEntry, len(w.audit)-start)
	copy(out, w.audit[start:])
	return out
}

// AuditSince returns retained entries with Seq greater than seq.
func (w *Workflow) AuditSince(seq int64) []domain.AuditEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := []domain.AuditEntry{}
	for _, e := range w.audit {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// LastSeq is the sequence number of the newest audit entry.
func (w *Workflow) LastSeq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Restore seeds an empty workflow from persisted state. Live tickets regain
// their subject index; effective tickets not yet applied are queued for the
// next TakeResolved.
func (w *Workflow) Restore(tickets []domain.Ticket, audit []domain.AuditEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range tickets {
		if _, ok := w.tickets[t.ID]; ok {
			continue
		}
		w.tickets[t.ID] = &record{ticket: t}
		w.order = append(w.order, t.ID)
		w.byRec[t.Recommendation.ID] = t.ID
		switch {
		case !t.Status.Terminal():
			w.live[t.Recommendation.SubjectKey()] = t.ID
		case t.Status.Effective() && !t.Applied:
			w.resolved = append(w.resolved, t.ID)
		}
	}
	for _, e := range audit {
		if e.Seq > w.seq {
			w.seq = e.Seq
		}
	}
	w.audit = append(w.audit, audit...)
	if over := len(w.audit) - w.opts.AuditCapacity; over > 0 {
		w.audit = append(w.audit[:0:0], w.audit[over:]...)
	}
}
