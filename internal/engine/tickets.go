package engine

import (
	"errors"

	"signalbox/internal/domain"
	"signalbox/internal/workflow"
)

func (e *Engine) Workflow() *workflow.Workflow {
	return e.opts.Workflow
}

// ticketFor resolves a recommendation id, falling back to a ticket id.
func (e *Engine) ticketFor(id string) (domain.Ticket, error) {
	wf := e.opts.Workflow
	t, err := wf.ByRecommendation(id)
	if errors.Is(err, domain.ErrNotFound) {
		if t, terr := wf.Get(id); terr == nil {
			return t, nil
		}
	}
	return t, err
}

// Accept records the operator's acceptance of a recommendation.
func (e *Engine) Accept(recID, actor string) (domain.Ticket, error) {
	t, err := e.ticketFor(recID)
	if err != nil {
		return domain.Ticket{}, err
	}
	return e.opts.Workflow.OperatorAccept(t.ID, actor)
}

// RequestSupervisor escalates a recommendation for supervisor sign-off.
func (e *Engine) RequestSupervisor(recID, actor string) (domain.Ticket, error) {
	t, err := e.ticketFor(recID)
	if err != nil {
		return domain.Ticket{}, err
	}
	return e.opts.Workflow.RequestSupervisor(t.ID, actor)
}

func (e *Engine) Approve(ticketID, actor, comment string) (domain.Ticket, error) {
	return e.opts.Workflow.SupervisorApprove(ticketID, actor, comment)
}

func (e *Engine) Reject(ticketID, actor, comment string) (domain.Ticket, error) {
	return e.opts.Workflow.SupervisorReject(ticketID, actor, comment)
}
