package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ValidationError rejects a malformed command before any state changes.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// TransitionError reports a ticket action attempted from the wrong state.
type TransitionError struct {
	TicketID string
	From     TicketStatus
	Action   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ticket %s: cannot %s from %s", e.TicketID, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFound wraps ErrNotFound with the kind and id that was looked up.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}
