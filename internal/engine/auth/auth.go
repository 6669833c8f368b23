// Package auth maps principal roles onto permissions from the rbac section
// of signalbox.yml.
package auth

import (
	"fmt"
	"sort"
)

// Permissions checked by the control surface. Reading state needs only an
// authenticated principal.
const (
	PermRecommendationAccept   = "recommendation.accept"
	PermRecommendationEscalate = "recommendation.escalate"
	PermTicketApprove          = "ticket.approve"
	PermTicketReject           = "ticket.reject"
	PermTrainControl           = "train.control"
	PermSimulationInject       = "simulation.inject"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Policy resolves roles to permissions.
type Policy struct {
	roles map[string]map[string]struct{}
}

func NewPolicy(roles map[string][]string) Policy {
	p := Policy{roles: make(map[string]map[string]struct{}, len(roles))}
	for role, perms := range roles {
		set := make(map[string]struct{}, len(perms))
		for _, perm := range perms {
			set[perm] = struct{}{}
		}
		p.roles[role] = set
	}
	return p
}

// Known reports whether role is defined.
func (p Policy) Known(role string) bool {
	_, ok := p.roles[role]
	return ok
}

// Roles lists defined roles, sorted.
func (p Policy) Roles() []string {
	out := make([]string, 0, len(p.roles))
	for r := range p.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Permissions returns the union of permissions granted to roles, sorted.
func (p Policy) Permissions(roles []string) []string {
	seen := map[string]struct{}{}
	for _, r := range roles {
		for perm := range p.roles[r] {
			seen[perm] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for perm := range seen {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// Require returns ForbiddenError unless one of roles grants perm.
func (p Policy) Require(roles []string, perm string) error {
	for _, r := range roles {
		if _, ok := p.roles[r][perm]; ok {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}
