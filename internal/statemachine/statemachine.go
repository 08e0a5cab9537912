package statemachine

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/live-desk/internal/domain"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// Reasons carried in the details of validation errors.
const (
	ReasonDestinationForbidden = "destination_forbidden"
	ReasonActorNotPermitted    = "actor_not_permitted"
	ReasonMissingJustification = "missing_justification"
)

type edge struct {
	actors     map[domain.Role]bool
	regressive bool
	claimOnly  bool
}

func actors(roles ...domain.Role) map[domain.Role]bool {
	set := make(map[domain.Role]bool, len(roles))
	for _, r := range roles {
		set[r] = true
	}
	return set
}

var (
	staff       = []domain.Role{domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin}
	supervisors = []domain.Role{domain.RoleSupervisor, domain.RoleAdmin}
	anyone      = []domain.Role{domain.RoleClient, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin}
)

var transitions = map[domain.TicketStatus]map[domain.TicketStatus]edge{
	domain.TicketStatusNew: {
		domain.TicketStatusQueued: {actors: actors(domain.RoleClient, domain.RoleSystem)},
	},
	domain.TicketStatusQueued: {
		domain.TicketStatusClaimed:   {actors: actors(staff...), claimOnly: true},
		domain.TicketStatusCancelled: {actors: actors(domain.RoleClient, domain.RoleSupervisor, domain.RoleAdmin)},
	},
	domain.TicketStatusClaimed: {
		domain.TicketStatusIdentityValidated: {actors: actors(staff...)},
		domain.TicketStatusQueued:            {actors: actors(staff...), regressive: true},
		domain.TicketStatusCancelled:         {actors: actors(anyone...)},
	},
	domain.TicketStatusIdentityValidated: {
		domain.TicketStatusInProgress: {actors: actors(staff...)},
		domain.TicketStatusQueued:     {actors: actors(staff...), regressive: true},
		domain.TicketStatusCancelled:  {actors: actors(anyone...)},
	},
	domain.TicketStatusInProgress: {
		domain.TicketStatusForwarded: {actors: actors(staff...)},
		domain.TicketStatusCompleted: {actors: actors(staff...)},
		domain.TicketStatusQueued:    {actors: actors(staff...), regressive: true},
		domain.TicketStatusCancelled: {actors: actors(domain.RoleClient, domain.RoleSupervisor, domain.RoleAdmin)},
	},
	domain.TicketStatusForwarded: {
		domain.TicketStatusInProgress: {actors: actors(staff...)},
		domain.TicketStatusCompleted:  {actors: actors(staff...)},
		domain.TicketStatusQueued:     {actors: actors(supervisors...), regressive: true},
	},
	domain.TicketStatusCompleted: {},
	domain.TicketStatusCancelled: {},
}

// Result is the outcome of ValidateTransition.
type Result struct {
	Valid bool
	Err   error
}

// ValidateTransition checks graph membership, actor role and justification.
// It never touches the store.
func ValidateTransition(from, to domain.TicketStatus, role domain.Role, justification string) Result {
	details := map[string]any{"from": from, "to": to, "role": role}
	e, ok := transitions[from][to]
	if !ok {
		details["reason"] = ReasonDestinationForbidden
		return Result{Err: apperrors.NewValidationError("transition not allowed", details)}
	}
	if !e.actors[role] {
		details["reason"] = ReasonActorNotPermitted
		return Result{Err: apperrors.NewForbidden("actor not permitted for transition", details)}
	}
	if e.regressive && strings.TrimSpace(justification) == "" {
		details["reason"] = ReasonMissingJustification
		return Result{Err: apperrors.NewValidationError("justification required", details)}
	}
	return Result{Valid: true}
}

// Validate is ValidateTransition returning only the error.
func Validate(from, to domain.TicketStatus, role domain.Role, justification string) error {
	return ValidateTransition(from, to, role, justification).Err
}

// AvailableTransitions returns the one-hop successors role may request from from.
func AvailableTransitions(from domain.TicketStatus, role domain.Role) []domain.TicketStatus {
	out := make([]domain.TicketStatus, 0, len(transitions[from]))
	for to, e := range transitions[from] {
		if e.actors[role] {
			out = append(out, to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return statusOrder(out[i]) < statusOrder(out[j]) })
	return out
}

// IsRegressive reports whether the edge sends a ticket back to the queue.
func IsRegressive(from, to domain.TicketStatus) bool {
	return transitions[from][to].regressive
}

// IsClaimEdge reports whether the edge may only be executed by the queue coordinator.
func IsClaimEdge(from, to domain.TicketStatus) bool {
	return transitions[from][to].claimOnly
}

// NewStateLog builds the audit record for a validated transition.
func NewStateLog(ticketID string, from, to domain.TicketStatus, actor domain.Actor, justification string, at time.Time) domain.StateLogEntry {
	return domain.StateLogEntry{
		ID:            uuid.NewString(),
		TicketID:      ticketID,
		From:          from,
		To:            to,
		Actor:         actor,
		Justification: strings.TrimSpace(justification),
		CreatedAt:     at,
	}
}

func statusOrder(s domain.TicketStatus) int {
	for i, candidate := range domain.AllStatuses {
		if candidate == s {
			return i
		}
	}
	return len(domain.AllStatuses)
}
