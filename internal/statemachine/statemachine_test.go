package statemachine

import (
	"testing"
	"time"

	"github.com/spec-kit/live-desk/internal/domain"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

var allRoles = []domain.Role{
	domain.RoleClient,
	domain.RoleOperator,
	domain.RoleSupervisor,
	domain.RoleAdmin,
	domain.RoleSystem,
}

func TestTransitionsOutsideGraphAreInvalidForEveryRole(t *testing.T) {
	for _, from := range domain.AllStatuses {
		for _, to := range domain.AllStatuses {
			if _, ok := transitions[from][to]; ok {
				continue
			}
			for _, role := range allRoles {
				res := ValidateTransition(from, to, role, "justified well enough")
				if res.Valid {
					t.Fatalf("expected %s -> %s invalid for %s", from, to, role)
				}
				if !apperrors.IsValidation(res.Err) {
					t.Fatalf("expected validation error for %s -> %s, got %v", from, to, res.Err)
				}
			}
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range []domain.TicketStatus{domain.TicketStatusCompleted, domain.TicketStatusCancelled} {
		for _, role := range allRoles {
			if got := AvailableTransitions(s, role); len(got) != 0 {
				t.Fatalf("expected no transitions out of %s for %s, got %v", s, role, got)
			}
		}
	}
}

func TestActorNotPermitted(t *testing.T) {
	res := ValidateTransition(domain.TicketStatusInProgress, domain.TicketStatusCompleted, domain.RoleClient, "")
	if res.Valid {
		t.Fatalf("expected client completion to be rejected")
	}
	if !apperrors.IsForbidden(res.Err) {
		t.Fatalf("expected permission error, got %v", res.Err)
	}
}

func TestRegressiveTransitionRequiresJustification(t *testing.T) {
	res := ValidateTransition(domain.TicketStatusInProgress, domain.TicketStatusQueued, domain.RoleOperator, "   ")
	if res.Valid || !apperrors.IsValidation(res.Err) {
		t.Fatalf("expected missing justification error, got %+v", res)
	}
	de := apperrors.ToDomainError(res.Err)
	if de.Details["reason"] != ReasonMissingJustification {
		t.Fatalf("expected reason %s, got %v", ReasonMissingJustification, de.Details["reason"])
	}
	res = ValidateTransition(domain.TicketStatusInProgress, domain.TicketStatusQueued, domain.RoleOperator, "client asked to wait")
	if !res.Valid {
		t.Fatalf("expected justified regression to pass: %v", res.Err)
	}
}

func TestAvailableTransitionsNeverIncludeForbiddenEdges(t *testing.T) {
	for _, from := range domain.AllStatuses {
		for _, role := range allRoles {
			for _, to := range AvailableTransitions(from, role) {
				if res := ValidateTransition(from, to, role, "some justification"); !res.Valid {
					t.Fatalf("available %s -> %s for %s fails validation: %v", from, to, role, res.Err)
				}
			}
		}
	}
}

func TestAvailableTransitionsOrdered(t *testing.T) {
	got := AvailableTransitions(domain.TicketStatusInProgress, domain.RoleOperator)
	want := []domain.TicketStatus{domain.TicketStatusQueued, domain.TicketStatusForwarded, domain.TicketStatusCompleted}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestClaimEdgeFlag(t *testing.T) {
	if !IsClaimEdge(domain.TicketStatusQueued, domain.TicketStatusClaimed) {
		t.Fatalf("expected queued -> claimed to be the claim edge")
	}
	if IsClaimEdge(domain.TicketStatusClaimed, domain.TicketStatusIdentityValidated) {
		t.Fatalf("unexpected claim flag")
	}
}

func TestNewStateLog(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	actor := domain.Actor{UID: "op-1", Name: "Bia", Role: domain.RoleOperator}
	entry := NewStateLog("t-1", domain.TicketStatusInProgress, domain.TicketStatusQueued, actor, "  needs docs  ", at)
	if entry.ID == "" || entry.TicketID != "t-1" || entry.Actor != actor || !entry.CreatedAt.Equal(at) {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Justification != "needs docs" {
		t.Fatalf("expected trimmed justification, got %q", entry.Justification)
	}
}

func TestIdentityChecklistGatesConfirm(t *testing.T) {
	var c IdentityChecklist
	if c.CanConfirm() {
		t.Fatalf("empty checklist must not confirm")
	}
	c.Set(FieldName, true)
	c.Set(FieldPhone, true)
	if c.CanConfirm() {
		t.Fatalf("two of three must not confirm")
	}
	c.Set(FieldEmail, true)
	if !c.CanConfirm() {
		t.Fatalf("all three must confirm")
	}
	for _, field := range []string{FieldName, FieldPhone, FieldEmail} {
		c.Set(field, false)
		if c.CanConfirm() {
			t.Fatalf("unchecking %s must disable confirm", field)
		}
		c.Set(field, true)
	}
	if got := c.VerifiedFields(); len(got) != 3 {
		t.Fatalf("expected three verified fields, got %v", got)
	}
}
