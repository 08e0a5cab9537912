package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/spec-kit/live-desk/internal/domain"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

func TestDecodeTicketPrefersNormalizedStatusColumn(t *testing.T) {
	doc, err := json.Marshal(domain.Ticket{ID: "stale", Status: domain.TicketStatusNew, Sector: "billing"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cases := []struct {
		column string
		want   domain.TicketStatus
	}{
		{"IN_PROGRESS", domain.TicketStatusInProgress},
		{"in-progress", domain.TicketStatusInProgress},
		{"aguardando", domain.TicketStatusQueued},
		{"mystery", domain.TicketStatus("mystery")},
	}
	for _, tc := range cases {
		ticket, err := decodeTicket("t-1", tc.column, 7, doc)
		if err != nil {
			t.Fatalf("decode %q: %v", tc.column, err)
		}
		if ticket.Status != tc.want || ticket.ID != "t-1" || ticket.Version != 7 || ticket.Sector != "billing" {
			t.Fatalf("decode %q = %+v", tc.column, ticket)
		}
	}
	if _, err := decodeTicket("t-1", "QUEUED", 1, []byte("{")); err == nil {
		t.Fatalf("expected malformed document to fail")
	}
}

func TestAssigneeUID(t *testing.T) {
	if assigneeUID(&domain.Ticket{}) != nil {
		t.Fatalf("unassigned ticket must store NULL")
	}
	uid := assigneeUID(&domain.Ticket{AssignedOperator: &domain.OperatorRef{UID: "op-1"}})
	if uid == nil || *uid != "op-1" {
		t.Fatalf("unexpected assignee %v", uid)
	}
}

func TestMemoryOperators(t *testing.T) {
	repo := NewMemoryOperators()
	ctx := context.Background()
	op := &domain.Operator{Name: "Bruno", Email: "Bruno@Desk.io", Role: domain.RoleOperator, Sector: "general", Active: true}
	if err := repo.Create(ctx, op); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, &domain.Operator{Email: "bruno@desk.io"}); !apperrors.IsConflict(err) {
		t.Fatalf("duplicate email must conflict, got %v", err)
	}

	got, err := repo.GetByEmail(ctx, " BRUNO@desk.io ")
	if err != nil || got.ID != op.ID {
		t.Fatalf("lookup by email: %v", err)
	}
	if _, err := repo.GetByID(ctx, "missing"); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	got.Active = false
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	active := true
	list, err := repo.List(ctx, OperatorFilter{Active: &active})
	if err != nil || len(list) != 0 {
		t.Fatalf("inactive operator listed: %v %v", list, err)
	}
	if err := repo.Update(ctx, &domain.Operator{ID: "ghost"}); !apperrors.IsNotFound(err) {
		t.Fatalf("updating a missing operator must fail, got %v", err)
	}
}
