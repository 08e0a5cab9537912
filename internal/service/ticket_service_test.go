package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/live-desk/internal/config"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/events"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/queue"
	"github.com/spec-kit/live-desk/internal/statemachine"
	"github.com/spec-kit/live-desk/internal/store"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

var (
	client     = domain.Actor{UID: "anon-ana", Name: "Ana", Role: domain.RoleClient}
	stranger   = domain.Actor{UID: "anon-zed", Name: "Zed", Role: domain.RoleClient}
	operator   = domain.Actor{UID: "op-1", Name: "Bruno", Role: domain.RoleOperator}
	colleague  = domain.Actor{UID: "op-2", Name: "Carla", Role: domain.RoleOperator}
	supervisor = domain.Actor{UID: "sup-1", Name: "Dora", Role: domain.RoleSupervisor}
)

var fullChecklist = statemachine.IdentityChecklist{Name: true, Phone: true, Email: true}

type ticketFixture struct {
	clock   *clockwork.FakeClock
	mem     *store.Memory
	svc     *TicketService
	coord   *queue.Coordinator
	metrics *observability.Metrics

	mu     sync.Mutex
	events []events.Event
}

func newTicketFixture(t *testing.T) *ticketFixture {
	t.Helper()
	f := &ticketFixture{
		clock:   clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)),
		metrics: observability.NewMetrics(),
	}
	f.mem = store.NewMemory(f.clock)
	d := events.NewInMemoryDispatcher(nil)
	for _, et := range events.AllEventTypes {
		d.Subscribe(et, func(_ context.Context, e events.Event) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, e)
			return nil
		})
	}
	cfg := config.QueueConfig{DefaultSector: "general", ClaimRetryAttempts: 2, ClaimRetryDelayMillis: 1, ReleaseReasonMinLen: 10}
	f.svc = NewTicketService(TicketDependencies{Store: f.mem, Dispatcher: d, Metrics: f.metrics, Config: cfg})
	f.coord = queue.NewCoordinator(queue.Dependencies{Store: f.mem, Dispatcher: d, Metrics: f.metrics, Config: cfg})
	return f
}

func (f *ticketFixture) eventTypes() []events.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func (f *ticketFixture) submit(t *testing.T) *domain.Ticket {
	t.Helper()
	tk, err := f.svc.CreateTicket(context.Background(), client, TicketCreateInput{
		Name:  "Ana",
		Phone: "11999990000",
		Email: "ana@example.com",
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	f.clock.Advance(time.Second)
	return tk
}

// inProgress walks a fresh ticket to IN_PROGRESS held by operator.
func (f *ticketFixture) inProgress(t *testing.T) *domain.Ticket {
	t.Helper()
	ctx := context.Background()
	tk := f.submit(t)
	if _, err := f.coord.Claim(ctx, tk.ID, operator); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.svc.ConfirmIdentity(ctx, tk.ID, operator, fullChecklist); err != nil {
		t.Fatalf("confirm identity: %v", err)
	}
	tk, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatusInProgress, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return tk
}

func TestCreateTicketQueuesWithSingleTimelineEntry(t *testing.T) {
	f := newTicketFixture(t)
	tk := f.submit(t)

	if tk.Status != domain.TicketStatusQueued || tk.Sector != "general" {
		t.Fatalf("unexpected ticket %+v", tk)
	}
	if tk.Client.AnonymousUID != client.UID || tk.AssignedOperator != nil {
		t.Fatalf("unexpected ownership %+v", tk)
	}
	if len(tk.Timeline) != 1 || tk.Timeline[0].Type != domain.TimelineCreated {
		t.Fatalf("unexpected timeline %+v", tk.Timeline)
	}
	logs, err := f.mem.ListStateLogs(context.Background(), tk.ID)
	if err != nil || len(logs) != 0 {
		t.Fatalf("creation must not write state logs: %v %v", logs, err)
	}
	if got := f.eventTypes(); len(got) != 1 || got[0] != events.EventTicketCreated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestCreateTicketValidation(t *testing.T) {
	f := newTicketFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateTicket(ctx, client, TicketCreateInput{Phone: "1", Email: "nope"})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	details := apperrors.ToDomainError(err).Details
	if details["name"] == nil || details["email"] == nil {
		t.Fatalf("expected name and email details, got %v", details)
	}
	if _, err := f.svc.CreateTicket(ctx, operator, TicketCreateInput{Name: "Ana", Phone: "1"}); !apperrors.IsForbidden(err) {
		t.Fatalf("operators cannot open tickets, got %v", err)
	}
}

func TestTransitionRejectsClaimAndUnknownStatus(t *testing.T) {
	f := newTicketFixture(t)
	tk := f.submit(t)
	ctx := context.Background()

	if _, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatusClaimed, ""); !apperrors.IsValidation(err) {
		t.Fatalf("claim must go through the queue, got %v", err)
	}
	if _, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatus("in_progress"), ""); !apperrors.IsValidation(err) {
		t.Fatalf("non-canonical status must be rejected, got %v", err)
	}
}

func TestIdentityValidatedRequiresChecklist(t *testing.T) {
	f := newTicketFixture(t)
	ctx := context.Background()
	tk := f.submit(t)
	if _, err := f.coord.Claim(ctx, tk.ID, operator); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatusIdentityValidated, ""); !apperrors.IsValidation(err) {
		t.Fatalf("expected checklist gate, got %v", err)
	}
	partial := statemachine.IdentityChecklist{Name: true, Phone: true}
	if _, err := f.svc.ConfirmIdentity(ctx, tk.ID, operator, partial); !apperrors.IsValidation(err) {
		t.Fatalf("partial checklist must fail, got %v", err)
	}
	if _, err := f.svc.ConfirmIdentity(ctx, tk.ID, colleague, fullChecklist); !apperrors.IsForbidden(err) {
		t.Fatalf("non-holder must be forbidden, got %v", err)
	}

	got, err := f.svc.ConfirmIdentity(ctx, tk.ID, operator, fullChecklist)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != domain.TicketStatusIdentityValidated || !got.IdentityValidation.Completed {
		t.Fatalf("unexpected ticket %+v", got)
	}
	if got.IdentityValidation.Verifier != operator.UID || len(got.IdentityValidation.VerifiedFields) != 3 {
		t.Fatalf("unexpected validation %+v", got.IdentityValidation)
	}
}

func TestTransitionWritesTimelineAndStateLog(t *testing.T) {
	f := newTicketFixture(t)
	tk := f.inProgress(t)
	ctx := context.Background()

	done, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatusCompleted, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Termination.TerminatedBy != operator.UID || done.Termination.TerminatedAt == nil {
		t.Fatalf("termination not stamped: %+v", done.Termination)
	}
	last := done.Timeline[len(done.Timeline)-1]
	if last.Type != domain.TimelineTransition || last.Status != domain.TicketStatusCompleted {
		t.Fatalf("unexpected last timeline entry %+v", last)
	}

	logs, err := f.svc.ListStateLogs(ctx, tk.ID, operator)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	var path []domain.TicketStatus
	for _, l := range logs {
		path = append(path, l.To)
	}
	want := []domain.TicketStatus{
		domain.TicketStatusClaimed,
		domain.TicketStatusIdentityValidated,
		domain.TicketStatusInProgress,
		domain.TicketStatusCompleted,
	}
	if len(path) != len(want) {
		t.Fatalf("unexpected state log path %v", path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("unexpected state log path %v", path)
		}
	}
	if _, err := f.svc.ListStateLogs(ctx, tk.ID, client); !apperrors.IsForbidden(err) {
		t.Fatalf("clients cannot read the audit trail, got %v", err)
	}
	if n := f.metrics.Count(observability.CounterTransitions); n != 3 {
		t.Fatalf("expected 3 transitions counted, got %d", n)
	}
}

func TestRegressiveTransitionNeedsJustificationAndClearsAssignee(t *testing.T) {
	f := newTicketFixture(t)
	tk := f.inProgress(t)
	ctx := context.Background()

	if _, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatusQueued, "  "); !apperrors.IsValidation(err) {
		t.Fatalf("expected missing justification, got %v", err)
	}
	back, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatusQueued, "client asked for billing")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if back.AssignedOperator != nil || back.ClaimedAt != nil || back.IdentityValidation.Completed {
		t.Fatalf("requeue must reset ownership: %+v", back)
	}
}

func TestRequeueThroughTransitionFollowsReleaseRules(t *testing.T) {
	f := newTicketFixture(t)
	ctx := context.Background()
	tk := f.submit(t)
	if _, err := f.coord.Claim(ctx, tk.ID, operator); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := f.coord.ReleaseBack(ctx, tk.ID, operator, "x"); !apperrors.IsValidation(err) {
		t.Fatalf("release with short reason must fail, got %v", err)
	}
	if _, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatusQueued, "x"); !apperrors.IsValidation(err) {
		t.Fatalf("requeue with short reason must fail like release, got %v", err)
	}
	held, _ := f.mem.GetTicket(ctx, tk.ID)
	if held.Status != domain.TicketStatusClaimed || !held.HeldBy(operator.UID) {
		t.Fatalf("rejected requeue changed the ticket: %+v", held)
	}

	back, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatusQueued, "wrong sector, sending back")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if back.Timeline[len(back.Timeline)-1].Type != domain.TimelineReleased {
		t.Fatalf("requeue must be recorded as a release, got %+v", back.Timeline)
	}
	released := false
	for _, et := range f.eventTypes() {
		if et == events.EventTicketReleased {
			released = true
		}
	}
	if !released {
		t.Fatalf("expected a released event, got %v", f.eventTypes())
	}
	if n := f.metrics.Count(observability.CounterReleases); n != 1 {
		t.Fatalf("expected one release counted, got %d", n)
	}
}

func TestForwardedTicketCanBeTakenOver(t *testing.T) {
	f := newTicketFixture(t)
	tk := f.inProgress(t)
	ctx := context.Background()

	if _, err := f.svc.Transition(ctx, tk.ID, colleague, domain.TicketStatusForwarded, ""); !apperrors.IsForbidden(err) {
		t.Fatalf("non-holder cannot forward, got %v", err)
	}
	if _, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatusForwarded, ""); err != nil {
		t.Fatalf("forward: %v", err)
	}
	taken, err := f.svc.Transition(ctx, tk.ID, colleague, domain.TicketStatusInProgress, "")
	if err != nil {
		t.Fatalf("take over: %v", err)
	}
	if !taken.HeldBy(colleague.UID) {
		t.Fatalf("expected colleague to hold the ticket, got %+v", taken.AssignedOperator)
	}
}

func TestClientCancelAndSupervisorOverride(t *testing.T) {
	f := newTicketFixture(t)
	ctx := context.Background()

	tk := f.submit(t)
	if _, err := f.svc.Transition(ctx, tk.ID, stranger, domain.TicketStatusCancelled, ""); !apperrors.IsForbidden(err) {
		t.Fatalf("other clients cannot cancel, got %v", err)
	}
	cancelled, err := f.svc.Transition(ctx, tk.ID, client, domain.TicketStatusCancelled, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Termination.TerminatedBy != client.UID {
		t.Fatalf("unexpected termination %+v", cancelled.Termination)
	}
	if _, err := f.svc.Transition(ctx, tk.ID, client, domain.TicketStatusQueued, "again"); !apperrors.IsValidation(err) {
		t.Fatalf("terminal tickets cannot move, got %v", err)
	}

	held := f.inProgress(t)
	if _, err := f.svc.Transition(ctx, held.ID, supervisor, domain.TicketStatusCancelled, ""); err != nil {
		t.Fatalf("supervisor override: %v", err)
	}
}

func TestAddMessageRules(t *testing.T) {
	f := newTicketFixture(t)
	ctx := context.Background()
	tk := f.submit(t)

	if _, err := f.svc.AddMessage(ctx, tk.ID, client, "   "); !apperrors.IsValidation(err) {
		t.Fatalf("blank message must fail, got %v", err)
	}
	if _, err := f.svc.AddMessage(ctx, tk.ID, stranger, "hi"); !apperrors.IsForbidden(err) {
		t.Fatalf("foreign client must be forbidden, got %v", err)
	}
	if _, err := f.svc.AddMessage(ctx, tk.ID, operator, "hello"); !apperrors.IsForbidden(err) {
		t.Fatalf("operator must hold the ticket, got %v", err)
	}
	if _, err := f.svc.AddMessage(ctx, tk.ID, client, "  Hello, anyone there?  "); err != nil {
		t.Fatalf("client message: %v", err)
	}
	if _, err := f.coord.Claim(ctx, tk.ID, operator); err != nil {
		t.Fatalf("claim: %v", err)
	}
	f.clock.Advance(time.Second)
	if _, err := f.svc.AddMessage(ctx, tk.ID, operator, strings.Repeat("long reply ", 20)); err != nil {
		t.Fatalf("operator message: %v", err)
	}

	msgs, err := f.svc.ListMessages(ctx, tk.ID, client)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "Hello, anyone there?" || msgs[1].Author != domain.RoleOperator {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if _, err := f.svc.ListMessages(ctx, tk.ID, stranger); !apperrors.IsNotFound(err) {
		t.Fatalf("foreign client must not see the ticket, got %v", err)
	}

	f.mu.Lock()
	var preview string
	for _, e := range f.events {
		if p, ok := e.Payload.(events.TicketMessageAddedPayload); ok && p.Author == domain.RoleOperator {
			preview = p.BodyPreview
		}
	}
	f.mu.Unlock()
	if len(preview) != previewLength || !strings.HasSuffix(preview, "...") {
		t.Fatalf("unexpected preview %q", preview)
	}
}

func TestRateOnlyOnceAfterCompletion(t *testing.T) {
	f := newTicketFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	if _, err := f.svc.Rate(ctx, tk.ID, client, 5); !apperrors.IsValidation(err) {
		t.Fatalf("cannot rate open ticket, got %v", err)
	}
	if _, err := f.svc.Transition(ctx, tk.ID, operator, domain.TicketStatusCompleted, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.svc.Rate(ctx, tk.ID, client, 6); !apperrors.IsValidation(err) {
		t.Fatalf("rating out of range must fail, got %v", err)
	}
	rated, err := f.svc.Rate(ctx, tk.ID, client, 4)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rated.Termination.Rating == nil || *rated.Termination.Rating != 4 {
		t.Fatalf("unexpected rating %+v", rated.Termination)
	}
	if _, err := f.svc.Rate(ctx, tk.ID, client, 5); !apperrors.IsConflict(err) {
		t.Fatalf("second rating must conflict, got %v", err)
	}
	if _, err := f.svc.AddMessage(ctx, tk.ID, client, "thanks"); !apperrors.IsValidation(err) {
		t.Fatalf("closed tickets reject messages, got %v", err)
	}
}

func TestUpdateCaseFieldsRequiresHolder(t *testing.T) {
	f := newTicketFixture(t)
	ctx := context.Background()
	tk := f.submit(t)
	fields := domain.CaseFields{Type: " billing ", Description: "double charge"}

	if _, err := f.svc.UpdateCaseFields(ctx, tk.ID, operator, fields); !apperrors.IsValidation(err) {
		t.Fatalf("queued ticket is not editable, got %v", err)
	}
	if _, err := f.coord.Claim(ctx, tk.ID, operator); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.svc.UpdateCaseFields(ctx, tk.ID, colleague, fields); !apperrors.IsForbidden(err) {
		t.Fatalf("non-holder must be forbidden, got %v", err)
	}
	got, err := f.svc.UpdateCaseFields(ctx, tk.ID, operator, fields)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Case.Type != "billing" || got.Timeline[len(got.Timeline)-1].Type != domain.TimelineCaseUpdate {
		t.Fatalf("unexpected ticket %+v", got)
	}
}

func TestAvailableTransitionsHidesClaimEdge(t *testing.T) {
	f := newTicketFixture(t)
	tk := f.submit(t)

	got, err := f.svc.AvailableTransitions(context.Background(), tk.ID, operator)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("operator has no direct edge from QUEUED, got %v", got)
	}
	got, err = f.svc.AvailableTransitions(context.Background(), tk.ID, client)
	if err != nil || len(got) != 1 || got[0] != domain.TicketStatusCancelled {
		t.Fatalf("client may only cancel, got %v %v", got, err)
	}
}

func TestCaseRequests(t *testing.T) {
	f := newTicketFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateCaseRequest(ctx, operator, CaseRequestInput{Title: "x", Description: "y", Priority: "SOON"}); !apperrors.IsValidation(err) {
		t.Fatalf("unknown priority must fail, got %v", err)
	}
	req, err := f.svc.CreateCaseRequest(ctx, operator, CaseRequestInput{Title: "Refund", Description: "Customer wants a refund"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Priority != domain.CasePriorityMedium || req.ID == "" {
		t.Fatalf("unexpected request %+v", req)
	}
	list, err := f.svc.ListCaseRequests(ctx, supervisor, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("unexpected list %v %v", list, err)
	}
	if _, err := f.svc.ListCaseRequests(ctx, client, 10); !apperrors.IsForbidden(err) {
		t.Fatalf("clients cannot list case requests, got %v", err)
	}
}

func TestStringPreview(t *testing.T) {
	if got := stringPreview("  short  ", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
	if got := stringPreview("abcdefghij", 6); got != "abc..." {
		t.Fatalf("unexpected %q", got)
	}
	accented := strings.Repeat("a", 76) + "ção pendente de revisão"
	got := stringPreview(accented, previewLength)
	if !utf8.ValidString(got) || utf8.RuneCountInString(got) != previewLength {
		t.Fatalf("preview must cut on rune boundaries, got %q", got)
	}
	if !strings.HasPrefix(got, strings.Repeat("a", 76)+"ç") {
		t.Fatalf("unexpected %q", got)
	}
}

func TestMessageLengthCountsCharacters(t *testing.T) {
	f := newTicketFixture(t)
	tk := f.inProgress(t)
	ctx := context.Background()

	atLimit := strings.Repeat("ç", maxMessageLength)
	if _, err := f.svc.AddMessage(ctx, tk.ID, client, atLimit); err != nil {
		t.Fatalf("a message of exactly the limit in characters must pass, got %v", err)
	}
	if _, err := f.svc.AddMessage(ctx, tk.ID, client, atLimit+"ç"); !apperrors.IsValidation(err) {
		t.Fatalf("expected too long, got %v", err)
	}
}
