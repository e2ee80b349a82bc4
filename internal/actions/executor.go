// Package actions executes the side-effecting actions the assistant may request
// and records every invocation in the audit log.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/jobs"
	"github.com/hawkins-trichology/concierge/internal/metrics"
	"github.com/hawkins-trichology/concierge/internal/store"
)

var (
	// ErrUnknownAction is returned for function names or action types with no handler.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidArguments is returned when action arguments fail to decode or validate.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// catalogLimit caps the items returned by fetch-catalog.
const catalogLimit = 10

// Store is the persistence used by the executor.
type Store interface {
	CreateActionInvocation(ctx context.Context, inv *domain.ActionInvocation) error
	FinishActionInvocation(ctx context.Context, inv *domain.ActionInvocation) error
	SetConversationContact(ctx context.Context, id, contactID string) error
	UpsertContact(ctx context.Context, c *domain.Contact) error
	GetContactByEmail(ctx context.Context, email string) (*domain.Contact, error)
	CreateActivity(ctx context.Context, a *domain.Activity) error
	CreateEnquiry(ctx context.Context, e *domain.Enquiry) error
	CreateBooking(ctx context.Context, b *domain.Booking) error
	CreateTask(ctx context.Context, t *domain.FollowUpTask) error
	ListPublishedCatalog(ctx context.Context, category string, limit int) ([]domain.CatalogItem, error)
}

// Outcome is the result of one executed action.
type Outcome struct {
	// Invocation is the audit record in its terminal state.
	Invocation *domain.ActionInvocation
	// Function is the model-facing function name.
	Function string
	// Result is the structured result reported to the client.
	Result json.RawMessage
	// Ack is the acknowledgment text appended to the assistant message.
	Ack string
}

// Executor performs actions. It is safe for concurrent use.
type Executor struct {
	store        Store
	jobs         jobs.Enqueuer
	practitioner string
	logger       *slog.Logger
}

// NewExecutor creates an executor. q may be nil, in which case follow-up
// notifications are not scheduled.
func NewExecutor(s Store, q jobs.Enqueuer, practitioner string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: s, jobs: q, practitioner: practitioner, logger: logger}
}

// ExecuteTool runs the action the model requested by function name with its
// raw argument text. Unknown functions and malformed arguments are recorded
// as failed invocations.
func (e *Executor) ExecuteTool(ctx context.Context, conversationID, function, arguments string) (*Outcome, error) {
	kind, _ := KindForTool(function)
	return e.run(ctx, conversationID, function, kind, []byte(arguments))
}

// Execute runs an action by kind outside a chat turn.
func (e *Executor) Execute(ctx context.Context, conversationID string, kind domain.ActionKind, payload json.RawMessage) (*Outcome, error) {
	return e.run(ctx, conversationID, ToolForKind(kind), kind, payload)
}

type effect struct {
	result       map[string]any
	resourceType string
	resourceID   string
	items        []domain.CatalogItem
}

func (e *Executor) run(ctx context.Context, conversationID, function string, kind domain.ActionKind, input []byte) (*Outcome, error) {
	// The audit trail is written even if the caller has gone away.
	auditCtx := context.WithoutCancel(ctx)

	inv := &domain.ActionInvocation{
		ConversationID: conversationID,
		Kind:           kind,
		Function:       function,
		Input:          auditInput(input),
		Status:         domain.ActionPending,
	}
	if err := e.store.CreateActionInvocation(auditCtx, inv); err != nil {
		return nil, fmt.Errorf("record action: %w", err)
	}

	out := &Outcome{Invocation: inv, Function: function}
	logger := e.logger.With("conversation_id", conversationID, "action", function, "invocation_id", inv.ID)

	eff, err := e.dispatch(ctx, conversationID, kind, function, input)
	if err == nil {
		out.Result, err = json.Marshal(eff.result)
	}

	if err != nil {
		inv.Status = domain.ActionFailed
		inv.Error = err.Error()
	} else {
		inv.Status = domain.ActionCompleted
		inv.Result = out.Result
		inv.ResourceType = eff.resourceType
		inv.ResourceID = eff.resourceID
		out.Ack = Acknowledgment(kind, e.practitioner, eff.items)
	}
	metrics.ActionInvocations.WithLabelValues(metricKind(kind), string(inv.Status)).Inc()

	if finishErr := e.store.FinishActionInvocation(auditCtx, inv); finishErr != nil {
		logger.Error("failed to record action outcome", "status", inv.Status, "error", finishErr)
		if err == nil {
			err = fmt.Errorf("record action outcome: %w", finishErr)
		}
	}

	if err != nil {
		logger.Warn("action failed", "error", err)
		return out, err
	}
	logger.Info("action completed", "resource_type", inv.ResourceType, "resource_id", inv.ResourceID)
	return out, nil
}

func (e *Executor) dispatch(ctx context.Context, conversationID string, kind domain.ActionKind, function string, input []byte) (*effect, error) {
	switch kind {
	case domain.ActionCreateContact:
		var args ContactArgs
		if err := decodeArgs(input, &args); err != nil {
			return nil, err
		}
		return e.createContact(ctx, conversationID, args)
	case domain.ActionCreateEnquiry:
		var args EnquiryArgs
		if err := decodeArgs(input, &args); err != nil {
			return nil, err
		}
		return e.createEnquiry(ctx, conversationID, args)
	case domain.ActionCreateBooking:
		var args BookingArgs
		if err := decodeArgs(input, &args); err != nil {
			return nil, err
		}
		return e.createBooking(ctx, conversationID, args)
	case domain.ActionFetchCatalog:
		var args CatalogArgs
		if err := decodeArgs(input, &args); err != nil {
			return nil, err
		}
		return e.fetchCatalog(ctx, args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, function)
	}
}

func (e *Executor) createContact(ctx context.Context, conversationID string, args ContactArgs) (*effect, error) {
	contact := &domain.Contact{
		FirstName:      args.FirstName,
		LastName:       args.LastName,
		Email:          args.Email,
		Phone:          args.Phone,
		Source:         "AI Chat",
		LifecycleStage: domain.StageLead,
	}
	if err := e.store.UpsertContact(ctx, contact); err != nil {
		return nil, fmt.Errorf("save contact: %w", err)
	}
	e.linkContact(ctx, conversationID, contact.ID)

	body := args.Notes
	if body == "" {
		body = "Contact created via AI chat assistant"
	}
	if err := e.store.CreateActivity(ctx, &domain.Activity{
		ContactID: contact.ID,
		Type:      domain.ActivityNote,
		Subject:   "AI Chat Conversation",
		Body:      body,
	}); err != nil {
		return nil, fmt.Errorf("log contact activity: %w", err)
	}

	return &effect{
		result:       map[string]any{"contactId": contact.ID, "email": contact.Email},
		resourceType: "contact",
		resourceID:   contact.ID,
	}, nil
}

func (e *Executor) createEnquiry(ctx context.Context, conversationID string, args EnquiryArgs) (*effect, error) {
	contact, err := e.store.GetContactByEmail(ctx, args.Email)
	if errors.Is(err, store.ErrNotFound) {
		first, last := domain.SplitName(args.Name)
		contact = &domain.Contact{
			FirstName:      first,
			LastName:       last,
			Email:          args.Email,
			Phone:          args.Phone,
			Source:         "Course Enquiry - AI Chat",
			LifecycleStage: domain.StageMarketingQualifiedLead,
		}
		err = e.store.UpsertContact(ctx, contact)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve contact: %w", err)
	}
	e.linkContact(ctx, conversationID, contact.ID)

	enquiry := &domain.Enquiry{
		ContactID:      contact.ID,
		ConversationID: conversationID,
		CourseName:     args.CourseName,
		Message:        args.Message,
	}
	if err := e.store.CreateEnquiry(ctx, enquiry); err != nil {
		return nil, fmt.Errorf("record enquiry: %w", err)
	}

	phone := args.Phone
	if phone == "" {
		phone = "Not provided"
	}
	if err := e.store.CreateActivity(ctx, &domain.Activity{
		ContactID: contact.ID,
		Type:      domain.ActivityNote,
		Subject:   "Course Enquiry: " + args.CourseName,
		Body:      fmt.Sprintf("%s\n\nContact: %s\nEmail: %s\nPhone: %s", args.Message, args.Name, args.Email, phone),
	}); err != nil {
		return nil, fmt.Errorf("log enquiry activity: %w", err)
	}

	return &effect{
		result: map[string]any{
			"contactId":       contact.ID,
			"enquiryRecorded": true,
			"enquiryId":       enquiry.ID,
			"courseName":      args.CourseName,
		},
		resourceType: "enquiry",
		resourceID:   enquiry.ID,
	}, nil
}

func (e *Executor) createBooking(ctx context.Context, conversationID string, args BookingArgs) (*effect, error) {
	first, last := domain.SplitName(args.Name)
	contact := &domain.Contact{
		FirstName:      first,
		LastName:       last,
		Email:          args.Email,
		Phone:          args.Phone,
		Source:         "Consultation Booking - AI Chat",
		LifecycleStage: domain.StageSalesQualifiedLead,
	}
	if err := e.store.UpsertContact(ctx, contact); err != nil {
		return nil, fmt.Errorf("save contact: %w", err)
	}
	e.linkContact(ctx, conversationID, contact.ID)

	booking := &domain.Booking{
		ContactID:      contact.ID,
		ConversationID: conversationID,
		Concern:        args.Concern,
		PreferredTime:  args.PreferredTime,
	}
	if err := e.store.CreateBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("record booking: %w", err)
	}

	preferred := args.PreferredTime
	if preferred == "" {
		preferred = "Not specified"
	}
	if err := e.store.CreateActivity(ctx, &domain.Activity{
		ContactID: contact.ID,
		Type:      domain.ActivityMeeting,
		Subject:   "Consultation Booking Request",
		Body:      fmt.Sprintf("Concern: %s\nPreferred Time: %s\n\nRequested via AI chat assistant", args.Concern, preferred),
	}); err != nil {
		return nil, fmt.Errorf("log booking activity: %w", err)
	}

	task := &domain.FollowUpTask{
		ContactID:   contact.ID,
		BookingID:   booking.ID,
		Title:       "Follow up on consultation booking",
		Description: fmt.Sprintf("Contact %s to schedule consultation.\nConcern: %s", args.Name, args.Concern),
		Priority:    "HIGH",
		Status:      domain.TaskPending,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create follow-up task: %w", err)
	}
	e.enqueue(ctx, jobs.New(jobs.KindStaffNotify, task.ID))

	return &effect{
		result: map[string]any{
			"contactId":        contact.ID,
			"bookingRequested": true,
			"bookingId":        booking.ID,
			"taskCreated":      true,
		},
		resourceType: "booking",
		resourceID:   booking.ID,
	}, nil
}

func (e *Executor) fetchCatalog(ctx context.Context, args CatalogArgs) (*effect, error) {
	items, err := e.store.ListPublishedCatalog(ctx, args.Category, catalogLimit)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	if items == nil {
		items = []domain.CatalogItem{}
	}
	return &effect{
		result: map[string]any{"items": items},
		items:  items,
	}, nil
}

// linkContact attaches the contact to the conversation. A failure does not
// undo the action.
func (e *Executor) linkContact(ctx context.Context, conversationID, contactID string) {
	if conversationID == "" {
		return
	}
	if err := e.store.SetConversationContact(ctx, conversationID, contactID); err != nil {
		e.logger.Warn("failed to link contact to conversation",
			"conversation_id", conversationID, "contact_id", contactID, "error", err)
	}
}

func (e *Executor) enqueue(ctx context.Context, job jobs.Job) {
	if e.jobs == nil {
		return
	}
	if err := e.jobs.Enqueue(ctx, job); err != nil {
		e.logger.Warn("failed to enqueue job", "kind", job.Kind, "ref", job.Ref, "error", err)
	}
}

// auditInput keeps the raw arguments as JSON. Text that is not valid JSON is
// stored as a JSON string so the audit record preserves exactly what the model sent.
func auditInput(input []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(input))
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(input))
	return quoted
}

func metricKind(kind domain.ActionKind) string {
	if kind == "" {
		return "unknown"
	}
	return string(kind)
}
