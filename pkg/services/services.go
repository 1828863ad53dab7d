// Package services exposes the operator-facing operations consumed by the
// HTTP API: loop control, manual triggering, flow management and session
// inspection.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/zapflow/zapflow/pkg/gateway"
	"github.com/zapflow/zapflow/pkg/maturation"
	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
)

// Dispatcher starts flows for a contact.
type Dispatcher interface {
	DispatchManual(ctx context.Context, contactID, flowID string) error
}

// Scheduler cancels and creates delayed continuations for paused and
// resumed sessions.
type Scheduler interface {
	CancelAll(ctx context.Context, sessionID string) error
}

// Advancer resumes a session after an operator unpauses it.
type Advancer interface {
	Advance(ctx context.Context, sessionID string) error
}

type Service struct {
	persistence persistence.Persistence
	gateway     gateway.Gateway
	runner      *maturation.Runner
	dispatcher  Dispatcher
	scheduler   Scheduler
	advancer    Advancer
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewService(logger *slog.Logger, p persistence.Persistence, gw gateway.Gateway, runner *maturation.Runner, dispatcher Dispatcher, scheduler Scheduler, advancer Advancer) *Service {
	return &Service{
		persistence: p,
		gateway:     gw,
		runner:      runner,
		dispatcher:  dispatcher,
		scheduler:   scheduler,
		advancer:    advancer,
		validator:   validator.New(),
		logger:      logger.With("module", "services"),
	}
}

// StartConversationLoop starts the maturation loop for a conversation.
func (s *Service) StartConversationLoop(ctx context.Context, conversationID string) error {
	err := s.runner.Start(ctx, conversationID)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, maturation.ErrAlreadyRunning):
		return fmt.Errorf("%w: loop for conversation %s is already running", ErrConflict, conversationID)
	case errors.Is(err, maturation.ErrConversationInactive):
		return fmt.Errorf("%w: conversation %s is not active", ErrValidation, conversationID)
	case persistence.IsNotFound(err):
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	default:
		return err
	}
}

// StopConversationLoop stops the loop; stopping a stopped loop succeeds.
func (s *Service) StopConversationLoop(_ context.Context, conversationID string) {
	s.runner.Stop(conversationID)
}

// ListRunningLoops returns the conversation ids with a live loop in this
// process.
func (s *Service) ListRunningLoops() []string {
	return s.runner.Running()
}

// TriggerFlow manually starts a flow for a contact. With an empty flowID
// every active manual-trigger flow matching the contact is considered.
func (s *Service) TriggerFlow(ctx context.Context, contactID, flowID string) error {
	if flowID == "" {
		return s.triggerManualFlows(ctx, contactID)
	}

	err := s.dispatcher.DispatchManual(ctx, contactID, flowID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}

		return err
	}

	return nil
}

func (s *Service) triggerManualFlows(ctx context.Context, contactID string) error {
	contact, err := s.persistence.Contacts().ContactByID(ctx, contactID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return fmt.Errorf("%w: contact %s", ErrNotFound, contactID)
		}

		return err
	}

	flows, err := s.persistence.Flows().ActiveFlowsByTrigger(ctx, contact.TenantID, models.TriggerTypeManual)
	if err != nil {
		return err
	}

	var errs []error

	for _, flow := range flows {
		err := s.dispatcher.DispatchManual(ctx, contactID, flow.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("flow %s: %w", flow.ID, err))
		}
	}

	return errors.Join(errs...)
}

// MarkRead sends a read receipt for the contact's chat and zeroes the
// unread counter. A gateway failure still clears the counter; the receipt
// is best-effort.
func (s *Service) MarkRead(ctx context.Context, contactID string) error {
	contact, err := s.persistence.Contacts().ContactByID(ctx, contactID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return fmt.Errorf("%w: contact %s", ErrNotFound, contactID)
		}

		return err
	}

	if contact.InstanceID != nil {
		instance, err := s.persistence.Instances().InstanceByID(ctx, *contact.InstanceID)
		if err == nil {
			err = s.gateway.MarkRead(ctx, instance, contact.Phone)
			if err != nil {
				s.logger.WarnContext(ctx, "Read receipt failed",
					"contact_id", contactID, "error", err)
			}
		}
	}

	return s.persistence.Contacts().ResetUnread(ctx, contactID)
}

// SaveFlow validates and persists a flow definition.
func (s *Service) SaveFlow(ctx context.Context, flow *models.Flow) error {
	err := s.validateFlowDefinition(flow)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if flow.ID == "" {
		flow.ID = newID()
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	return s.persistence.Flows().SaveFlow(ctx, flow)
}

func (s *Service) validateFlowDefinition(flow *models.Flow) error {
	err := s.validator.Struct(flow)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	raw, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(flowDefinitionSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to validate flow definition: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(details, "; "))
	}

	if flow.StartNode() == nil {
		return fmt.Errorf("%w: flow has no start node", ErrValidation)
	}

	if flow.TriggerType == models.TriggerTypeTag && len(flow.TriggerTags) == 0 {
		return fmt.Errorf("%w: tag-triggered flow needs at least one trigger tag", ErrValidation)
	}

	return nil
}

// PauseSession parks an active session and cancels its pending delays so
// an operator can inspect it.
func (s *Service) PauseSession(ctx context.Context, sessionID string) error {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.Status == models.SessionStatusCompleted {
		return fmt.Errorf("%w: session %s is completed", ErrConflict, sessionID)
	}

	if session.Status == models.SessionStatusPaused {
		return nil
	}

	err = s.scheduler.CancelAll(ctx, sessionID)
	if err != nil {
		return err
	}

	// Status-only write so a step in flight cannot resurrect the session.
	return s.persistence.Sessions().UpdateSessionStatus(ctx, sessionID, models.SessionStatusPaused, time.Now().UTC())
}

// ResumeSession reactivates a paused session at its current node and runs
// the next step.
func (s *Service) ResumeSession(ctx context.Context, sessionID string) error {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.Status == models.SessionStatusCompleted {
		return fmt.Errorf("%w: session %s is completed", ErrConflict, sessionID)
	}

	if session.Status == models.SessionStatusActive {
		return nil
	}

	session.Status = models.SessionStatusActive
	session.ErrorCount = 0
	session.LastError = ""
	session.LastInteractionAt = time.Now().UTC()

	err = s.persistence.Sessions().SaveSession(ctx, session)
	if err != nil {
		return err
	}

	return s.advancer.Advance(ctx, sessionID)
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*models.FlowSession, error) {
	session, err := s.persistence.Sessions().SessionByID(ctx, sessionID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}

		return nil, err
	}

	return session, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}

	return id.String()
}
