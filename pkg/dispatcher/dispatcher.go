// Package dispatcher decides which flows must start a new session for a
// contact in response to a trigger signal, enforcing the one-exclusive-flow
// per-contact rule.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zapflow/zapflow/pkg/events"
	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
)

// Advancer runs the first step of a freshly created session.
type Advancer interface {
	Advance(ctx context.Context, sessionID string) error
}

// Scheduler cancels the delay jobs of sessions being paused.
type Scheduler interface {
	CancelAll(ctx context.Context, sessionID string) error
}

type Dispatcher struct {
	persistence persistence.Persistence
	advancer    Advancer
	scheduler   Scheduler
	logger      *slog.Logger
}

func NewDispatcher(logger *slog.Logger, p persistence.Persistence, advancer Advancer, scheduler Scheduler) *Dispatcher {
	return &Dispatcher{
		persistence: p,
		advancer:    advancer,
		scheduler:   scheduler,
		logger:      logger.With("module", "dispatcher"),
	}
}

// Dispatch starts a session for every active flow matching the trigger.
// A failure on one flow never aborts the others; errors are collected and
// returned joined.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger events.TriggerEvent) error {
	contact, err := d.persistence.Contacts().ContactByID(ctx, trigger.ContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact %s: %w", trigger.ContactID, err)
	}

	// A paused contact is a valid suppressed state, not an error.
	if contact.FlowPaused {
		d.logger.DebugContext(ctx, "Contact has flows paused, trigger suppressed",
			"contact_id", contact.ID, "kind", trigger.Kind)

		return nil
	}

	flows, err := d.persistence.Flows().ActiveFlowsByTrigger(ctx, contact.TenantID, trigger.Kind)
	if err != nil {
		return fmt.Errorf("failed to load flows for tenant %s: %w", contact.TenantID, err)
	}

	var errs []error

	for _, flow := range flows {
		if !d.matches(flow, contact, trigger) {
			continue
		}

		err := d.startFlow(ctx, flow, contact, trigger)
		if err != nil {
			d.logger.ErrorContext(ctx, "Failed to start flow for trigger",
				"flow_id", flow.ID, "contact_id", contact.ID, "error", err)
			errs = append(errs, fmt.Errorf("flow %s: %w", flow.ID, err))
		}
	}

	return errors.Join(errs...)
}

// DispatchManual starts one named flow for a contact, bypassing trigger
// matching but keeping the idempotence and exclusivity rules.
func (d *Dispatcher) DispatchManual(ctx context.Context, contactID, flowID string) error {
	contact, err := d.persistence.Contacts().ContactByID(ctx, contactID)
	if err != nil {
		return fmt.Errorf("failed to load contact %s: %w", contactID, err)
	}

	flow, err := d.persistence.Flows().FlowByID(ctx, flowID)
	if err != nil {
		return fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}

	if !flow.Active {
		return fmt.Errorf("flow %s is not active", flowID)
	}

	return d.startFlow(ctx, flow, contact, events.TriggerEvent{
		ContactID: contactID,
		Kind:      models.TriggerTypeManual,
	})
}

func (d *Dispatcher) matches(flow *models.Flow, contact *models.Contact, trigger events.TriggerEvent) bool {
	// A flow whose own tag node raised the trigger never retriggers itself.
	if trigger.SourceFlowID != "" && flow.ID == trigger.SourceFlowID {
		return false
	}

	if trigger.Kind == models.TriggerTypeTag && !flow.MatchesTag(trigger.TagName) {
		return false
	}

	if len(flow.InstanceIDs) > 0 {
		if contact.InstanceID == nil || !flow.AssignedTo(*contact.InstanceID) {
			return false
		}
	}

	return true
}

func (d *Dispatcher) startFlow(ctx context.Context, flow *models.Flow, contact *models.Contact, trigger events.TriggerEvent) error {
	existing, err := d.persistence.Sessions().ActiveSessionByFlowAndContact(ctx, flow.ID, contact.ID)
	if err != nil {
		return fmt.Errorf("failed to check existing session: %w", err)
	}

	if existing != nil {
		d.logger.DebugContext(ctx, "Active session already exists, trigger ignored",
			"flow_id", flow.ID, "contact_id", contact.ID, "session_id", existing.ID)

		return nil
	}

	// Exclusivity: suspend every competing session and cancel its delay
	// jobs before the new session exists, so no window remains in which
	// two sessions message the same contact.
	if flow.PauseOtherFlows {
		err := d.pauseOtherSessions(ctx, contact.ID)
		if err != nil {
			return err
		}
	}

	startNode := flow.StartNode()
	if startNode == nil {
		return fmt.Errorf("flow %s has no start node", flow.ID)
	}

	now := time.Now().UTC()
	session := &models.FlowSession{
		ID:                newID(),
		FlowID:            flow.ID,
		ContactID:         contact.ID,
		CurrentNodeID:     startNode.ID,
		Variables:         seedVariables(contact, trigger),
		Status:            models.SessionStatusActive,
		StartedAt:         now,
		LastInteractionAt: now,
	}

	err = d.persistence.Sessions().SaveSession(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.logger.InfoContext(ctx, "Session created",
		"session_id", session.ID, "flow_id", flow.ID,
		"contact_id", contact.ID, "trigger", trigger.Kind)

	// First step runs asynchronously: the triggering call must not block on
	// the whole flow.
	go func() {
		advanceCtx := context.WithoutCancel(ctx)

		err := d.advancer.Advance(advanceCtx, session.ID)
		if err != nil {
			d.logger.ErrorContext(advanceCtx, "First step execution failed",
				"session_id", session.ID, "error", err)
		}
	}()

	return nil
}

func (d *Dispatcher) pauseOtherSessions(ctx context.Context, contactID string) error {
	sessions, err := d.persistence.Sessions().ActiveSessionsByContact(ctx, contactID)
	if err != nil {
		return fmt.Errorf("failed to list active sessions for contact %s: %w", contactID, err)
	}

	for _, session := range sessions {
		err := d.scheduler.CancelAll(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("failed to cancel delay jobs for session %s: %w", session.ID, err)
		}

		// Status-only write: an Advance call mid-step on this session keeps
		// its cursor, and the pause wins over the in-flight copy.
		err = d.persistence.Sessions().UpdateSessionStatus(ctx, session.ID, models.SessionStatusPaused, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to pause session %s: %w", session.ID, err)
		}

		d.logger.InfoContext(ctx, "Session paused by exclusive flow",
			"session_id", session.ID, "contact_id", contactID)
	}

	return nil
}

func seedVariables(contact *models.Contact, trigger events.TriggerEvent) map[string]any {
	source := string(trigger.Kind)
	if trigger.Kind == models.TriggerTypeTag {
		source = trigger.TagName
	}

	return map[string]any{
		models.VarContactName:  contact.Name,
		models.VarContactPhone: contact.Phone,
		models.VarTrigger:      source,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}

	return id.String()
}
