// Package flow implements the session engine: the interpreter that advances
// a per-contact session through a flow graph one node at a time, under the
// per-session processing lock.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zapflow/zapflow/pkg/events"
	"github.com/zapflow/zapflow/pkg/gateway"
	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
	"github.com/zapflow/zapflow/pkg/template"
)

// Dispatcher receives trigger signals raised by tag nodes mid-session.
type Dispatcher interface {
	Dispatch(ctx context.Context, trigger events.TriggerEvent) error
}

// Scheduler creates and cancels durable delayed continuations.
type Scheduler interface {
	Schedule(ctx context.Context, sessionID string, fireAt time.Time) error
	CancelAll(ctx context.Context, sessionID string) error
}

const (
	// DefaultStaleLockThreshold is how old a processing lock must be before
	// another worker may reclaim it as abandoned.
	DefaultStaleLockThreshold = 5 * time.Minute

	// DefaultMaxStepsPerCall bounds the synchronous node chain of one
	// Advance call; longer chains continue through the delay scheduler.
	DefaultMaxStepsPerCall = 25

	// DefaultMaxErrorCount is the retry ceiling before a failing session is
	// parked as paused instead of looping.
	DefaultMaxErrorCount = 3

	retryBackoff = 30 * time.Second
)

// Engine executes flow sessions. At most one Advance call makes progress on
// a given session at a time; the processing lock in the session row
// serializes workers across processes.
type Engine struct {
	persistence persistence.Persistence
	gateway     gateway.Gateway
	scheduler   Scheduler
	dispatcher  Dispatcher
	logger      *slog.Logger

	staleLockThreshold time.Duration
	maxStepsPerCall    int
	maxErrorCount      int
}

type Option func(*Engine)

func WithStaleLockThreshold(d time.Duration) Option {
	return func(e *Engine) { e.staleLockThreshold = d }
}

func WithMaxStepsPerCall(n int) Option {
	return func(e *Engine) { e.maxStepsPerCall = n }
}

func WithMaxErrorCount(n int) Option {
	return func(e *Engine) { e.maxErrorCount = n }
}

func NewEngine(logger *slog.Logger, p persistence.Persistence, gw gateway.Gateway, scheduler Scheduler, opts ...Option) *Engine {
	engine := &Engine{
		persistence:        p,
		gateway:            gw,
		scheduler:          scheduler,
		logger:             logger.With("module", "flow"),
		staleLockThreshold: DefaultStaleLockThreshold,
		maxStepsPerCall:    DefaultMaxStepsPerCall,
		maxErrorCount:      DefaultMaxErrorCount,
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// SetDispatcher wires the trigger dispatcher after construction; the
// dispatcher itself depends on the engine for first-step execution.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

// Advance executes the session's current node and follows the graph until
// it hits a suspension point (delay node, awaited input), a terminal node,
// or the per-call step bound. Failing to acquire the processing lock is a
// normal outcome: another worker owns the step.
func (e *Engine) Advance(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()

	acquired, err := e.persistence.Sessions().AcquireProcessing(ctx, sessionID, now, now.Add(-e.staleLockThreshold))
	if err != nil {
		return fmt.Errorf("failed to acquire processing lock for session %s: %w", sessionID, err)
	}

	if !acquired {
		e.logger.DebugContext(ctx, "Session is being processed elsewhere", "session_id", sessionID)

		return nil
	}

	defer func() {
		releaseErr := e.persistence.Sessions().ReleaseProcessing(context.WithoutCancel(ctx), sessionID)
		if releaseErr != nil {
			e.logger.ErrorContext(ctx, "Failed to release processing lock",
				"session_id", sessionID, "error", releaseErr)
		}
	}()

	session, err := e.persistence.Sessions().SessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	if session.Status != models.SessionStatusActive {
		return nil
	}

	flow, err := e.persistence.Flows().FlowByID(ctx, session.FlowID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return e.forceComplete(ctx, session, "flow deleted")
		}

		return fmt.Errorf("failed to load flow %s: %w", session.FlowID, err)
	}

	if !flow.Active {
		return e.forceComplete(ctx, session, "flow deactivated")
	}

	contact, err := e.persistence.Contacts().ContactByID(ctx, session.ContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact %s: %w", session.ContactID, err)
	}

	if contact.InstanceID == nil {
		return e.forceComplete(ctx, session, "contact has no instance binding")
	}

	instance, err := e.persistence.Instances().InstanceByID(ctx, *contact.InstanceID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return e.forceComplete(ctx, session, "instance not found")
		}

		return fmt.Errorf("failed to load instance %s: %w", *contact.InstanceID, err)
	}

	for step := 0; step < e.maxStepsPerCall; step++ {
		// A pause written by the dispatcher or an operator while the
		// previous step was in flight ends the chain here.
		if step > 0 {
			current, err := e.persistence.Sessions().SessionByID(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("failed to reload session %s: %w", sessionID, err)
			}

			if current.Status != models.SessionStatusActive {
				e.logger.DebugContext(ctx, "Session no longer active, stopping chain",
					"session_id", sessionID, "status", current.Status)

				return nil
			}
		}

		node := flow.NodeByID(session.CurrentNodeID)
		if node == nil {
			return e.forceComplete(ctx, session, "current node missing from graph")
		}

		if node.Type == models.NodeTypeEnd {
			return e.complete(ctx, session)
		}

		outcome, err := e.evaluateNode(ctx, flow, session, contact, instance, node)
		if err != nil {
			return e.recordStepError(ctx, session, node, err)
		}

		if outcome.suspend {
			return nil
		}

		next := flow.NextNode(node.ID, outcome.branch)
		if next == nil {
			return e.complete(ctx, session)
		}

		session.CurrentNodeID = next.ID
		session.LastInteractionAt = time.Now().UTC()
		session.ErrorCount = 0
		session.LastError = ""

		err = e.persistence.Sessions().UpdateSessionProgress(ctx, session)
		if err != nil {
			return fmt.Errorf("failed to persist session %s: %w", session.ID, err)
		}
	}

	// Step bound hit: continue asynchronously instead of chaining forever
	// inside one call.
	e.logger.WarnContext(ctx, "Step bound reached, rescheduling continuation",
		"session_id", session.ID, "max_steps", e.maxStepsPerCall)

	return e.scheduler.Schedule(ctx, session.ID, time.Now().UTC())
}

// ResumeForInput feeds an inbound text into a session parked on a condition
// node awaiting input, then advances it. Sessions not awaiting input ignore
// the call.
func (e *Engine) ResumeForInput(ctx context.Context, sessionID, input string) error {
	session, err := e.persistence.Sessions().SessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	if session.Status != models.SessionStatusActive {
		return nil
	}

	flow, err := e.persistence.Flows().FlowByID(ctx, session.FlowID)
	if err != nil {
		return fmt.Errorf("failed to load flow %s: %w", session.FlowID, err)
	}

	node := flow.NodeByID(session.CurrentNodeID)
	if node == nil || node.Type != models.NodeTypeCondition || !awaitsInput(node) {
		return nil
	}

	if session.Variables == nil {
		session.Variables = make(map[string]any)
	}

	session.Variables[models.VarLastInput] = input

	err = e.persistence.Sessions().UpdateSessionProgress(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to persist session %s: %w", session.ID, err)
	}

	return e.Advance(ctx, sessionID)
}

type stepOutcome struct {
	branch  string
	suspend bool
}

func (e *Engine) evaluateNode(ctx context.Context, flow *models.Flow, session *models.FlowSession, contact *models.Contact, instance *models.Instance, node *models.FlowNode) (stepOutcome, error) {
	switch node.Type {
	case models.NodeTypeStart:
		return stepOutcome{}, nil
	case models.NodeTypeMessage:
		return stepOutcome{}, e.evaluateMessage(ctx, session, contact, instance, node)
	case models.NodeTypeTag:
		return stepOutcome{}, e.evaluateTag(ctx, flow, session, contact, node)
	case models.NodeTypeCondition:
		return e.evaluateCondition(ctx, session, contact, node)
	case models.NodeTypeDelay:
		return e.evaluateDelay(ctx, flow, session, node)
	case models.NodeTypeEnd:
		return stepOutcome{}, nil
	default:
		return stepOutcome{}, fmt.Errorf("unknown node type %q at node %s", node.Type, node.ID)
	}
}

// evaluateMessage renders and sends the node's message once. The sent-node
// record persisted with the session makes replays after a lock reclaim
// skip nodes that already delivered.
func (e *Engine) evaluateMessage(ctx context.Context, session *models.FlowSession, contact *models.Contact, instance *models.Instance, node *models.FlowNode) error {
	if session.NodeSent(node.ID) {
		e.logger.DebugContext(ctx, "Skipping already-sent message node",
			"session_id", session.ID, "node_id", node.ID)

		return nil
	}

	text, _ := node.Config["text"].(string)

	rendered, err := template.RenderForSession(text, session, contact)
	if err != nil {
		return fmt.Errorf("failed to render message for node %s: %w", node.ID, err)
	}

	payload := gateway.Payload{Kind: models.MessageKindText, Text: rendered}

	if mediaURL, ok := node.Config["media_url"].(string); ok && mediaURL != "" {
		payload.Kind = models.MessageKindImage
		payload.MediaURL = mediaURL
		payload.Caption = rendered
	}

	remoteID, err := e.gateway.Send(ctx, instance, contact.Phone, payload)
	if err != nil {
		return err
	}

	session.MarkSent(node.ID)

	saveErr := e.persistence.Sessions().UpdateSessionProgress(ctx, session)
	if saveErr != nil {
		return fmt.Errorf("failed to record sent node %s: %w", node.ID, saveErr)
	}

	message := &models.Message{
		ID:         newID(),
		ContactID:  contact.ID,
		InstanceID: instance.ID,
		RemoteID:   remoteID,
		Direction:  models.DirectionOut,
		Kind:       payload.Kind,
		Body:       rendered,
		MediaURL:   payload.MediaURL,
		FromMe:     true,
		CreatedAt:  time.Now().UTC(),
	}

	err = e.persistence.Messages().InsertMessage(ctx, message)
	if err != nil && !persistence.IsDuplicateMessage(err) {
		e.logger.WarnContext(ctx, "Failed to store outbound message",
			"session_id", session.ID, "node_id", node.ID, "error", err)
	}

	return nil
}

// evaluateTag applies the node's tag to the contact and dispatches any
// tag-triggered flows synchronously, excluding this flow so a tag node
// cannot retrigger its own flow.
func (e *Engine) evaluateTag(ctx context.Context, flow *models.Flow, session *models.FlowSession, contact *models.Contact, node *models.FlowNode) error {
	tagName, _ := node.Config["tag"].(string)
	if tagName == "" {
		return fmt.Errorf("tag node %s has no tag configured", node.ID)
	}

	if !contact.AddTag(tagName) {
		return nil
	}

	contact.UpdatedAt = time.Now().UTC()

	err := e.persistence.Contacts().SaveContact(ctx, contact)
	if err != nil {
		return fmt.Errorf("failed to save contact %s: %w", contact.ID, err)
	}

	if e.dispatcher == nil {
		return nil
	}

	// Awaited before the session proceeds so the tag's side effects cannot
	// race this session's next step.
	err = e.dispatcher.Dispatch(ctx, events.TriggerEvent{
		ContactID:    contact.ID,
		Kind:         models.TriggerTypeTag,
		TagName:      tagName,
		SourceFlowID: flow.ID,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "Tag dispatch reported errors",
			"session_id", session.ID, "tag", tagName, "error", err)
	}

	return nil
}

func (e *Engine) evaluateCondition(ctx context.Context, session *models.FlowSession, contact *models.Contact, node *models.FlowNode) (stepOutcome, error) {
	if awaitsInput(node) {
		_, hasInput := session.Variables[models.VarLastInput]
		if !hasInput {
			// Genuine suspension point: the session parks here until an
			// inbound message arrives.
			e.logger.DebugContext(ctx, "Session awaiting contact input",
				"session_id", session.ID, "node_id", node.ID)

			return stepOutcome{suspend: true}, nil
		}
	}

	result, err := evalCondition(node, session, contact)
	if err != nil {
		return stepOutcome{}, err
	}

	if awaitsInput(node) {
		delete(session.Variables, models.VarLastInput)

		saveErr := e.persistence.Sessions().UpdateSessionProgress(ctx, session)
		if saveErr != nil {
			return stepOutcome{}, fmt.Errorf("failed to consume input for session %s: %w", session.ID, saveErr)
		}
	}

	if result {
		return stepOutcome{branch: "true"}, nil
	}

	return stepOutcome{branch: "false"}, nil
}

// evaluateDelay persists the continuation point past the delay node, then
// creates the durable job. The call stack unwinds here; a later sweep
// resumes the session.
func (e *Engine) evaluateDelay(ctx context.Context, flow *models.Flow, session *models.FlowSession, node *models.FlowNode) (stepOutcome, error) {
	next := flow.NextNode(node.ID, "")
	if next == nil {
		return stepOutcome{}, nil
	}

	fireAt := time.Now().UTC().Add(delayDuration(node))

	session.CurrentNodeID = next.ID
	session.LastInteractionAt = time.Now().UTC()

	err := e.persistence.Sessions().UpdateSessionProgress(ctx, session)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to persist session %s: %w", session.ID, err)
	}

	err = e.scheduler.Schedule(ctx, session.ID, fireAt)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to schedule continuation for session %s: %w", session.ID, err)
	}

	e.logger.DebugContext(ctx, "Session suspended on delay",
		"session_id", session.ID, "fire_at", fireAt)

	return stepOutcome{suspend: true}, nil
}

func delayDuration(node *models.FlowNode) time.Duration {
	seconds := configInt(node.Config, "seconds")
	minutes := configInt(node.Config, "minutes")
	hours := configInt(node.Config, "hours")

	d := time.Duration(seconds)*time.Second +
		time.Duration(minutes)*time.Minute +
		time.Duration(hours)*time.Hour
	if d <= 0 {
		d = time.Second
	}

	return d
}

func configInt(config map[string]any, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func awaitsInput(node *models.FlowNode) bool {
	await, _ := node.Config["await_input"].(bool)

	return await
}

// complete marks the session terminal and cancels any dangling delay jobs.
func (e *Engine) complete(ctx context.Context, session *models.FlowSession) error {
	session.Status = models.SessionStatusCompleted
	session.LastInteractionAt = time.Now().UTC()

	err := e.persistence.Sessions().UpdateSessionStatus(ctx, session.ID, models.SessionStatusCompleted, session.LastInteractionAt)
	if err != nil {
		return fmt.Errorf("failed to complete session %s: %w", session.ID, err)
	}

	err = e.scheduler.CancelAll(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to cancel delay jobs for session %s: %w", session.ID, err)
	}

	e.logger.InfoContext(ctx, "Session completed",
		"session_id", session.ID, "flow_id", session.FlowID)

	return nil
}

func (e *Engine) forceComplete(ctx context.Context, session *models.FlowSession, reason string) error {
	e.logger.InfoContext(ctx, "Force-completing session",
		"session_id", session.ID, "reason", reason)

	return e.complete(ctx, session)
}

// recordStepError leaves the session active at the same node for a bounded
// automatic retry; past the ceiling, or on a permanent failure where a
// retry is pointless, the session is parked as paused so an operator can
// inspect and resume it.
func (e *Engine) recordStepError(ctx context.Context, session *models.FlowSession, node *models.FlowNode, stepErr error) error {
	session.ErrorCount++
	session.LastError = stepErr.Error()
	session.LastInteractionAt = time.Now().UTC()

	saveErr := e.persistence.Sessions().UpdateSessionProgress(ctx, session)
	if saveErr != nil {
		return fmt.Errorf("failed to record step error for session %s: %w", session.ID, saveErr)
	}

	if gateway.IsPermanent(stepErr) || session.ErrorCount >= e.maxErrorCount {
		session.Status = models.SessionStatusPaused

		statusErr := e.persistence.Sessions().UpdateSessionStatus(ctx, session.ID, models.SessionStatusPaused, session.LastInteractionAt)
		if statusErr != nil {
			return fmt.Errorf("failed to pause failing session %s: %w", session.ID, statusErr)
		}

		cancelErr := e.scheduler.CancelAll(ctx, session.ID)
		if cancelErr != nil {
			e.logger.ErrorContext(ctx, "Failed to cancel delay jobs for paused session",
				"session_id", session.ID, "error", cancelErr)
		}

		e.logger.WarnContext(ctx, "Session paused after step failure",
			"session_id", session.ID, "node_id", node.ID,
			"error_count", session.ErrorCount, "error", stepErr)

		return fmt.Errorf("session %s paused after %d failures at node %s: %w",
			session.ID, session.ErrorCount, node.ID, stepErr)
	}

	retryAt := time.Now().UTC().Add(retryBackoff * time.Duration(session.ErrorCount))

	scheduleErr := e.scheduler.Schedule(ctx, session.ID, retryAt)
	if scheduleErr != nil {
		return fmt.Errorf("failed to schedule retry for session %s: %w", session.ID, scheduleErr)
	}

	e.logger.WarnContext(ctx, "Step failed, retry scheduled",
		"session_id", session.ID, "node_id", node.ID,
		"attempt", session.ErrorCount, "retry_at", retryAt, "error", stepErr)

	return stepErr
}
