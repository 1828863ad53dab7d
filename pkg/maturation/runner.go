// Package maturation runs the conversation loops: long-lived,
// self-rescheduling automations that exchange scripted messages between two
// instances of the same tenant at human-like pacing.
//
// Loop state is process-local and not persisted; a restart drops running
// loops, which are resumed only by an explicit operator start.
package maturation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/zapflow/zapflow/pkg/eventbus"
	"github.com/zapflow/zapflow/pkg/events"
	"github.com/zapflow/zapflow/pkg/gateway"
	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
)

var (
	ErrConversationInactive = errors.New("conversation is not active")
	ErrAlreadyRunning       = errors.New("conversation loop is already running")
)

// quietHoursRecheck is how long a loop sleeps before re-testing the quiet
// window instead of stopping.
const quietHoursRecheck = 5 * time.Minute

type loopState struct {
	timer *time.Timer
	sent  int
}

// Runner owns the process-wide registry of running loops. Start and Stop
// are safe for concurrent use; iteration re-checks membership at every
// re-entry point, so Stop during iteration k guarantees k+1 never begins.
type Runner struct {
	persistence persistence.Persistence
	gateway     gateway.Gateway
	bus         eventbus.EventPublisher
	counter     DailyCounter
	logger      *slog.Logger

	mu    sync.Mutex
	loops map[string]*loopState
}

func NewRunner(logger *slog.Logger, p persistence.Persistence, gw gateway.Gateway, bus eventbus.EventPublisher, counter DailyCounter) *Runner {
	return &Runner{
		persistence: p,
		gateway:     gw,
		bus:         bus,
		counter:     counter,
		logger:      logger.With("module", "maturation"),
		loops:       make(map[string]*loopState),
	}
}

// Start registers the loop and runs the first iteration immediately.
func (r *Runner) Start(ctx context.Context, conversationID string) error {
	conversation, err := r.persistence.Conversations().ConversationByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	if !conversation.Active {
		return ErrConversationInactive
	}

	r.mu.Lock()
	if _, running := r.loops[conversationID]; running {
		r.mu.Unlock()

		return ErrAlreadyRunning
	}

	r.loops[conversationID] = &loopState{}
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "Conversation loop started", "conversation_id", conversationID)

	go r.runIteration(context.WithoutCancel(ctx), conversationID)

	return nil
}

// Stop removes the loop from the registry and cancels any pending
// continuation. Stopping a stopped loop is a no-op.
func (r *Runner) Stop(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, running := r.loops[conversationID]
	if !running {
		return
	}

	if state.timer != nil {
		state.timer.Stop()
	}

	delete(r.loops, conversationID)

	r.logger.Info("Conversation loop stopped", "conversation_id", conversationID)
}

// Running lists the ids of currently running loops, sorted.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.loops))
	for id := range r.loops {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func (r *Runner) runIteration(ctx context.Context, conversationID string) {
	// Cooperative cancellation: a concurrent Stop wins here.
	if !r.active(conversationID) {
		return
	}

	// Configuration is re-fetched every iteration; delay bounds, limits and
	// participants may have changed since start.
	conversation, err := r.persistence.Conversations().ConversationByID(ctx, conversationID)
	if err != nil {
		r.stopWithAlert(ctx, conversationID, "", "failed to load conversation: "+err.Error())

		return
	}

	if !conversation.Active {
		r.stopWithAlert(ctx, conversationID, "", "conversation deactivated")

		return
	}

	now := time.Now()
	if conversation.InQuietHours(now) {
		r.logger.DebugContext(ctx, "Quiet hours, iteration postponed",
			"conversation_id", conversationID)
		r.scheduleNext(ctx, conversationID, quietHoursRecheck)

		return
	}

	if conversation.MaxPerRun > 0 && r.sentThisRun(conversationID) >= conversation.MaxPerRun {
		r.stopWithAlert(ctx, conversationID, "", "run message limit reached")

		return
	}

	if conversation.DailyLimit > 0 {
		count, err := r.counter.Increment(ctx, conversationID, now.UTC())
		if err != nil {
			r.stopWithAlert(ctx, conversationID, "", "failed to track daily limit: "+err.Error())

			return
		}

		if count > int64(conversation.DailyLimit) {
			r.stopWithAlert(ctx, conversationID, "", "daily message limit reached")

			return
		}
	}

	line := conversation.NextLine()
	if line == "" {
		r.stopWithAlert(ctx, conversationID, "", "conversation has no scripted lines")

		return
	}

	senderID, receiverID := conversation.SenderForCursor()

	sender, err := r.persistence.Instances().InstanceByID(ctx, senderID)
	if err != nil {
		r.stopWithAlert(ctx, conversationID, senderID, "failed to load sender instance: "+err.Error())

		return
	}

	receiver, err := r.persistence.Instances().InstanceByID(ctx, receiverID)
	if err != nil {
		r.stopWithAlert(ctx, conversationID, receiverID, "failed to load receiver instance: "+err.Error())

		return
	}

	_, err = r.gateway.Send(ctx, sender, receiver.Phone, gateway.Payload{
		Kind: models.MessageKindText,
		Text: line,
	})
	if err != nil {
		// Disconnection is terminal for the loop: never retry a
		// conversation with a dead leg. The alert names the failed
		// instance, not the raw provider error.
		if gateway.IsDisconnected(err) {
			r.stopWithAlert(ctx, conversationID, sender.ID,
				fmt.Sprintf("instance %s disconnected", sender.Name))

			return
		}

		// All other iteration failures end the loop too; silent retry
		// storms against a misconfigured gateway are worse than a stop.
		r.stopWithAlert(ctx, conversationID, sender.ID, "send failed: "+err.Error())

		return
	}

	conversation.Cursor++
	conversation.UpdatedAt = time.Now().UTC()

	err = r.persistence.Conversations().SaveConversation(ctx, conversation)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to persist conversation cursor",
			"conversation_id", conversationID, "error", err)
	}

	r.incrementSent(conversationID)

	delay := randomDelay(conversation.MinDelaySeconds, conversation.MaxDelaySeconds)

	r.logger.DebugContext(ctx, "Iteration complete, next scheduled",
		"conversation_id", conversationID, "delay", delay)

	r.scheduleNext(ctx, conversationID, delay)
}

func (r *Runner) active(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.loops[conversationID]

	return ok
}

func (r *Runner) sentThisRun(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.loops[conversationID]
	if !ok {
		return 0
	}

	return state.sent
}

func (r *Runner) incrementSent(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.loops[conversationID]
	if ok {
		state.sent++
	}
}

// scheduleNext arms the continuation timer, unless the loop was stopped
// while the iteration ran.
func (r *Runner) scheduleNext(ctx context.Context, conversationID string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.loops[conversationID]
	if !ok {
		return
	}

	state.timer = time.AfterFunc(delay, func() {
		r.runIteration(ctx, conversationID)
	})
}

func (r *Runner) stopWithAlert(ctx context.Context, conversationID, instanceID, reason string) {
	r.Stop(conversationID)

	r.logger.WarnContext(ctx, "Conversation loop ended",
		"conversation_id", conversationID, "instance_id", instanceID, "reason", reason)

	if r.bus == nil {
		return
	}

	event := events.LoopStopped{
		BaseEvent:      events.NewBaseEvent(events.LoopStoppedEvent, ""),
		ConversationID: conversationID,
		InstanceID:     instanceID,
		Reason:         reason,
	}

	err := r.bus.Publish(ctx, conversationID, event)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish loop stop alert",
			"conversation_id", conversationID, "error", err)
	}
}

// randomDelay draws a uniform delay in [min, max] seconds.
func randomDelay(minSeconds, maxSeconds int) time.Duration {
	if minSeconds < 1 {
		minSeconds = 1
	}

	if maxSeconds < minSeconds {
		maxSeconds = minSeconds
	}

	span := maxSeconds - minSeconds + 1

	return time.Duration(minSeconds+rand.IntN(span)) * time.Second
}
