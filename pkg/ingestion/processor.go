// Package ingestion receives provider webhooks, deduplicates them, updates
// the store and republishes internal events. Processing is idempotent under
// the providers' at-least-once delivery.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zapflow/zapflow/pkg/eventbus"
	"github.com/zapflow/zapflow/pkg/events"
	"github.com/zapflow/zapflow/pkg/gateway"
	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
)

// Engine is the session-engine surface ingestion needs: waking sessions
// parked on input.
type Engine interface {
	ResumeForInput(ctx context.Context, sessionID, input string) error
}

// Processor turns normalized inbound events into store updates and
// internal events. One malformed or failing event never aborts others; the
// webhook server acknowledges regardless.
type Processor struct {
	persistence persistence.Persistence
	gateway     gateway.Gateway
	bus         eventbus.EventPublisher
	engine      Engine
	dedup       DedupCache
	logger      *slog.Logger
}

func NewProcessor(logger *slog.Logger, p persistence.Persistence, gw gateway.Gateway, bus eventbus.EventPublisher, engine Engine, redisClient *redis.Client) *Processor {
	logger = logger.With("module", "ingestion")

	var dedup DedupCache = noopDedup{}
	if redisClient != nil {
		dedup = newRedisDedup(redisClient, logger)
	}

	return &Processor{
		persistence: p,
		gateway:     gw,
		bus:         bus,
		engine:      engine,
		dedup:       dedup,
		logger:      logger,
	}
}

// Process handles one webhook delivery for the given instance.
func (p *Processor) Process(ctx context.Context, instanceID string, payload map[string]any) error {
	event, err := normalize(instanceID, payload)
	if err != nil {
		return err
	}

	instance, err := p.persistence.Instances().InstanceByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance %s: %w", instanceID, err)
	}

	switch event.Kind {
	case EventMessage:
		return p.processMessage(ctx, instance, event)
	case EventStatus:
		return p.processStatus(ctx, instance, event)
	case EventConnection:
		return p.processConnection(ctx, instance, event)
	case EventTag:
		return p.processTag(ctx, instance, event)
	case EventSale:
		return p.processSale(ctx, instance, event)
	default:
		return fmt.Errorf("unhandled event kind %q", event.Kind)
	}
}

func (p *Processor) processMessage(ctx context.Context, instance *models.Instance, event *InboundEvent) error {
	if event.RemoteID == "" {
		return fmt.Errorf("message event without remote id for instance %s", instance.ID)
	}

	// Fast-path skip for deliveries already stored; the unique
	// (contact, remote id) constraint below is the authoritative guard.
	key := dedupKey(instance.ID, event.RemoteID)
	if p.dedup.Seen(ctx, key) {
		p.logger.DebugContext(ctx, "Duplicate delivery skipped",
			"instance_id", instance.ID, "remote_id", event.RemoteID)

		return nil
	}

	contact, err := p.resolveContact(ctx, instance, event)
	if err != nil {
		return err
	}

	mediaURL := ""

	if event.MediaID != "" {
		mediaURL, err = p.gateway.MirrorMedia(ctx, instance, event.MediaID)
		if err != nil {
			// Degrade to a media-less message rather than dropping the event.
			p.logger.WarnContext(ctx, "Failed to mirror media",
				"instance_id", instance.ID, "remote_id", event.MediaID, "error", err)
			mediaURL = ""
		}
	}

	direction := models.DirectionIn
	if event.FromMe {
		direction = models.DirectionOut
	}

	message := &models.Message{
		ID:         newID(),
		ContactID:  contact.ID,
		InstanceID: instance.ID,
		RemoteID:   event.RemoteID,
		Direction:  direction,
		Kind:       event.MessageKind,
		Body:       event.Text,
		MediaURL:   mediaURL,
		FromMe:     event.FromMe,
		CreatedAt:  event.Timestamp,
	}

	err = p.persistence.Messages().InsertMessage(ctx, message)
	if err != nil {
		if persistence.IsDuplicateMessage(err) {
			p.dedup.Mark(ctx, key)

			return nil
		}

		return fmt.Errorf("failed to store message %s: %w", event.RemoteID, err)
	}

	// Marked only once the row exists: a failure above leaves the fast
	// path clear, so the provider's redelivery is processed, not dropped.
	p.dedup.Mark(ctx, key)

	if event.SenderName != "" {
		err = p.persistence.Contacts().BackfillContactName(ctx, contact.ID, event.SenderName)
		if err != nil {
			p.logger.WarnContext(ctx, "Failed to backfill contact name",
				"contact_id", contact.ID, "error", err)
		}
	}

	if !event.FromMe {
		err = p.persistence.Contacts().IncrementUnread(ctx, contact.ID, event.Timestamp)
		if err != nil {
			p.logger.WarnContext(ctx, "Failed to update unread counter",
				"contact_id", contact.ID, "error", err)
		}
	}

	p.publish(ctx, contact.ID, events.MessageReceived{
		BaseEvent:  events.NewBaseEvent(events.MessageReceivedEvent, instance.TenantID),
		ContactID:  contact.ID,
		InstanceID: instance.ID,
		RemoteID:   event.RemoteID,
		Kind:       event.MessageKind,
		Body:       event.Text,
		FromMe:     event.FromMe,
	})

	// Plain inbound text does not trigger flows; it only wakes sessions
	// already parked on a condition node awaiting input.
	if !event.FromMe && event.Text != "" {
		p.notifyAwaitingSessions(ctx, contact.ID, event.Text)
	}

	return nil
}

func (p *Processor) processStatus(ctx context.Context, instance *models.Instance, event *InboundEvent) error {
	contactID := ""

	if event.Phone != "" {
		contact, err := p.persistence.Contacts().ContactByPhone(ctx, instance.ID, event.Phone)
		if err == nil {
			contactID = contact.ID
		} else if !persistence.IsNotFound(err) {
			return fmt.Errorf("failed to resolve contact for status event: %w", err)
		}
	}

	p.publish(ctx, contactID, events.MessageStatus{
		BaseEvent:  events.NewBaseEvent(events.MessageStatusEvent, instance.TenantID),
		ContactID:  contactID,
		InstanceID: instance.ID,
		RemoteID:   event.RemoteID,
		Status:     event.Status,
	})

	return nil
}

func (p *Processor) processConnection(ctx context.Context, instance *models.Instance, event *InboundEvent) error {
	status := models.InstanceStatusDisconnected
	if event.Connected {
		status = models.InstanceStatusConnected
	}

	err := p.persistence.Instances().UpdateInstanceStatus(ctx, instance.ID, status, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to update instance %s status: %w", instance.ID, err)
	}

	p.logger.InfoContext(ctx, "Instance connectivity changed",
		"instance_id", instance.ID, "status", status, "reason", event.Reason)

	if event.Connected {
		p.publish(ctx, instance.ID, events.InstanceConnected{
			BaseEvent:  events.NewBaseEvent(events.InstanceConnectedEvent, instance.TenantID),
			InstanceID: instance.ID,
		})

		return nil
	}

	p.publish(ctx, instance.ID, events.InstanceDisconnected{
		BaseEvent:  events.NewBaseEvent(events.InstanceDisconnectedEvent, instance.TenantID),
		InstanceID: instance.ID,
		Reason:     event.Reason,
	})

	return nil
}

func (p *Processor) processTag(ctx context.Context, instance *models.Instance, event *InboundEvent) error {
	contact, err := p.resolveContact(ctx, instance, event)
	if err != nil {
		return err
	}

	if contact.AddTag(event.TagName) {
		contact.UpdatedAt = time.Now().UTC()

		err = p.persistence.Contacts().SaveContact(ctx, contact)
		if err != nil {
			return fmt.Errorf("failed to save contact %s: %w", contact.ID, err)
		}
	}

	p.publish(ctx, contact.ID, events.TagApplied{
		BaseEvent: events.NewBaseEvent(events.TagAppliedEvent, instance.TenantID),
		ContactID: contact.ID,
		TagName:   event.TagName,
	})

	return nil
}

func (p *Processor) processSale(ctx context.Context, instance *models.Instance, event *InboundEvent) error {
	contact, err := p.resolveContact(ctx, instance, event)
	if err != nil {
		return err
	}

	p.publish(ctx, contact.ID, events.SaleDetected{
		BaseEvent: events.NewBaseEvent(events.SaleDetectedEvent, instance.TenantID),
		ContactID: contact.ID,
	})

	return nil
}

// resolveContact finds the contact by phone within the instance scope,
// creating it on first sight.
func (p *Processor) resolveContact(ctx context.Context, instance *models.Instance, event *InboundEvent) (*models.Contact, error) {
	if event.Phone == "" {
		return nil, fmt.Errorf("event without phone for instance %s", instance.ID)
	}

	contact, err := p.persistence.Contacts().ContactByPhone(ctx, instance.ID, event.Phone)
	if err == nil {
		return contact, nil
	}

	if !persistence.IsNotFound(err) {
		return nil, fmt.Errorf("failed to resolve contact %s: %w", event.Phone, err)
	}

	now := time.Now().UTC()
	instanceID := instance.ID
	contact = &models.Contact{
		ID:         newID(),
		TenantID:   instance.TenantID,
		InstanceID: &instanceID,
		Phone:      event.Phone,
		Name:       event.SenderName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// First sighting: fetch the provider profile once, best-effort. The
	// event's sender name wins; the profile fills the gaps and supplies
	// the mirrored avatar.
	profile, profileErr := p.gateway.FetchProfile(ctx, instance, event.Phone)
	if profileErr != nil {
		p.logger.DebugContext(ctx, "Profile fetch failed",
			"instance_id", instance.ID, "phone", event.Phone, "error", profileErr)
	} else if profile != nil {
		if contact.Name == "" {
			contact.Name = profile.Name
		}

		contact.AvatarURL = profile.AvatarURL
	}

	err = p.persistence.Contacts().SaveContact(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("failed to create contact %s: %w", event.Phone, err)
	}

	p.logger.InfoContext(ctx, "Contact created from inbound event",
		"contact_id", contact.ID, "instance_id", instance.ID)

	return contact, nil
}

func (p *Processor) notifyAwaitingSessions(ctx context.Context, contactID, input string) {
	sessions, err := p.persistence.Sessions().ActiveSessionsByContact(ctx, contactID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to list sessions for input notify",
			"contact_id", contactID, "error", err)

		return
	}

	for _, session := range sessions {
		err := p.engine.ResumeForInput(ctx, session.ID, input)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to resume session for input",
				"session_id", session.ID, "error", err)
		}
	}
}

func (p *Processor) publish(ctx context.Context, key string, event events.Event) {
	if p.bus == nil {
		return
	}

	err := p.bus.Publish(ctx, key, event)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to publish internal event",
			"event_type", event.GetType(), "error", err)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}

	return id.String()
}
