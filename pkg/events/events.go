// Package events defines the internal event types republished by webhook
// ingestion and consumed by the trigger dispatcher and operator tooling.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/zapflow/zapflow/pkg/models"
)

type EventType string

// Topic is the single internal event topic.
const Topic = "zapflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	MessageReceivedEvent EventType = "message.received"
	MessageStatusEvent   EventType = "message.status"

	InstanceConnectedEvent    EventType = "instance.connected"
	InstanceDisconnectedEvent EventType = "instance.disconnected"

	// Trigger signals consumed by the dispatcher.
	TagAppliedEvent   EventType = "tag.applied"
	SaleDetectedEvent EventType = "sale.detected"

	// Operator-facing alert raised when a maturation loop shuts down.
	LoopStoppedEvent EventType = "loop.stopped"
)

type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	TenantID  string    `json:"tenant_id,omitempty"`
}

func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
	}
}

type MessageReceived struct {
	BaseEvent

	ContactID  string             `json:"contact_id"`
	InstanceID string             `json:"instance_id"`
	RemoteID   string             `json:"remote_id"`
	Kind       models.MessageKind `json:"kind"`
	Body       string             `json:"body,omitempty"`
	FromMe     bool               `json:"from_me"`
}

func (e MessageReceived) GetType() EventType { return MessageReceivedEvent }

type MessageStatus struct {
	BaseEvent

	ContactID  string `json:"contact_id"`
	InstanceID string `json:"instance_id"`
	RemoteID   string `json:"remote_id"`
	Status     string `json:"status"`
}

func (e MessageStatus) GetType() EventType { return MessageStatusEvent }

type InstanceConnected struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
}

func (e InstanceConnected) GetType() EventType { return InstanceConnectedEvent }

type InstanceDisconnected struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason,omitempty"`
}

func (e InstanceDisconnected) GetType() EventType { return InstanceDisconnectedEvent }

// TriggerEvent is the normalized trigger signal handed to the dispatcher.
// SourceFlowID is set when the signal originated from a flow's own
// tag-apply step, so the dispatcher can exclude that flow and break
// self-retrigger cycles.
type TriggerEvent struct {
	ContactID    string             `json:"contact_id"`
	Kind         models.TriggerType `json:"kind"`
	TagName      string             `json:"tag_name,omitempty"`
	SourceFlowID string             `json:"source_flow_id,omitempty"`
}

type TagApplied struct {
	BaseEvent

	ContactID    string `json:"contact_id"`
	TagName      string `json:"tag_name"`
	SourceFlowID string `json:"source_flow_id,omitempty"`
}

func (e TagApplied) GetType() EventType { return TagAppliedEvent }

// Trigger converts the event into the dispatcher's input form.
func (e TagApplied) Trigger() TriggerEvent {
	return TriggerEvent{
		ContactID:    e.ContactID,
		Kind:         models.TriggerTypeTag,
		TagName:      e.TagName,
		SourceFlowID: e.SourceFlowID,
	}
}

type SaleDetected struct {
	BaseEvent

	ContactID string `json:"contact_id"`
	SaleID    string `json:"sale_id,omitempty"`
}

func (e SaleDetected) GetType() EventType { return SaleDetectedEvent }

func (e SaleDetected) Trigger() TriggerEvent {
	return TriggerEvent{
		ContactID: e.ContactID,
		Kind:      models.TriggerTypeSale,
	}
}

type LoopStopped struct {
	BaseEvent

	ConversationID string `json:"conversation_id"`
	InstanceID     string `json:"instance_id,omitempty"` // set when a disconnection stopped the loop
	Reason         string `json:"reason"`
}

func (e LoopStopped) GetType() EventType { return LoopStoppedEvent }
