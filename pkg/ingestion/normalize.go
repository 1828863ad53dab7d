package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zapflow/zapflow/pkg/models"
)

// EventKind is the logical class of a normalized inbound event.
type EventKind string

const (
	EventMessage    EventKind = "message"
	EventStatus     EventKind = "status"
	EventConnection EventKind = "connection"
	EventTag        EventKind = "tag"
	EventSale       EventKind = "sale"
)

// InboundEvent is the provider-independent form of one webhook delivery.
type InboundEvent struct {
	Kind        EventKind
	InstanceID  string
	Phone       string
	SenderName  string
	RemoteID    string
	FromMe      bool
	MessageKind models.MessageKind
	Text        string
	MediaID     string
	Status      string
	Connected   bool
	Reason      string
	TagName     string
	Timestamp   time.Time
}

var errUnrecognizedPayload = errors.New("unrecognized webhook payload shape")

// normalize maps a raw webhook body onto the internal event model. Three
// structurally different shapes are accepted per logical event: direct
// fields, the nested webhook.* envelope, and the legacy flat format.
func normalize(instanceID string, payload map[string]any) (*InboundEvent, error) {
	// Envelope: some deployments wrap the real payload under "webhook".
	if inner, ok := payload["webhook"].(map[string]any); ok {
		return normalize(instanceID, inner)
	}

	if event, ok := normalizeNested(instanceID, payload); ok {
		return event, nil
	}

	if event, ok := normalizeDirect(instanceID, payload); ok {
		return event, nil
	}

	if event, ok := normalizeLegacy(instanceID, payload); ok {
		return event, nil
	}

	return nil, fmt.Errorf("%w: keys %v", errUnrecognizedPayload, payloadKeys(payload))
}

// normalizeNested handles the event+data envelope (evolution format):
// message content under data.key / data.message, connection state under
// data.state.
func normalizeNested(instanceID string, payload map[string]any) (*InboundEvent, bool) {
	eventName, _ := payload["event"].(string)

	data, hasData := payload["data"].(map[string]any)
	if eventName == "" || !hasData {
		return nil, false
	}

	switch eventName {
	case "messages.upsert":
		event := &InboundEvent{
			Kind:        EventMessage,
			InstanceID:  instanceID,
			SenderName:  stringField(data, "pushName"),
			MessageKind: models.MessageKindText,
			Timestamp:   time.Now().UTC(),
		}

		if key, ok := data["key"].(map[string]any); ok {
			event.RemoteID = stringField(key, "id")
			event.FromMe, _ = key["fromMe"].(bool)
			event.Phone = phoneFromJID(stringField(key, "remoteJid"))
		}

		if msg, ok := data["message"].(map[string]any); ok {
			event.Text = stringField(msg, "conversation")

			if media, ok := msg["imageMessage"].(map[string]any); ok {
				event.MessageKind = models.MessageKindImage
				event.MediaID = event.RemoteID
				event.Text = stringField(media, "caption")
			}

			if _, ok := msg["audioMessage"].(map[string]any); ok {
				event.MessageKind = models.MessageKindAudio
				event.MediaID = event.RemoteID
			}

			if media, ok := msg["documentMessage"].(map[string]any); ok {
				event.MessageKind = models.MessageKindDocument
				event.MediaID = event.RemoteID
				event.Text = stringField(media, "fileName")
			}
		}

		return event, true
	case "messages.update":
		event := &InboundEvent{
			Kind:       EventStatus,
			InstanceID: instanceID,
			Status:     stringField(data, "status"),
			Timestamp:  time.Now().UTC(),
		}

		if key, ok := data["key"].(map[string]any); ok {
			event.RemoteID = stringField(key, "id")
			event.Phone = phoneFromJID(stringField(key, "remoteJid"))
		}

		return event, true
	case "connection.update":
		state := stringField(data, "state")

		return &InboundEvent{
			Kind:       EventConnection,
			InstanceID: instanceID,
			Connected:  state == "open",
			Reason:     state,
			Timestamp:  time.Now().UTC(),
		}, true
	default:
		return nil, false
	}
}

// normalizeDirect handles flat top-level fields (zapi format).
func normalizeDirect(instanceID string, payload map[string]any) (*InboundEvent, bool) {
	if tag := stringField(payload, "tag"); tag != "" {
		return &InboundEvent{
			Kind:       EventTag,
			InstanceID: instanceID,
			Phone:      stringField(payload, "phone"),
			TagName:    tag,
			Timestamp:  time.Now().UTC(),
		}, true
	}

	if sale, ok := payload["sale"].(bool); ok && sale {
		return &InboundEvent{
			Kind:       EventSale,
			InstanceID: instanceID,
			Phone:      stringField(payload, "phone"),
			Timestamp:  time.Now().UTC(),
		}, true
	}

	if connected, ok := payload["connected"].(bool); ok {
		return &InboundEvent{
			Kind:       EventConnection,
			InstanceID: instanceID,
			Connected:  connected,
			Reason:     stringField(payload, "error"),
			Timestamp:  time.Now().UTC(),
		}, true
	}

	phone := stringField(payload, "phone")
	if phone == "" {
		return nil, false
	}

	if status := stringField(payload, "status"); status != "" && payload["text"] == nil {
		return &InboundEvent{
			Kind:       EventStatus,
			InstanceID: instanceID,
			Phone:      phone,
			RemoteID:   firstNonEmpty(stringField(payload, "messageId"), stringField(payload, "ids")),
			Status:     status,
			Timestamp:  time.Now().UTC(),
		}, true
	}

	event := &InboundEvent{
		Kind:        EventMessage,
		InstanceID:  instanceID,
		Phone:       phone,
		SenderName:  firstNonEmpty(stringField(payload, "senderName"), stringField(payload, "chatName")),
		RemoteID:    stringField(payload, "messageId"),
		MessageKind: models.MessageKindText,
		Timestamp:   time.Now().UTC(),
	}

	event.FromMe, _ = payload["fromMe"].(bool)

	if text, ok := payload["text"].(map[string]any); ok {
		event.Text = stringField(text, "message")

		return event, true
	}

	if image, ok := payload["image"].(map[string]any); ok {
		event.MessageKind = models.MessageKindImage
		event.MediaID = event.RemoteID
		event.Text = stringField(image, "caption")

		return event, true
	}

	if _, ok := payload["audio"].(map[string]any); ok {
		event.MessageKind = models.MessageKindAudio
		event.MediaID = event.RemoteID

		return event, true
	}

	if doc, ok := payload["document"].(map[string]any); ok {
		event.MessageKind = models.MessageKindDocument
		event.MediaID = event.RemoteID
		event.Text = stringField(doc, "fileName")

		return event, true
	}

	return nil, false
}

// normalizeLegacy handles the oldest flat format still seen from outdated
// provider deployments: type/from/id/body.
func normalizeLegacy(instanceID string, payload map[string]any) (*InboundEvent, bool) {
	kind := stringField(payload, "type")
	if kind == "" {
		return nil, false
	}

	switch kind {
	case "message":
		event := &InboundEvent{
			Kind:        EventMessage,
			InstanceID:  instanceID,
			Phone:       phoneFromJID(stringField(payload, "from")),
			SenderName:  stringField(payload, "notifyName"),
			RemoteID:    stringField(payload, "id"),
			Text:        stringField(payload, "body"),
			MessageKind: models.MessageKindText,
			Timestamp:   time.Now().UTC(),
		}

		event.FromMe, _ = payload["fromMe"].(bool)

		return event, true
	case "ack":
		return &InboundEvent{
			Kind:       EventStatus,
			InstanceID: instanceID,
			Phone:      phoneFromJID(stringField(payload, "from")),
			RemoteID:   stringField(payload, "id"),
			Status:     stringField(payload, "ack"),
			Timestamp:  time.Now().UTC(),
		}, true
	case "connection":
		state := stringField(payload, "state")

		return &InboundEvent{
			Kind:       EventConnection,
			InstanceID: instanceID,
			Connected:  state == "connected",
			Reason:     state,
			Timestamp:  time.Now().UTC(),
		}, true
	default:
		return nil, false
	}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)

	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// phoneFromJID strips the provider JID suffix ("5511999999999@s.whatsapp.net").
func phoneFromJID(jid string) string {
	phone, _, _ := strings.Cut(jid, "@")

	return phone
}

func payloadKeys(payload map[string]any) []string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}

	return keys
}
