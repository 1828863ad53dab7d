package models

import "time"

// Direction of a stored message relative to the instance.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MessageKind is the payload type of a message.
type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindImage    MessageKind = "image"
	MessageKindAudio    MessageKind = "audio"
	MessageKindDocument MessageKind = "document"
)

// Message is one stored chat message. RemoteID is the provider-assigned
// message id; (ContactID, RemoteID) is unique and backs webhook dedup.
type Message struct {
	ID         string      `json:"id"`
	ContactID  string      `json:"contact_id"`
	InstanceID string      `json:"instance_id"`
	RemoteID   string      `json:"remote_id"`
	Direction  Direction   `json:"direction"`
	Kind       MessageKind `json:"kind"`
	Body       string      `json:"body"`
	MediaURL   string      `json:"media_url,omitempty"`
	FromMe     bool        `json:"from_me"`
	CreatedAt  time.Time   `json:"created_at"`
}
