package models

import (
	"strings"
	"time"
)

// Contact is one remote chat peer known to a tenant, scoped to one instance.
// InstanceID stays nil until the first inbound event resolves the binding.
type Contact struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id" validate:"required"`
	InstanceID    *string    `json:"instance_id,omitempty"`
	Phone         string     `json:"phone"     validate:"required"`
	Name          string     `json:"name"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	Tags          []string   `json:"tags"`
	UnreadCount   int        `json:"unread_count"`
	FlowPaused    bool       `json:"flow_paused"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasTag reports whether the contact carries the tag. Comparison is
// case-insensitive and ignores surrounding whitespace.
func (c *Contact) HasTag(tag string) bool {
	needle := strings.ToLower(strings.TrimSpace(tag))
	for _, t := range c.Tags {
		if strings.ToLower(strings.TrimSpace(t)) == needle {
			return true
		}
	}

	return false
}

// AddTag appends the tag if not already present and reports whether the
// tag set changed.
func (c *Contact) AddTag(tag string) bool {
	tag = strings.TrimSpace(tag)
	if tag == "" || c.HasTag(tag) {
		return false
	}

	c.Tags = append(c.Tags, tag)

	return true
}
