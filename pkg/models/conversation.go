package models

import (
	"time"
)

// Conversation is the durable configuration of one maturation loop: a
// scripted back-and-forth between two instances of the same tenant. The
// runtime loop state itself is process-local and not persisted.
type Conversation struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"    validate:"required"`
	InstanceAID     string    `json:"instance_a_id" validate:"required"`
	InstanceBID     string    `json:"instance_b_id" validate:"required"`
	Active          bool      `json:"active"`
	MinDelaySeconds int       `json:"min_delay_seconds"`
	MaxDelaySeconds int       `json:"max_delay_seconds"`
	MaxPerRun       int       `json:"max_per_run"`  // messages per operator-started run, 0 = unlimited
	DailyLimit      int       `json:"daily_limit"`  // messages per calendar day, 0 = unlimited
	QuietHoursStart string    `json:"quiet_hours_start,omitempty"` // "HH:MM", empty = none
	QuietHoursEnd   string    `json:"quiet_hours_end,omitempty"`
	Topics          []string  `json:"topics"` // scripted lines, consumed round-robin
	Cursor          int       `json:"cursor"` // index of the next scripted line
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NextLine returns the scripted line at the cursor. Lines wrap around.
func (c *Conversation) NextLine() string {
	if len(c.Topics) == 0 {
		return ""
	}

	return c.Topics[c.Cursor%len(c.Topics)]
}

// SenderForCursor returns the participant instance ids for the current
// cursor position; participants alternate per line.
func (c *Conversation) SenderForCursor() (senderID, receiverID string) {
	if c.Cursor%2 == 0 {
		return c.InstanceAID, c.InstanceBID
	}

	return c.InstanceBID, c.InstanceAID
}

// InQuietHours reports whether t falls inside the configured quiet window.
// A window may span midnight ("22:00" to "07:00").
func (c *Conversation) InQuietHours(t time.Time) bool {
	if c.QuietHoursStart == "" || c.QuietHoursEnd == "" {
		return false
	}

	start, err := time.Parse("15:04", c.QuietHoursStart)
	if err != nil {
		return false
	}

	end, err := time.Parse("15:04", c.QuietHoursEnd)
	if err != nil {
		return false
	}

	minutes := t.Hour()*60 + t.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}

	// Window spans midnight.
	return minutes >= startMin || minutes < endMin
}
