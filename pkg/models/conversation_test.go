package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConversation_NextLineWrapsAround(t *testing.T) {
	conversation := &Conversation{Topics: []string{"a", "b", "c"}}

	assert.Equal(t, "a", conversation.NextLine())

	conversation.Cursor = 4
	assert.Equal(t, "b", conversation.NextLine())

	empty := &Conversation{}
	assert.Empty(t, empty.NextLine())
}

func TestConversation_SenderAlternates(t *testing.T) {
	conversation := &Conversation{InstanceAID: "a", InstanceBID: "b"}

	sender, receiver := conversation.SenderForCursor()
	assert.Equal(t, "a", sender)
	assert.Equal(t, "b", receiver)

	conversation.Cursor = 1

	sender, receiver = conversation.SenderForCursor()
	assert.Equal(t, "b", sender)
	assert.Equal(t, "a", receiver)
}

func TestConversation_InQuietHours(t *testing.T) {
	conversation := &Conversation{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}

	at := func(hour, minute int) time.Time {
		return time.Date(2025, 3, 10, hour, minute, 0, 0, time.UTC)
	}

	assert.True(t, conversation.InQuietHours(at(23, 0)))
	assert.True(t, conversation.InQuietHours(at(2, 30)))
	assert.True(t, conversation.InQuietHours(at(6, 59)))
	assert.False(t, conversation.InQuietHours(at(7, 0)))
	assert.False(t, conversation.InQuietHours(at(12, 0)))
	assert.False(t, conversation.InQuietHours(at(21, 59)))

	daytime := &Conversation{QuietHoursStart: "12:00", QuietHoursEnd: "14:00"}
	assert.True(t, daytime.InQuietHours(at(13, 0)))
	assert.False(t, daytime.InQuietHours(at(15, 0)))

	unset := &Conversation{}
	assert.False(t, unset.InQuietHours(at(3, 0)))
}
