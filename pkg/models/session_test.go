package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowSession_SentNodes(t *testing.T) {
	session := &FlowSession{}
	assert.Empty(t, session.SentNodes())
	assert.False(t, session.NodeSent("n1"))

	session.MarkSent("n1")
	session.MarkSent("n2")

	assert.Equal(t, []string{"n1", "n2"}, session.SentNodes())
	assert.True(t, session.NodeSent("n1"))
	assert.False(t, session.NodeSent("n3"))
}

func TestFlowSession_SentNodesFromJSON(t *testing.T) {
	// Variables loaded from a JSON column arrive as []any.
	session := &FlowSession{
		Variables: map[string]any{
			VarSentNodes: []any{"n1", "n2"},
		},
	}

	assert.Equal(t, []string{"n1", "n2"}, session.SentNodes())
	assert.True(t, session.NodeSent("n2"))
}
