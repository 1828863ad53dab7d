package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graphFixture() *Flow {
	return &Flow{
		ID:          "flow-1",
		TenantID:    "tenant-1",
		Name:        "welcome",
		Active:      true,
		TriggerType: TriggerTypeTag,
		TriggerTags: []string{"VIP", " lead "},
		Nodes: []*FlowNode{
			{ID: "start", Type: NodeTypeStart},
			{ID: "check", Type: NodeTypeCondition, Config: map[string]any{"operator": "has_tag", "value": "vip"}},
			{ID: "msg-yes", Type: NodeTypeMessage, Config: map[string]any{"text": "hello"}},
			{ID: "msg-no", Type: NodeTypeMessage, Config: map[string]any{"text": "bye"}},
			{ID: "end", Type: NodeTypeEnd},
		},
		Edges: []*FlowEdge{
			{SourceID: "start", TargetID: "check"},
			{SourceID: "check", TargetID: "msg-yes", Branch: "true"},
			{SourceID: "check", TargetID: "msg-no", Branch: "false"},
			{SourceID: "msg-yes", TargetID: "end"},
			{SourceID: "msg-no", TargetID: "end"},
		},
	}
}

func TestFlow_StartNode(t *testing.T) {
	flow := graphFixture()
	require.NotNil(t, flow.StartNode())
	assert.Equal(t, "start", flow.StartNode().ID)

	assert.Nil(t, (&Flow{}).StartNode())
}

func TestFlow_NextNode(t *testing.T) {
	flow := graphFixture()

	next := flow.NextNode("start", "")
	require.NotNil(t, next)
	assert.Equal(t, "check", next.ID)

	next = flow.NextNode("check", "true")
	require.NotNil(t, next)
	assert.Equal(t, "msg-yes", next.ID)

	next = flow.NextNode("check", "false")
	require.NotNil(t, next)
	assert.Equal(t, "msg-no", next.ID)

	assert.Nil(t, flow.NextNode("end", ""))
	assert.Nil(t, flow.NextNode("check", ""))
}

func TestFlow_MatchesTag(t *testing.T) {
	flow := graphFixture()

	assert.True(t, flow.MatchesTag("vip"))
	assert.True(t, flow.MatchesTag("  VIP "))
	assert.True(t, flow.MatchesTag("Lead"))
	assert.False(t, flow.MatchesTag("cold"))
}

func TestFlow_AssignedTo(t *testing.T) {
	flow := graphFixture()
	assert.True(t, flow.AssignedTo("any-instance"))

	flow.InstanceIDs = []string{"inst-1"}
	assert.True(t, flow.AssignedTo("inst-1"))
	assert.False(t, flow.AssignedTo("inst-2"))
}
