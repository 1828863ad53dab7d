package models

import (
	"strings"
	"time"
)

// TriggerType is the event class that can start a flow.
type TriggerType string

const (
	TriggerTypeTag    TriggerType = "tag"
	TriggerTypeSale   TriggerType = "sale"
	TriggerTypeManual TriggerType = "manual"
)

// NodeType enumerates the step kinds a flow graph may contain.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeMessage   NodeType = "message"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeCondition NodeType = "condition"
	NodeTypeTag       NodeType = "tag"
	NodeTypeEnd       NodeType = "end"
)

// Flow is a directed graph of steps defining one automation.
type Flow struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"    validate:"required"`
	Name            string      `json:"name"         validate:"required,min=3"`
	Active          bool        `json:"active"`
	TriggerType     TriggerType `json:"trigger_type" validate:"required,oneof=tag sale manual"`
	TriggerTags     []string    `json:"trigger_tags"`
	PauseOtherFlows bool        `json:"pause_other_flows"`
	InstanceIDs     []string    `json:"instance_ids"` // empty = all instances
	Nodes           []*FlowNode `json:"nodes"`
	Edges           []*FlowEdge `json:"edges"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// FlowNode is one step in the graph. Config carries the node-type specific
// settings (message text, delay seconds, condition operands, tag name).
type FlowNode struct {
	ID     string         `json:"id"   validate:"required"`
	Type   NodeType       `json:"type" validate:"required"`
	Config map[string]any `json:"config"`
}

// FlowEdge connects two nodes. Branch selects the edge out of a condition
// node ("true" or "false"); it is empty for every other node type.
type FlowEdge struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id" validate:"required"`
	TargetID string `json:"target_id" validate:"required"`
	Branch   string `json:"branch,omitempty"`
}

// StartNode returns the graph's start node, or nil if the graph has none.
func (f *Flow) StartNode() *FlowNode {
	for _, n := range f.Nodes {
		if n.Type == NodeTypeStart {
			return n
		}
	}

	return nil
}

// NodeByID returns the node with the given id, or nil.
func (f *Flow) NodeByID(id string) *FlowNode {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// NextNode follows the outgoing edge of nodeID. For condition nodes the
// branch argument selects between the "true" and "false" edges; other node
// types take their single unlabelled edge. Returns nil when the node has no
// matching outgoing edge.
func (f *Flow) NextNode(nodeID, branch string) *FlowNode {
	for _, e := range f.Edges {
		if e.SourceID != nodeID {
			continue
		}

		if e.Branch == branch {
			return f.NodeByID(e.TargetID)
		}
	}

	return nil
}

// MatchesTag reports whether tag is in the flow's trigger-tag list.
// Comparison is case-insensitive and trimmed.
func (f *Flow) MatchesTag(tag string) bool {
	needle := strings.ToLower(strings.TrimSpace(tag))
	for _, t := range f.TriggerTags {
		if strings.ToLower(strings.TrimSpace(t)) == needle {
			return true
		}
	}

	return false
}

// AssignedTo reports whether the flow may fire for the given instance.
// An empty assignment list means the flow applies to all instances.
func (f *Flow) AssignedTo(instanceID string) bool {
	if len(f.InstanceIDs) == 0 {
		return true
	}

	for _, id := range f.InstanceIDs {
		if id == instanceID {
			return true
		}
	}

	return false
}
