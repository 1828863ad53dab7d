package models

import "time"

// SessionStatus is the lifecycle state of a flow session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed" // terminal
)

// Engine-reserved variable keys.
const (
	VarContactName  = "contact_name"
	VarContactPhone = "contact_phone"
	VarTrigger      = "trigger"    // trigger source: tag name, "sale" or "manual"
	VarSentNodes    = "sent_nodes" // node ids whose message was already delivered
	VarLastInput    = "last_input" // most recent inbound text while awaiting input
)

// FlowSession is the mutable execution cursor of one flow against one
// contact. Processing plus ProcessingStartedAt form the optimistic step
// lock: at most one worker holds Processing=true, and a lock older than the
// stale threshold may be reclaimed.
type FlowSession struct {
	ID                  string         `json:"id"`
	FlowID              string         `json:"flow_id"`
	ContactID           string         `json:"contact_id"`
	CurrentNodeID       string         `json:"current_node_id"`
	Variables           map[string]any `json:"variables"`
	Status              SessionStatus  `json:"status"`
	Processing          bool           `json:"processing"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	ErrorCount          int            `json:"error_count"`
	LastError           string         `json:"last_error,omitempty"`
	StartedAt           time.Time      `json:"started_at"`
	LastInteractionAt   time.Time      `json:"last_interaction_at"`
}

// SentNodes returns the node ids recorded as already sent.
func (s *FlowSession) SentNodes() []string {
	raw, ok := s.Variables[VarSentNodes]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}

		return out
	default:
		return nil
	}
}

// NodeSent reports whether the node id is recorded as already sent.
func (s *FlowSession) NodeSent(nodeID string) bool {
	for _, id := range s.SentNodes() {
		if id == nodeID {
			return true
		}
	}

	return false
}

// MarkSent appends the node id to the sent record.
func (s *FlowSession) MarkSent(nodeID string) {
	if s.Variables == nil {
		s.Variables = make(map[string]any)
	}

	s.Variables[VarSentNodes] = append(s.SentNodes(), nodeID)
}
