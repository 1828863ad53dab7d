// Package persistence provides the data storage abstraction for the
// automation engine. All cross-component coordination (session locking,
// exclusivity, webhook dedup) is expressed as conditional updates against
// these repositories rather than in-memory locks, because handlers may run
// across multiple processes.
package persistence

import (
	"context"
	"time"

	"github.com/zapflow/zapflow/pkg/models"
)

type InstanceRepository interface {
	InstanceByID(ctx context.Context, id string) (*models.Instance, error)
	SaveInstance(ctx context.Context, instance *models.Instance) error
	// UpdateInstanceStatus mutates connectivity state and the matching
	// status-change timestamp.
	UpdateInstanceStatus(ctx context.Context, id string, status models.InstanceStatus, at time.Time) error
}

type ContactRepository interface {
	ContactByID(ctx context.Context, id string) (*models.Contact, error)
	// ContactByPhone resolves a contact within one instance scope. Returns
	// ErrContactNotFound when no contact matches.
	ContactByPhone(ctx context.Context, instanceID, phone string) (*models.Contact, error)
	SaveContact(ctx context.Context, contact *models.Contact) error
	IncrementUnread(ctx context.Context, id string, at time.Time) error
	ResetUnread(ctx context.Context, id string) error
	// BackfillContactName sets the name only when the stored name is empty,
	// never clobbering an operator-edited name.
	BackfillContactName(ctx context.Context, id, name string) error
}

type FlowRepository interface {
	FlowByID(ctx context.Context, id string) (*models.Flow, error)
	SaveFlow(ctx context.Context, flow *models.Flow) error
	DeleteFlow(ctx context.Context, id string) error
	// ActiveFlowsByTrigger returns the tenant's active flows with the given
	// trigger type.
	ActiveFlowsByTrigger(ctx context.Context, tenantID string, trigger models.TriggerType) ([]*models.Flow, error)
}

type SessionRepository interface {
	SessionByID(ctx context.Context, id string) (*models.FlowSession, error)
	SaveSession(ctx context.Context, session *models.FlowSession) error
	// UpdateSessionProgress persists the execution cursor: current node,
	// variables, error bookkeeping and last interaction. Status and the
	// processing lock are left untouched, so a pause written concurrently
	// is never overwritten by a step in flight.
	UpdateSessionProgress(ctx context.Context, session *models.FlowSession) error
	// UpdateSessionStatus transitions only the status column; the cursor
	// and variables written by a concurrent step survive.
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, at time.Time) error
	// ActiveSessionByFlowAndContact returns the active session for the
	// (flow, contact) pair, or nil when none exists.
	ActiveSessionByFlowAndContact(ctx context.Context, flowID, contactID string) (*models.FlowSession, error)
	ActiveSessionsByContact(ctx context.Context, contactID string) ([]*models.FlowSession, error)
	// AcquireProcessing atomically sets processing=true for the session if
	// processing is currently false, or if the existing lock started before
	// staleBefore (abandoned-lock reclaim). Reports whether the lock was
	// acquired; false is a normal outcome, not an error.
	AcquireProcessing(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	ReleaseProcessing(ctx context.Context, id string) error
}

type DelayJobRepository interface {
	CreateDelayJob(ctx context.Context, job *models.DelayJob) error
	// DueDelayJobs returns jobs still scheduled with fire_at <= now.
	DueDelayJobs(ctx context.Context, now time.Time) ([]*models.DelayJob, error)
	// ClaimDelayJob transitions scheduled -> done and reports whether this
	// caller won the claim.
	ClaimDelayJob(ctx context.Context, id string) (bool, error)
	// CancelDelayJobs cancels every scheduled job of a session.
	CancelDelayJobs(ctx context.Context, sessionID string) error
	DelayJobsBySession(ctx context.Context, sessionID string) ([]*models.DelayJob, error)
}

type MessageRepository interface {
	// InsertMessage stores a message; returns ErrDuplicateMessage when a row
	// with the same (contact_id, remote_id) already exists.
	InsertMessage(ctx context.Context, message *models.Message) error
	MessageExists(ctx context.Context, contactID, remoteID string) (bool, error)
}

type ConversationRepository interface {
	ConversationByID(ctx context.Context, id string) (*models.Conversation, error)
	SaveConversation(ctx context.Context, conversation *models.Conversation) error
}

// Persistence aggregates the repositories behind one handle.
type Persistence interface {
	Instances() InstanceRepository
	Contacts() ContactRepository
	Flows() FlowRepository
	Sessions() SessionRepository
	DelayJobs() DelayJobRepository
	Messages() MessageRepository
	Conversations() ConversationRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
