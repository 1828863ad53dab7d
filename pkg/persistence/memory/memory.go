// Package memory provides an in-memory persistence implementation used by
// tests and local development. Conditional updates take the store mutex, so
// the locking semantics match the SQL implementation within one process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
)

type Persistence struct {
	mu sync.RWMutex

	instances     map[string]*models.Instance
	contacts      map[string]*models.Contact
	flows         map[string]*models.Flow
	sessions      map[string]*models.FlowSession
	delayJobs     map[string]*models.DelayJob
	messages      map[string]*models.Message
	conversations map[string]*models.Conversation
}

func NewPersistence() *Persistence {
	return &Persistence{
		instances:     make(map[string]*models.Instance),
		contacts:      make(map[string]*models.Contact),
		flows:         make(map[string]*models.Flow),
		sessions:      make(map[string]*models.FlowSession),
		delayJobs:     make(map[string]*models.DelayJob),
		messages:      make(map[string]*models.Message),
		conversations: make(map[string]*models.Conversation),
	}
}

var _ persistence.Persistence = (*Persistence)(nil)

func (p *Persistence) Instances() persistence.InstanceRepository         { return p }
func (p *Persistence) Contacts() persistence.ContactRepository           { return p }
func (p *Persistence) Flows() persistence.FlowRepository                 { return p }
func (p *Persistence) Sessions() persistence.SessionRepository           { return p }
func (p *Persistence) DelayJobs() persistence.DelayJobRepository         { return p }
func (p *Persistence) Messages() persistence.MessageRepository           { return p }
func (p *Persistence) Conversations() persistence.ConversationRepository { return p }

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }
func (p *Persistence) Close(ctx context.Context) error       { return nil }

// Instances

func (p *Persistence) InstanceByID(ctx context.Context, id string) (*models.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	instance, ok := p.instances[id]
	if !ok {
		return nil, persistence.ErrInstanceNotFound
	}

	clone := *instance

	return &clone, nil
}

func (p *Persistence) SaveInstance(ctx context.Context, instance *models.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if instance.ID == "" {
		instance.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	clone := *instance
	p.instances[instance.ID] = &clone

	return nil
}

func (p *Persistence) UpdateInstanceStatus(ctx context.Context, id string, status models.InstanceStatus, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	instance, ok := p.instances[id]
	if !ok {
		return persistence.ErrInstanceNotFound
	}

	instance.Status = status
	instance.UpdatedAt = at

	switch status {
	case models.InstanceStatusConnected:
		instance.ConnectedAt = &at
	case models.InstanceStatusDisconnected:
		instance.DisconnectedAt = &at
	case models.InstanceStatusConnecting:
	}

	return nil
}

// Contacts

func (p *Persistence) ContactByID(ctx context.Context, id string) (*models.Contact, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	contact, ok := p.contacts[id]
	if !ok {
		return nil, persistence.ErrContactNotFound
	}

	clone := cloneContact(contact)

	return clone, nil
}

func (p *Persistence) ContactByPhone(ctx context.Context, instanceID, phone string) (*models.Contact, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, contact := range p.contacts {
		if contact.Phone != phone {
			continue
		}

		if contact.InstanceID != nil && *contact.InstanceID == instanceID {
			return cloneContact(contact), nil
		}
	}

	return nil, persistence.ErrContactNotFound
}

func (p *Persistence) SaveContact(ctx context.Context, contact *models.Contact) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = now
	}

	contact.UpdatedAt = now
	p.contacts[contact.ID] = cloneContact(contact)

	return nil
}

func (p *Persistence) IncrementUnread(ctx context.Context, id string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	contact, ok := p.contacts[id]
	if !ok {
		return persistence.ErrContactNotFound
	}

	contact.UnreadCount++
	contact.LastMessageAt = &at

	return nil
}

func (p *Persistence) ResetUnread(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	contact, ok := p.contacts[id]
	if !ok {
		return persistence.ErrContactNotFound
	}

	contact.UnreadCount = 0

	return nil
}

func (p *Persistence) BackfillContactName(ctx context.Context, id, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	contact, ok := p.contacts[id]
	if !ok {
		return persistence.ErrContactNotFound
	}

	if contact.Name == "" && name != "" {
		contact.Name = name
	}

	return nil
}

// Flows

func (p *Persistence) FlowByID(ctx context.Context, id string) (*models.Flow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	flow, ok := p.flows[id]
	if !ok {
		return nil, persistence.ErrFlowNotFound
	}

	return flow, nil
}

func (p *Persistence) SaveFlow(ctx context.Context, flow *models.Flow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now
	p.flows[flow.ID] = flow

	return nil
}

func (p *Persistence) DeleteFlow(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.flows[id]; !ok {
		return persistence.ErrFlowNotFound
	}

	delete(p.flows, id)

	return nil
}

func (p *Persistence) ActiveFlowsByTrigger(ctx context.Context, tenantID string, trigger models.TriggerType) ([]*models.Flow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	flows := make([]*models.Flow, 0)

	for _, flow := range p.flows {
		if flow.Active && flow.TenantID == tenantID && flow.TriggerType == trigger {
			flows = append(flows, flow)
		}
	}

	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })

	return flows, nil
}

// Sessions

func (p *Persistence) SessionByID(ctx context.Context, id string) (*models.FlowSession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	session, ok := p.sessions[id]
	if !ok {
		return nil, persistence.ErrSessionNotFound
	}

	return cloneSession(session), nil
}

func (p *Persistence) SaveSession(ctx context.Context, session *models.FlowSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}

	stored := cloneSession(session)

	// Preserve the lock fields held in the store; Save never releases or
	// acquires the processing lock.
	if existing, ok := p.sessions[session.ID]; ok {
		stored.Processing = existing.Processing
		stored.ProcessingStartedAt = existing.ProcessingStartedAt
	}

	p.sessions[session.ID] = stored

	return nil
}

func (p *Persistence) UpdateSessionProgress(ctx context.Context, session *models.FlowSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.sessions[session.ID]
	if !ok {
		return persistence.ErrSessionNotFound
	}

	stored.CurrentNodeID = session.CurrentNodeID
	stored.Variables = cloneSession(session).Variables
	stored.ErrorCount = session.ErrorCount
	stored.LastError = session.LastError
	stored.LastInteractionAt = session.LastInteractionAt

	return nil
}

func (p *Persistence) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.sessions[id]
	if !ok {
		return persistence.ErrSessionNotFound
	}

	stored.Status = status
	stored.LastInteractionAt = at

	return nil
}

func (p *Persistence) ActiveSessionByFlowAndContact(ctx context.Context, flowID, contactID string) (*models.FlowSession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, session := range p.sessions {
		if session.FlowID == flowID && session.ContactID == contactID && session.Status == models.SessionStatusActive {
			return cloneSession(session), nil
		}
	}

	return nil, nil
}

func (p *Persistence) ActiveSessionsByContact(ctx context.Context, contactID string) ([]*models.FlowSession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sessions := make([]*models.FlowSession, 0)

	for _, session := range p.sessions {
		if session.ContactID == contactID && session.Status == models.SessionStatusActive {
			sessions = append(sessions, cloneSession(session))
		}
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	return sessions, nil
}

func (p *Persistence) AcquireProcessing(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[id]
	if !ok {
		return false, persistence.ErrSessionNotFound
	}

	if session.Processing && session.ProcessingStartedAt != nil && session.ProcessingStartedAt.After(staleBefore) {
		return false, nil
	}

	session.Processing = true
	session.ProcessingStartedAt = &now

	return true, nil
}

func (p *Persistence) ReleaseProcessing(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[id]
	if !ok {
		return persistence.ErrSessionNotFound
	}

	session.Processing = false
	session.ProcessingStartedAt = nil

	return nil
}

// Delay jobs

func (p *Persistence) CreateDelayJob(ctx context.Context, job *models.DelayJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	if job.Status == "" {
		job.Status = models.DelayJobStatusScheduled
	}

	clone := *job
	p.delayJobs[job.ID] = &clone

	return nil
}

func (p *Persistence) DueDelayJobs(ctx context.Context, now time.Time) ([]*models.DelayJob, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	jobs := make([]*models.DelayJob, 0)

	for _, job := range p.delayJobs {
		if job.Status == models.DelayJobStatusScheduled && !job.FireAt.After(now) {
			clone := *job
			jobs = append(jobs, &clone)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].FireAt.Before(jobs[j].FireAt) })

	return jobs, nil
}

func (p *Persistence) ClaimDelayJob(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.delayJobs[id]
	if !ok {
		return false, persistence.ErrDelayJobNotFound
	}

	if job.Status != models.DelayJobStatusScheduled {
		return false, nil
	}

	job.Status = models.DelayJobStatusDone

	return true, nil
}

func (p *Persistence) CancelDelayJobs(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, job := range p.delayJobs {
		if job.SessionID == sessionID && job.Status == models.DelayJobStatusScheduled {
			job.Status = models.DelayJobStatusCancelled
		}
	}

	return nil
}

func (p *Persistence) DelayJobsBySession(ctx context.Context, sessionID string) ([]*models.DelayJob, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	jobs := make([]*models.DelayJob, 0)

	for _, job := range p.delayJobs {
		if job.SessionID == sessionID {
			clone := *job
			jobs = append(jobs, &clone)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	return jobs, nil
}

// Messages

func (p *Persistence) InsertMessage(ctx context.Context, message *models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range p.messages {
		if m.ContactID == message.ContactID && m.RemoteID == message.RemoteID {
			return persistence.ErrDuplicateMessage
		}
	}

	if message.ID == "" {
		message.ID = uuid.New().String()
	}

	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	clone := *message
	p.messages[message.ID] = &clone

	return nil
}

func (p *Persistence) MessageExists(ctx context.Context, contactID, remoteID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.messages {
		if m.ContactID == contactID && m.RemoteID == remoteID {
			return true, nil
		}
	}

	return false, nil
}

// Conversations

func (p *Persistence) ConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conversation, ok := p.conversations[id]
	if !ok {
		return nil, persistence.ErrConversationNotFound
	}

	clone := *conversation
	clone.Topics = append([]string(nil), conversation.Topics...)

	return &clone, nil
}

func (p *Persistence) SaveConversation(ctx context.Context, conversation *models.Conversation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conversation.ID == "" {
		conversation.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}

	conversation.UpdatedAt = now

	clone := *conversation
	clone.Topics = append([]string(nil), conversation.Topics...)
	p.conversations[conversation.ID] = &clone

	return nil
}

func cloneContact(c *models.Contact) *models.Contact {
	clone := *c
	clone.Tags = append([]string(nil), c.Tags...)

	return &clone
}

func cloneSession(s *models.FlowSession) *models.FlowSession {
	clone := *s
	clone.Variables = make(map[string]any, len(s.Variables))

	for k, v := range s.Variables {
		clone.Variables[k] = v
	}

	return &clone
}
