package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflow/zapflow/pkg/events"
	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence/memory"
	"github.com/zapflow/zapflow/pkg/scheduler"
)

type recordingAdvancer struct {
	mu       sync.Mutex
	sessions []string
	notify   chan string
}

func newRecordingAdvancer() *recordingAdvancer {
	return &recordingAdvancer{notify: make(chan string, 16)}
}

func (a *recordingAdvancer) Advance(_ context.Context, sessionID string) error {
	a.mu.Lock()
	a.sessions = append(a.sessions, sessionID)
	a.mu.Unlock()

	a.notify <- sessionID

	return nil
}

func (a *recordingAdvancer) waitForAdvance(t *testing.T) string {
	t.Helper()

	select {
	case id := <-a.notify:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first-step execution")

		return ""
	}
}

type fixture struct {
	persistence *memory.Persistence
	dispatcher  *Dispatcher
	advancer    *recordingAdvancer
	scheduler   *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := memory.NewPersistence()
	sched := scheduler.NewScheduler(logger, p)
	advancer := newRecordingAdvancer()

	return &fixture{
		persistence: p,
		dispatcher:  NewDispatcher(logger, p, advancer, sched),
		advancer:    advancer,
		scheduler:   sched,
	}
}

func (f *fixture) seedContact(t *testing.T, flowPaused bool) *models.Contact {
	t.Helper()

	instanceID := "inst-1"
	contact := &models.Contact{
		ID:         "contact-1",
		TenantID:   "tenant-1",
		InstanceID: &instanceID,
		Phone:      "5511999990000",
		Name:       "Alice",
		FlowPaused: flowPaused,
	}
	require.NoError(t, f.persistence.Contacts().SaveContact(context.Background(), contact))

	return contact
}

func (f *fixture) seedFlow(t *testing.T, id string, exclusive bool) *models.Flow {
	t.Helper()

	flow := &models.Flow{
		ID:              id,
		TenantID:        "tenant-1",
		Name:            "flow " + id,
		Active:          true,
		TriggerType:     models.TriggerTypeTag,
		TriggerTags:     []string{"vip"},
		PauseOtherFlows: exclusive,
		Nodes: []*models.FlowNode{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []*models.FlowEdge{
			{SourceID: "start", TargetID: "end"},
		},
	}
	require.NoError(t, f.persistence.Flows().SaveFlow(context.Background(), flow))

	return flow
}

func vipTrigger() events.TriggerEvent {
	return events.TriggerEvent{
		ContactID: "contact-1",
		Kind:      models.TriggerTypeTag,
		TagName:   "vip",
	}
}

func TestDispatch_CreatesSessionAtStartNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedContact(t, false)
	f.seedFlow(t, "flow-1", false)

	require.NoError(t, f.dispatcher.Dispatch(ctx, vipTrigger()))

	sessionID := f.advancer.waitForAdvance(t)

	session, err := f.persistence.Sessions().SessionByID(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "flow-1", session.FlowID)
	assert.Equal(t, "start", session.CurrentNodeID)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Equal(t, "Alice", session.Variables[models.VarContactName])
	assert.Equal(t, "vip", session.Variables[models.VarTrigger])
}

func TestDispatch_FlowPausedSuppresses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedContact(t, true)
	f.seedFlow(t, "flow-1", false)

	require.NoError(t, f.dispatcher.Dispatch(ctx, vipTrigger()))

	sessions, err := f.persistence.Sessions().ActiveSessionsByContact(ctx, "contact-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDispatch_TagMismatchIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedContact(t, false)
	f.seedFlow(t, "flow-1", false)

	trigger := vipTrigger()
	trigger.TagName = "cold"

	require.NoError(t, f.dispatcher.Dispatch(ctx, trigger))

	sessions, err := f.persistence.Sessions().ActiveSessionsByContact(ctx, "contact-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDispatch_SourceFlowExcluded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedContact(t, false)
	f.seedFlow(t, "flow-1", false)

	trigger := vipTrigger()
	trigger.SourceFlowID = "flow-1"

	require.NoError(t, f.dispatcher.Dispatch(ctx, trigger))

	sessions, err := f.persistence.Sessions().ActiveSessionsByContact(ctx, "contact-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDispatch_InstanceAssignmentFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedContact(t, false)
	flow := f.seedFlow(t, "flow-1", false)

	flow.InstanceIDs = []string{"other-instance"}
	require.NoError(t, f.persistence.Flows().SaveFlow(ctx, flow))

	require.NoError(t, f.dispatcher.Dispatch(ctx, vipTrigger()))

	sessions, err := f.persistence.Sessions().ActiveSessionsByContact(ctx, "contact-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDispatch_IdempotentRetrigger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedContact(t, false)
	f.seedFlow(t, "flow-1", false)

	require.NoError(t, f.dispatcher.Dispatch(ctx, vipTrigger()))
	f.advancer.waitForAdvance(t)

	require.NoError(t, f.dispatcher.Dispatch(ctx, vipTrigger()))

	sessions, err := f.persistence.Sessions().ActiveSessionsByContact(ctx, "contact-1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestDispatch_ExclusiveFlowPausesOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedContact(t, false)
	f.seedFlow(t, "flow-exclusive", true)

	// A competing session with a pending delay job.
	other := &models.FlowSession{
		ID:        "s-other",
		FlowID:    "flow-other",
		ContactID: "contact-1",
		Status:    models.SessionStatusActive,
	}
	require.NoError(t, f.persistence.Sessions().SaveSession(ctx, other))
	require.NoError(t, f.scheduler.Schedule(ctx, "s-other", time.Now().UTC().Add(time.Hour)))

	require.NoError(t, f.dispatcher.Dispatch(ctx, vipTrigger()))

	newSessionID := f.advancer.waitForAdvance(t)
	assert.NotEqual(t, "s-other", newSessionID)

	paused, err := f.persistence.Sessions().SessionByID(ctx, "s-other")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, paused.Status)

	jobs, err := f.persistence.DelayJobs().DelayJobsBySession(ctx, "s-other")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.DelayJobStatusCancelled, jobs[0].Status)

	created, err := f.persistence.Sessions().SessionByID(ctx, newSessionID)
	require.NoError(t, err)
	assert.Equal(t, "flow-exclusive", created.FlowID)
	assert.Equal(t, "start", created.CurrentNodeID)
}

func TestDispatchManual(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedContact(t, false)
	flow := f.seedFlow(t, "flow-1", false)
	flow.TriggerType = models.TriggerTypeManual
	flow.TriggerTags = nil
	require.NoError(t, f.persistence.Flows().SaveFlow(ctx, flow))

	require.NoError(t, f.dispatcher.DispatchManual(ctx, "contact-1", "flow-1"))

	sessionID := f.advancer.waitForAdvance(t)

	session, err := f.persistence.Sessions().SessionByID(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "manual", session.Variables[models.VarTrigger])
}
