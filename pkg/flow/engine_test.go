package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflow/zapflow/pkg/events"
	"github.com/zapflow/zapflow/pkg/gateway"
	"github.com/zapflow/zapflow/pkg/gateway/gatewaytest"
	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence/memory"
	"github.com/zapflow/zapflow/pkg/scheduler"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	triggers []events.TriggerEvent
}

func (d *recordingDispatcher) Dispatch(_ context.Context, trigger events.TriggerEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.triggers = append(d.triggers, trigger)

	return nil
}

type fixture struct {
	persistence *memory.Persistence
	gateway     *gatewaytest.Fake
	engine      *Engine
	dispatcher  *recordingDispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := memory.NewPersistence()
	gw := gatewaytest.New()
	sched := scheduler.NewScheduler(logger, p)
	engine := NewEngine(logger, p, gw, sched, opts...)
	disp := &recordingDispatcher{}
	engine.SetDispatcher(disp)

	return &fixture{
		persistence: p,
		gateway:     gw,
		engine:      engine,
		dispatcher:  disp,
	}
}

func (f *fixture) seedWorld(t *testing.T, flow *models.Flow) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, f.persistence.Instances().SaveInstance(ctx, &models.Instance{
		ID:       "inst-1",
		TenantID: "tenant-1",
		Name:     "main",
		Provider: models.ProviderZAPI,
		Status:   models.InstanceStatusConnected,
	}))

	instanceID := "inst-1"
	require.NoError(t, f.persistence.Contacts().SaveContact(ctx, &models.Contact{
		ID:         "contact-1",
		TenantID:   "tenant-1",
		InstanceID: &instanceID,
		Phone:      "5511999990000",
		Name:       "Alice",
	}))

	require.NoError(t, f.persistence.Flows().SaveFlow(ctx, flow))
}

func (f *fixture) seedSession(t *testing.T, flowID, nodeID string) *models.FlowSession {
	t.Helper()

	session := &models.FlowSession{
		ID:            "session-1",
		FlowID:        flowID,
		ContactID:     "contact-1",
		CurrentNodeID: nodeID,
		Status:        models.SessionStatusActive,
		Variables: map[string]any{
			models.VarContactName:  "Alice",
			models.VarContactPhone: "5511999990000",
		},
	}
	require.NoError(t, f.persistence.Sessions().SaveSession(context.Background(), session))

	return session
}

func messageFlow() *models.Flow {
	return &models.Flow{
		ID:          "flow-1",
		TenantID:    "tenant-1",
		Name:        "welcome",
		Active:      true,
		TriggerType: models.TriggerTypeTag,
		Nodes: []*models.FlowNode{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "msg", Type: models.NodeTypeMessage, Config: map[string]any{"text": "Hi {{ .contact.name }}!"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []*models.FlowEdge{
			{SourceID: "start", TargetID: "msg"},
			{SourceID: "msg", TargetID: "end"},
		},
	}
}

func TestAdvance_RunsChainToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedWorld(t, messageFlow())
	f.seedSession(t, "flow-1", "start")

	require.NoError(t, f.engine.Advance(ctx, "session-1"))

	sent := f.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi Alice!", sent[0].Payload.Text)
	assert.Equal(t, "5511999990000", sent[0].Target)

	session, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.False(t, session.Processing)
	assert.True(t, session.NodeSent("msg"))

	exists, err := f.persistence.Messages().MessageExists(ctx, "contact-1", "remote-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAdvance_AlreadySentNodeNotResent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedWorld(t, messageFlow())
	session := f.seedSession(t, "flow-1", "msg")
	session.MarkSent("msg")
	require.NoError(t, f.persistence.Sessions().SaveSession(ctx, session))

	require.NoError(t, f.engine.Advance(ctx, "session-1"))

	assert.Zero(t, f.gateway.SentCount())

	stored, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, stored.Status)
}

func TestAdvance_LockHeldIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedWorld(t, messageFlow())
	f.seedSession(t, "flow-1", "start")

	now := time.Now().UTC()
	acquired, err := f.persistence.Sessions().AcquireProcessing(ctx, "session-1", now, now.Add(-DefaultStaleLockThreshold))
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, f.engine.Advance(ctx, "session-1"))

	assert.Zero(t, f.gateway.SentCount())

	session, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "start", session.CurrentNodeID)
	assert.True(t, session.Processing)
}

func TestAdvance_ConcurrentCallsSingleSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedWorld(t, messageFlow())
	f.seedSession(t, "flow-1", "start")

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = f.engine.Advance(ctx, "session-1")
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, f.gateway.SentCount())
}

func chainFlow() *models.Flow {
	return &models.Flow{
		ID:          "flow-1",
		TenantID:    "tenant-1",
		Name:        "two-step",
		Active:      true,
		TriggerType: models.TriggerTypeTag,
		Nodes: []*models.FlowNode{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "m1", Type: models.NodeTypeMessage, Config: map[string]any{"text": "one"}},
			{ID: "m2", Type: models.NodeTypeMessage, Config: map[string]any{"text": "two"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []*models.FlowEdge{
			{SourceID: "start", TargetID: "m1"},
			{SourceID: "m1", TargetID: "m2"},
			{SourceID: "m2", TargetID: "end"},
		},
	}
}

func TestAdvance_PauseDuringStepStopsChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedWorld(t, chainFlow())
	f.seedSession(t, "flow-1", "start")

	entered := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once
	f.gateway.SendFunc = func(_ *models.Instance, _ string, payload gateway.Payload) (string, error) {
		once.Do(func() {
			close(entered)
			<-release
		})

		return "remote-" + payload.Text, nil
	}

	done := make(chan error, 1)

	go func() {
		done <- f.engine.Advance(ctx, "session-1")
	}()

	// An exclusive trigger pauses the session while the first message is
	// still in flight.
	<-entered
	require.NoError(t, f.persistence.Sessions().UpdateSessionStatus(ctx, "session-1", models.SessionStatusPaused, time.Now().UTC()))
	require.NoError(t, f.persistence.DelayJobs().CancelDelayJobs(ctx, "session-1"))
	close(release)

	require.NoError(t, <-done)

	// The in-flight step finishes, the chain does not: the second message
	// never goes out and the pause survives.
	assert.Equal(t, 1, f.gateway.SentCount())

	stored, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, stored.Status)
	assert.False(t, stored.Processing)
}

func TestAdvance_PermanentErrorPausesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gateway.SendFunc = func(_ *models.Instance, _ string, _ gateway.Payload) (string, error) {
		return "", &gateway.Error{Class: gateway.ClassPermanent, Err: errors.New("unsupported media")}
	}
	f.seedWorld(t, messageFlow())
	f.seedSession(t, "flow-1", "start")

	err := f.engine.Advance(ctx, "session-1")
	require.Error(t, err)

	session, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, session.Status)
	assert.Equal(t, 1, session.ErrorCount)
	assert.Contains(t, session.LastError, "unsupported media")

	// No retry continuation was scheduled.
	jobs, err := f.persistence.DelayJobs().DelayJobsBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func delayFlow() *models.Flow {
	return &models.Flow{
		ID:          "flow-1",
		TenantID:    "tenant-1",
		Name:        "drip",
		Active:      true,
		TriggerType: models.TriggerTypeTag,
		Nodes: []*models.FlowNode{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "msg1", Type: models.NodeTypeMessage, Config: map[string]any{"text": "first"}},
			{ID: "wait", Type: models.NodeTypeDelay, Config: map[string]any{"minutes": 10}},
			{ID: "msg2", Type: models.NodeTypeMessage, Config: map[string]any{"text": "second"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []*models.FlowEdge{
			{SourceID: "start", TargetID: "msg1"},
			{SourceID: "msg1", TargetID: "wait"},
			{SourceID: "wait", TargetID: "msg2"},
			{SourceID: "msg2", TargetID: "end"},
		},
	}
}

func TestAdvance_DelayNodeSuspends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedWorld(t, delayFlow())
	f.seedSession(t, "flow-1", "start")

	before := time.Now().UTC()
	require.NoError(t, f.engine.Advance(ctx, "session-1"))

	assert.Equal(t, 1, f.gateway.SentCount())

	session, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Equal(t, "msg2", session.CurrentNodeID)
	assert.False(t, session.Processing)

	jobs, err := f.persistence.DelayJobs().DelayJobsBySession(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.DelayJobStatusScheduled, jobs[0].Status)
	assert.False(t, jobs[0].FireAt.Before(before.Add(10*time.Minute)))

	// Resuming runs the rest of the chain.
	require.NoError(t, f.engine.Advance(ctx, "session-1"))

	sent := f.gateway.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "second", sent[1].Payload.Text)

	session, err = f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
}

func conditionFlow() *models.Flow {
	return &models.Flow{
		ID:          "flow-1",
		TenantID:    "tenant-1",
		Name:        "qualify",
		Active:      true,
		TriggerType: models.TriggerTypeTag,
		Nodes: []*models.FlowNode{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "ask", Type: models.NodeTypeCondition, Config: map[string]any{
				"await_input": true,
				"operator":    "contains",
				"value":       "yes",
			}},
			{ID: "msg-yes", Type: models.NodeTypeMessage, Config: map[string]any{"text": "great"}},
			{ID: "msg-no", Type: models.NodeTypeMessage, Config: map[string]any{"text": "ok then"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []*models.FlowEdge{
			{SourceID: "start", TargetID: "ask"},
			{SourceID: "ask", TargetID: "msg-yes", Branch: "true"},
			{SourceID: "ask", TargetID: "msg-no", Branch: "false"},
			{SourceID: "msg-yes", TargetID: "end"},
			{SourceID: "msg-no", TargetID: "end"},
		},
	}
}

func TestAdvance_ConditionAwaitsInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedWorld(t, conditionFlow())
	f.seedSession(t, "flow-1", "start")

	require.NoError(t, f.engine.Advance(ctx, "session-1"))

	// Parked on the condition node, nothing sent.
	session, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "ask", session.CurrentNodeID)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Zero(t, f.gateway.SentCount())

	require.NoError(t, f.engine.ResumeForInput(ctx, "session-1", "yes please"))

	sent := f.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "great", sent[0].Payload.Text)

	session, err = f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)

	// The consumed input is gone from the variables.
	_, hasInput := session.Variables[models.VarLastInput]
	assert.False(t, hasInput)
}

func TestAdvance_ConditionFalseBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedWorld(t, conditionFlow())
	f.seedSession(t, "flow-1", "start")

	require.NoError(t, f.engine.Advance(ctx, "session-1"))
	require.NoError(t, f.engine.ResumeForInput(ctx, "session-1", "nope"))

	sent := f.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ok then", sent[0].Payload.Text)
}

func tagFlow() *models.Flow {
	return &models.Flow{
		ID:          "flow-1",
		TenantID:    "tenant-1",
		Name:        "tagger",
		Active:      true,
		TriggerType: models.TriggerTypeManual,
		Nodes: []*models.FlowNode{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "tag", Type: models.NodeTypeTag, Config: map[string]any{"tag": "qualified"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []*models.FlowEdge{
			{SourceID: "start", TargetID: "tag"},
			{SourceID: "tag", TargetID: "end"},
		},
	}
}

func TestAdvance_TagNodeAppliesAndDispatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedWorld(t, tagFlow())
	f.seedSession(t, "flow-1", "start")

	require.NoError(t, f.engine.Advance(ctx, "session-1"))

	contact, err := f.persistence.Contacts().ContactByID(ctx, "contact-1")
	require.NoError(t, err)
	assert.True(t, contact.HasTag("qualified"))

	require.Len(t, f.dispatcher.triggers, 1)
	trigger := f.dispatcher.triggers[0]
	assert.Equal(t, models.TriggerTypeTag, trigger.Kind)
	assert.Equal(t, "qualified", trigger.TagName)
	assert.Equal(t, "flow-1", trigger.SourceFlowID)
}

func TestAdvance_StepErrorRetriesThenPauses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gateway.SendFunc = func(_ *models.Instance, _ string, _ gateway.Payload) (string, error) {
		return "", errors.New("boom")
	}
	f.seedWorld(t, messageFlow())
	f.seedSession(t, "flow-1", "start")

	for attempt := 1; attempt <= DefaultMaxErrorCount; attempt++ {
		err := f.engine.Advance(ctx, "session-1")
		require.Error(t, err)
	}

	session, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, session.Status)
	assert.Equal(t, DefaultMaxErrorCount, session.ErrorCount)
	assert.Contains(t, session.LastError, "boom")
	assert.False(t, session.Processing)
}

func TestAdvance_SuccessResetsErrorCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fail := true
	f.gateway.SendFunc = func(_ *models.Instance, _ string, _ gateway.Payload) (string, error) {
		if fail {
			return "", errors.New("flaky")
		}

		return "remote-ok", nil
	}

	f.seedWorld(t, messageFlow())
	f.seedSession(t, "flow-1", "start")

	require.Error(t, f.engine.Advance(ctx, "session-1"))

	fail = false
	require.NoError(t, f.engine.Advance(ctx, "session-1"))

	session, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Zero(t, session.ErrorCount)
}

func TestAdvance_InactiveFlowForceCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	flow := messageFlow()
	flow.Active = false
	f.seedWorld(t, flow)
	f.seedSession(t, "flow-1", "start")

	require.NoError(t, f.engine.Advance(ctx, "session-1"))

	session, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Zero(t, f.gateway.SentCount())
}

func TestAdvance_PausedSessionUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedWorld(t, messageFlow())
	session := f.seedSession(t, "flow-1", "start")
	session.Status = models.SessionStatusPaused
	require.NoError(t, f.persistence.Sessions().SaveSession(ctx, session))

	require.NoError(t, f.engine.Advance(ctx, "session-1"))

	assert.Zero(t, f.gateway.SentCount())

	stored, err := f.persistence.Sessions().SessionByID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, stored.Status)
	assert.Equal(t, "start", stored.CurrentNodeID)
}
