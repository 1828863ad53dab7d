package maturation

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
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *recordingPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]events.Event, len(p.events))
	copy(out, p.events)

	return out
}

type harness struct {
	persistence *memory.Persistence
	gateway     *gatewaytest.Fake
	publisher   *recordingPublisher
	runner      *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := memory.NewPersistence()
	gw := gatewaytest.New()
	publisher := &recordingPublisher{}

	return &harness{
		persistence: p,
		gateway:     gw,
		publisher:   publisher,
		runner:      NewRunner(logger, p, gw, publisher, NewMemoryCounter()),
	}
}

func (h *harness) seedConversation(t *testing.T, mutate func(*models.Conversation)) *models.Conversation {
	t.Helper()

	ctx := context.Background()

	for _, instance := range []*models.Instance{
		{ID: "inst-a", TenantID: "tenant-1", Name: "alpha", Phone: "5511000000001", Provider: models.ProviderZAPI, Status: models.InstanceStatusConnected},
		{ID: "inst-b", TenantID: "tenant-1", Name: "bravo", Phone: "5511000000002", Provider: models.ProviderZAPI, Status: models.InstanceStatusConnected},
	} {
		require.NoError(t, h.persistence.Instances().SaveInstance(ctx, instance))
	}

	conversation := &models.Conversation{
		ID:              "conv-1",
		TenantID:        "tenant-1",
		InstanceAID:     "inst-a",
		InstanceBID:     "inst-b",
		Active:          true,
		MinDelaySeconds: 3600,
		MaxDelaySeconds: 3600,
		Topics:          []string{"hello", "hi there", "how are you"},
	}

	if mutate != nil {
		mutate(conversation)
	}

	require.NoError(t, h.persistence.Conversations().SaveConversation(ctx, conversation))

	return conversation
}

// register puts the loop in the registry without spawning the iteration
// goroutine, so tests can drive iterations synchronously.
func (h *harness) register(id string) {
	h.runner.mu.Lock()
	h.runner.loops[id] = &loopState{}
	h.runner.mu.Unlock()
}

func TestStart_InactiveConversation(t *testing.T) {
	h := newHarness(t)
	h.seedConversation(t, func(c *models.Conversation) { c.Active = false })

	err := h.runner.Start(context.Background(), "conv-1")
	require.ErrorIs(t, err, ErrConversationInactive)
	assert.Empty(t, h.runner.Running())
}

func TestStart_UnknownConversation(t *testing.T) {
	h := newHarness(t)

	err := h.runner.Start(context.Background(), "missing")
	require.Error(t, err)
}

func TestStart_AlreadyRunning(t *testing.T) {
	h := newHarness(t)
	h.seedConversation(t, nil)

	require.NoError(t, h.runner.Start(context.Background(), "conv-1"))

	err := h.runner.Start(context.Background(), "conv-1")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	assert.Equal(t, []string{"conv-1"}, h.runner.Running())

	h.runner.Stop("conv-1")
	assert.Empty(t, h.runner.Running())
}

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t)

	h.runner.Stop("never-started")
	h.runner.Stop("never-started")
}

func TestIteration_SendsLineAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedConversation(t, nil)
	h.register("conv-1")

	h.runner.runIteration(ctx, "conv-1")

	sent := h.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "inst-a", sent[0].InstanceID)
	assert.Equal(t, "5511000000002", sent[0].Target)
	assert.Equal(t, "hello", sent[0].Payload.Text)

	stored, err := h.persistence.Conversations().ConversationByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Cursor)

	// Still running; the continuation timer is armed.
	assert.Equal(t, []string{"conv-1"}, h.runner.Running())

	h.runner.Stop("conv-1")
}

func TestIteration_ParticipantsAlternate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedConversation(t, func(c *models.Conversation) { c.Cursor = 1 })
	h.register("conv-1")

	h.runner.runIteration(ctx, "conv-1")

	sent := h.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "inst-b", sent[0].InstanceID)
	assert.Equal(t, "5511000000001", sent[0].Target)
	assert.Equal(t, "hi there", sent[0].Payload.Text)

	h.runner.Stop("conv-1")
}

func TestIteration_DisconnectionStopsLoopWithAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedConversation(t, nil)
	h.register("conv-1")

	h.gateway.SendFunc = func(instance *models.Instance, _ string, _ gateway.Payload) (string, error) {
		return "", &gateway.Error{
			Class:      gateway.ClassDisconnected,
			Provider:   instance.Provider,
			InstanceID: instance.ID,
			Err:        errors.New("instance not found"),
		}
	}

	h.runner.runIteration(ctx, "conv-1")

	assert.Empty(t, h.runner.Running())

	published := h.publisher.published()
	require.Len(t, published, 1)

	stopped, ok := published[0].(events.LoopStopped)
	require.True(t, ok)
	assert.Equal(t, "conv-1", stopped.ConversationID)
	assert.Equal(t, "inst-a", stopped.InstanceID)
	assert.Contains(t, stopped.Reason, "alpha")
	assert.Contains(t, stopped.Reason, "disconnected")

	// Cursor did not advance past the failed send.
	stored, err := h.persistence.Conversations().ConversationByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.Zero(t, stored.Cursor)
}

func TestIteration_SendFailureStopsLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedConversation(t, nil)
	h.register("conv-1")

	h.gateway.SendFunc = func(*models.Instance, string, gateway.Payload) (string, error) {
		return "", errors.New("provider exploded")
	}

	h.runner.runIteration(ctx, "conv-1")

	assert.Empty(t, h.runner.Running())

	published := h.publisher.published()
	require.Len(t, published, 1)

	stopped, ok := published[0].(events.LoopStopped)
	require.True(t, ok)
	assert.Contains(t, stopped.Reason, "send failed")
}

func TestIteration_DeactivatedConversationStops(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conversation := h.seedConversation(t, nil)
	h.register("conv-1")

	conversation.Active = false
	require.NoError(t, h.persistence.Conversations().SaveConversation(ctx, conversation))

	h.runner.runIteration(ctx, "conv-1")

	assert.Empty(t, h.runner.Running())
	assert.Zero(t, h.gateway.SentCount())
}

func TestIteration_RunLimitStopsLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedConversation(t, func(c *models.Conversation) { c.MaxPerRun = 2 })
	h.register("conv-1")

	h.runner.runIteration(ctx, "conv-1")
	h.runner.runIteration(ctx, "conv-1")
	h.runner.runIteration(ctx, "conv-1")

	assert.Equal(t, 2, h.gateway.SentCount())
	assert.Empty(t, h.runner.Running())

	published := h.publisher.published()
	require.Len(t, published, 1)
	assert.Contains(t, published[0].(events.LoopStopped).Reason, "run message limit")
}

func TestIteration_DailyLimitStopsLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedConversation(t, func(c *models.Conversation) { c.DailyLimit = 1 })
	h.register("conv-1")

	h.runner.runIteration(ctx, "conv-1")
	h.runner.runIteration(ctx, "conv-1")

	assert.Equal(t, 1, h.gateway.SentCount())
	assert.Empty(t, h.runner.Running())

	published := h.publisher.published()
	require.Len(t, published, 1)
	assert.Contains(t, published[0].(events.LoopStopped).Reason, "daily message limit")
}

func TestIteration_EmptyScriptStopsLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedConversation(t, func(c *models.Conversation) { c.Topics = nil })
	h.register("conv-1")

	h.runner.runIteration(ctx, "conv-1")

	assert.Empty(t, h.runner.Running())
	assert.Zero(t, h.gateway.SentCount())
}

func TestIteration_StoppedLoopDoesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedConversation(t, nil)

	h.runner.runIteration(ctx, "conv-1")

	assert.Zero(t, h.gateway.SentCount())
	assert.Empty(t, h.publisher.published())
}

func TestIteration_QuietHoursPostpones(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedConversation(t, func(c *models.Conversation) {
		// The whole day is quiet, whatever the wall clock says.
		c.QuietHoursStart = "00:00"
		c.QuietHoursEnd = "23:59"
	})
	h.register("conv-1")

	h.runner.runIteration(ctx, "conv-1")

	assert.Zero(t, h.gateway.SentCount())
	assert.Equal(t, []string{"conv-1"}, h.runner.Running())
	assert.Empty(t, h.publisher.published())

	h.runner.Stop("conv-1")
}

func TestRandomDelay_Bounds(t *testing.T) {
	for range 100 {
		d := randomDelay(3, 7)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 7*time.Second)
	}

	assert.Equal(t, time.Second, randomDelay(0, 0))
	assert.Equal(t, 5*time.Second, randomDelay(5, 2))
}

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()
	counter := NewMemoryCounter()
	day := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	for want := int64(1); want <= 3; want++ {
		got, err := counter.Increment(ctx, "conv-1", day)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Separate day, separate counter.
	got, err := counter.Increment(ctx, "conv-1", day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}
