package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflow/zapflow/pkg/events"
	"github.com/zapflow/zapflow/pkg/gateway"
	"github.com/zapflow/zapflow/pkg/gateway/gatewaytest"
	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence/memory"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *capturingPublisher) byType(eventType events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []events.Event

	for _, e := range p.events {
		if e.GetType() == eventType {
			out = append(out, e)
		}
	}

	return out
}

type resumingEngine struct {
	mu      sync.Mutex
	resumed []string
	inputs  []string
}

func (e *resumingEngine) ResumeForInput(_ context.Context, sessionID, input string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resumed = append(e.resumed, sessionID)
	e.inputs = append(e.inputs, input)

	return nil
}

type rig struct {
	persistence *memory.Persistence
	gateway     *gatewaytest.Fake
	publisher   *capturingPublisher
	engine      *resumingEngine
	processor   *Processor
}

func newRig(t *testing.T) *rig {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := memory.NewPersistence()
	gw := gatewaytest.New()
	publisher := &capturingPublisher{}
	engine := &resumingEngine{}

	require.NoError(t, p.SaveInstance(context.Background(), &models.Instance{
		ID:       "inst-1",
		TenantID: "tenant-1",
		Name:     "main",
		Provider: models.ProviderZAPI,
		Status:   models.InstanceStatusConnected,
	}))

	return &rig{
		persistence: p,
		gateway:     gw,
		publisher:   publisher,
		engine:      engine,
		processor:   NewProcessor(logger, p, gw, publisher, engine, nil),
	}
}

func inboundText(remoteID, text string) map[string]any {
	return map[string]any{
		"phone":      "5511999990000",
		"messageId":  remoteID,
		"senderName": "Alice",
		"fromMe":     false,
		"text":       map[string]any{"message": text},
	}
}

func TestProcess_InboundMessageCreatesContact(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	require.NoError(t, r.processor.Process(ctx, "inst-1", inboundText("MSG1", "hello")))

	contact, err := r.persistence.ContactByPhone(ctx, "inst-1", "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", contact.TenantID)
	assert.Equal(t, "Alice", contact.Name)
	assert.Equal(t, "https://blobs.test/inst-1-avatar-5511999990000", contact.AvatarURL)
	assert.Equal(t, 1, contact.UnreadCount)

	exists, err := r.persistence.MessageExists(ctx, contact.ID, "MSG1")
	require.NoError(t, err)
	assert.True(t, exists)

	received := r.publisher.byType(events.MessageReceivedEvent)
	require.Len(t, received, 1)
	assert.Equal(t, "hello", received[0].(events.MessageReceived).Body)
}

func TestProcess_DuplicateDeliveryStoredOnce(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	require.NoError(t, r.processor.Process(ctx, "inst-1", inboundText("MSG1", "hello")))
	require.NoError(t, r.processor.Process(ctx, "inst-1", inboundText("MSG1", "hello")))

	contact, err := r.persistence.ContactByPhone(ctx, "inst-1", "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, 1, contact.UnreadCount)

	// Only one receive event made it out.
	assert.Len(t, r.publisher.byType(events.MessageReceivedEvent), 1)
}

func TestProcess_OutboundEchoDoesNotCountUnread(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	payload := inboundText("MSG1", "from my phone")
	payload["fromMe"] = true

	require.NoError(t, r.processor.Process(ctx, "inst-1", payload))

	contact, err := r.persistence.ContactByPhone(ctx, "inst-1", "5511999990000")
	require.NoError(t, err)
	assert.Zero(t, contact.UnreadCount)

	// Outbound echoes never wake parked sessions.
	assert.Empty(t, r.engine.resumed)
}

func TestProcess_InboundTextWakesAwaitingSessions(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	// First contact sighting.
	require.NoError(t, r.processor.Process(ctx, "inst-1", inboundText("MSG1", "hi")))

	contact, err := r.persistence.ContactByPhone(ctx, "inst-1", "5511999990000")
	require.NoError(t, err)

	require.NoError(t, r.persistence.SaveSession(ctx, &models.FlowSession{
		ID:        "session-1",
		FlowID:    "flow-1",
		ContactID: contact.ID,
		Status:    models.SessionStatusActive,
	}))

	require.NoError(t, r.processor.Process(ctx, "inst-1", inboundText("MSG2", "yes")))

	require.Equal(t, []string{"session-1"}, r.engine.resumed)
	assert.Equal(t, []string{"yes"}, r.engine.inputs)
}

func TestProcess_ProfileBackfillsNameOnCreation(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	anonymous := inboundText("MSG1", "hi")
	delete(anonymous, "senderName")
	require.NoError(t, r.processor.Process(ctx, "inst-1", anonymous))

	contact, err := r.persistence.ContactByPhone(ctx, "inst-1", "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, "profile-5511999990000", contact.Name)
	assert.Equal(t, "https://blobs.test/inst-1-avatar-5511999990000", contact.AvatarURL)
}

func TestProcess_NameBackfilledNotClobbered(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	// Provider profile unavailable for this peer.
	r.gateway.FetchProfileFunc = func(_ *models.Instance, _ string) (*gateway.Profile, error) {
		return nil, errors.New("profile lookup failed")
	}

	anonymous := inboundText("MSG1", "hi")
	delete(anonymous, "senderName")
	require.NoError(t, r.processor.Process(ctx, "inst-1", anonymous))

	contact, err := r.persistence.ContactByPhone(ctx, "inst-1", "5511999990000")
	require.NoError(t, err)
	assert.Empty(t, contact.Name)

	require.NoError(t, r.processor.Process(ctx, "inst-1", inboundText("MSG2", "hi again")))

	contact, err = r.persistence.ContactByPhone(ctx, "inst-1", "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, "Alice", contact.Name)
}

func TestProcess_ConnectionUpdatesInstance(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	require.NoError(t, r.processor.Process(ctx, "inst-1", map[string]any{
		"connected": false,
		"error":     "qrcode expired",
	}))

	instance, err := r.persistence.InstanceByID(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusDisconnected, instance.Status)

	disconnected := r.publisher.byType(events.InstanceDisconnectedEvent)
	require.Len(t, disconnected, 1)
	assert.Equal(t, "qrcode expired", disconnected[0].(events.InstanceDisconnected).Reason)

	require.NoError(t, r.processor.Process(ctx, "inst-1", map[string]any{"connected": true}))

	instance, err = r.persistence.InstanceByID(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusConnected, instance.Status)
	assert.Len(t, r.publisher.byType(events.InstanceConnectedEvent), 1)
}

func TestProcess_TagAppliedOnceAndPublished(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	payload := map[string]any{"phone": "5511999990000", "tag": "vip"}

	require.NoError(t, r.processor.Process(ctx, "inst-1", payload))
	require.NoError(t, r.processor.Process(ctx, "inst-1", payload))

	contact, err := r.persistence.ContactByPhone(ctx, "inst-1", "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, contact.Tags)

	// The trigger event is republished on every delivery; the dispatcher's
	// per-flow session check absorbs the repetition.
	applied := r.publisher.byType(events.TagAppliedEvent)
	require.Len(t, applied, 2)
	assert.Equal(t, "vip", applied[0].(events.TagApplied).TagName)
}

func TestProcess_SalePublished(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	require.NoError(t, r.processor.Process(ctx, "inst-1", map[string]any{
		"phone": "5511999990000",
		"sale":  true,
	}))

	detected := r.publisher.byType(events.SaleDetectedEvent)
	require.Len(t, detected, 1)
}

func TestProcess_StatusForUnknownContactStillPublished(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	require.NoError(t, r.processor.Process(ctx, "inst-1", map[string]any{
		"phone":  "5511999990000",
		"status": "DELIVERED",
		"ids":    "MSG1",
	}))

	statuses := r.publisher.byType(events.MessageStatusEvent)
	require.Len(t, statuses, 1)

	status := statuses[0].(events.MessageStatus)
	assert.Empty(t, status.ContactID)
	assert.Equal(t, "MSG1", status.RemoteID)
}

func TestProcess_UnknownInstanceFails(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	err := r.processor.Process(ctx, "ghost", inboundText("MSG1", "hi"))
	require.Error(t, err)
}

func TestProcess_MalformedPayloadFails(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	err := r.processor.Process(ctx, "inst-1", map[string]any{"garbage": true})
	require.ErrorIs(t, err, errUnrecognizedPayload)
}

type fakeDedup struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{keys: make(map[string]bool)}
}

func (d *fakeDedup) Seen(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.keys[key]
}

func (d *fakeDedup) Mark(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.keys[key] = true
}

func TestProcess_FailedDeliveryNotMarkedSeen(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	dedup := newFakeDedup()
	r.processor.dedup = dedup

	// A delivery that fails mid-processing: the nested shape carries a
	// remote id but no usable peer, so contact resolution errors out.
	broken := map[string]any{
		"event": "messages.upsert",
		"data": map[string]any{
			"key":     map[string]any{"id": "MSG1"},
			"message": map[string]any{"conversation": "hi"},
		},
	}
	require.Error(t, r.processor.Process(ctx, "inst-1", broken))
	assert.False(t, dedup.Seen(ctx, dedupKey("inst-1", "MSG1")))

	// The provider redelivers the same message id; it must still land.
	require.NoError(t, r.processor.Process(ctx, "inst-1", inboundText("MSG1", "hi")))

	contact, err := r.persistence.ContactByPhone(ctx, "inst-1", "5511999990000")
	require.NoError(t, err)

	exists, err := r.persistence.MessageExists(ctx, contact.ID, "MSG1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, dedup.Seen(ctx, dedupKey("inst-1", "MSG1")))
}

func TestProcess_SeenDeliverySkippedWithoutStoreWork(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	dedup := newFakeDedup()
	r.processor.dedup = dedup

	dedup.Mark(ctx, dedupKey("inst-1", "MSG1"))

	require.NoError(t, r.processor.Process(ctx, "inst-1", inboundText("MSG1", "hello")))

	// The fast path short-circuited: no contact was created and no event
	// went out.
	_, err := r.persistence.ContactByPhone(ctx, "inst-1", "5511999990000")
	require.Error(t, err)
	assert.Empty(t, r.publisher.byType(events.MessageReceivedEvent))
}
