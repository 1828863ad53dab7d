// Package gatewaytest provides a scriptable in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/zapflow/zapflow/pkg/gateway"
	"github.com/zapflow/zapflow/pkg/models"
)

// SentMessage records one Send call.
type SentMessage struct {
	InstanceID string
	Target     string
	Payload    gateway.Payload
}

// Fake implements gateway.Gateway. By default every call succeeds;
// SendFunc overrides Send behavior per test.
type Fake struct {
	mu   sync.Mutex
	sent []SentMessage

	SendFunc         func(instance *models.Instance, target string, payload gateway.Payload) (string, error)
	FetchProfileFunc func(instance *models.Instance, target string) (*gateway.Profile, error)
}

func New() *Fake {
	return &Fake{}
}

func (f *Fake) Send(_ context.Context, instance *models.Instance, target string, payload gateway.Payload) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, SentMessage{
		InstanceID: instance.ID,
		Target:     target,
		Payload:    payload,
	})
	count := len(f.sent)
	f.mu.Unlock()

	if f.SendFunc != nil {
		return f.SendFunc(instance, target, payload)
	}

	return fmt.Sprintf("remote-%d", count), nil
}

func (f *Fake) MarkRead(_ context.Context, _ *models.Instance, _ string) error {
	return nil
}

func (f *Fake) FetchMedia(_ context.Context, _ *models.Instance, remoteID string) ([]byte, string, error) {
	return []byte("media-" + remoteID), "image/jpeg", nil
}

func (f *Fake) FetchProfile(_ context.Context, instance *models.Instance, target string) (*gateway.Profile, error) {
	if f.FetchProfileFunc != nil {
		return f.FetchProfileFunc(instance, target)
	}

	return &gateway.Profile{
		Name:      "profile-" + target,
		AvatarURL: "https://blobs.test/" + instance.ID + "-avatar-" + target,
	}, nil
}

func (f *Fake) MirrorMedia(_ context.Context, instance *models.Instance, remoteID string) (string, error) {
	return "https://blobs.test/" + instance.ID + "-" + remoteID, nil
}

// Sent returns a copy of the recorded Send calls.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)

	return out
}

// SentCount reports how many Send calls were made.
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.sent)
}
