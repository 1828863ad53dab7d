// Package gateway normalizes the two upstream messaging providers behind
// one send/read/media/profile contract with classified failures.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zapflow/zapflow/pkg/blob"
	"github.com/zapflow/zapflow/pkg/models"
)

// Payload is the outbound message content.
type Payload struct {
	Kind     models.MessageKind
	Text     string
	MediaURL string
	Caption  string
}

// Profile is the provider view of a remote peer. AvatarURL points at blob
// storage once the adapter has mirrored the picture; it falls back to the
// provider URL when the mirror fails.
type Profile struct {
	Name      string
	AvatarURL string
}

// Gateway is the provider-agnostic contract used by the flow engine and
// the maturation loop.
type Gateway interface {
	// Send delivers a payload and returns the provider-assigned message id.
	Send(ctx context.Context, instance *models.Instance, target string, payload Payload) (string, error)
	MarkRead(ctx context.Context, instance *models.Instance, target string) error
	// FetchMedia downloads the raw media bytes plus content type for a
	// provider message id.
	FetchMedia(ctx context.Context, instance *models.Instance, remoteID string) ([]byte, string, error)
	FetchProfile(ctx context.Context, instance *models.Instance, target string) (*Profile, error)
	// MirrorMedia fetches media once and persists it to blob storage,
	// returning a stable URL.
	MirrorMedia(ctx context.Context, instance *models.Instance, remoteID string) (string, error)
}

// providerClient is the per-provider wire protocol implementation.
type providerClient interface {
	send(ctx context.Context, ep Endpoint, instanceID, target string, payload Payload) (string, error)
	markRead(ctx context.Context, ep Endpoint, instanceID, target string) error
	fetchMedia(ctx context.Context, ep Endpoint, instanceID, remoteID string) ([]byte, string, error)
	fetchProfile(ctx context.Context, ep Endpoint, instanceID, target string) (*Profile, error)
}

const (
	defaultRequestTimeout = 30 * time.Second
	maxAvatarBytes        = 5 * 1024 * 1024
)

// Adapter selects the provider client per instance and resolves
// credentials per call. Instances of different providers coexist within
// one tenant; no global provider is assumed.
type Adapter struct {
	resolver *Resolver
	blobs    blob.Store
	http     *http.Client
	logger   *slog.Logger
	clients  map[models.GatewayProvider]providerClient
}

func NewAdapter(logger *slog.Logger, resolver *Resolver, blobs blob.Store, httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &Adapter{
		resolver: resolver,
		blobs:    blobs,
		http:     httpClient,
		logger:   logger.With("module", "gateway"),
		clients: map[models.GatewayProvider]providerClient{
			models.ProviderZAPI:      newZAPIClient(httpClient),
			models.ProviderEvolution: newEvolutionClient(httpClient),
		},
	}
}

func (a *Adapter) clientFor(instance *models.Instance) (providerClient, Endpoint, error) {
	client, ok := a.clients[instance.Provider]
	if !ok {
		return nil, Endpoint{}, fmt.Errorf("unknown gateway provider %q for instance %s", instance.Provider, instance.ID)
	}

	endpoint, err := a.resolver.Resolve(instance)
	if err != nil {
		return nil, Endpoint{}, err
	}

	return client, endpoint, nil
}

func (a *Adapter) Send(ctx context.Context, instance *models.Instance, target string, payload Payload) (string, error) {
	client, endpoint, err := a.clientFor(instance)
	if err != nil {
		return "", err
	}

	remoteID, err := client.send(ctx, endpoint, instance.ID, target, payload)
	if err != nil {
		return "", err
	}

	a.logger.DebugContext(ctx, "Message sent",
		"instance_id", instance.ID,
		"provider", instance.Provider,
		"remote_id", remoteID)

	return remoteID, nil
}

func (a *Adapter) MarkRead(ctx context.Context, instance *models.Instance, target string) error {
	client, endpoint, err := a.clientFor(instance)
	if err != nil {
		return err
	}

	return client.markRead(ctx, endpoint, instance.ID, target)
}

func (a *Adapter) FetchMedia(ctx context.Context, instance *models.Instance, remoteID string) ([]byte, string, error) {
	client, endpoint, err := a.clientFor(instance)
	if err != nil {
		return nil, "", err
	}

	return client.fetchMedia(ctx, endpoint, instance.ID, remoteID)
}

// FetchProfile resolves the peer's profile and mirrors the avatar into
// blob storage so the returned URL does not expire.
func (a *Adapter) FetchProfile(ctx context.Context, instance *models.Instance, target string) (*Profile, error) {
	client, endpoint, err := a.clientFor(instance)
	if err != nil {
		return nil, err
	}

	profile, err := client.fetchProfile(ctx, endpoint, instance.ID, target)
	if err != nil {
		return nil, err
	}

	if profile.AvatarURL != "" {
		url, err := a.mirrorAvatar(ctx, instance.ID, target, profile.AvatarURL)
		if err != nil {
			// The name is still usable; the provider URL stays as a fallback.
			a.logger.WarnContext(ctx, "Failed to mirror avatar",
				"instance_id", instance.ID, "target", target, "error", err)
		} else {
			profile.AvatarURL = url
		}
	}

	return profile, nil
}

func (a *Adapter) mirrorAvatar(ctx context.Context, instanceID, target, avatarURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, avatarURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build avatar request: %w", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download avatar: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("avatar download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read avatar: %w", err)
	}

	url, err := a.blobs.Put(ctx, instanceID+"-avatar-"+target, resp.Header.Get("Content-Type"), data)
	if err != nil {
		return "", fmt.Errorf("failed to store avatar: %w", err)
	}

	return url, nil
}

// MirrorMedia downloads the media once and stores it durably; the returned
// URL does not expire, unlike the provider URL.
func (a *Adapter) MirrorMedia(ctx context.Context, instance *models.Instance, remoteID string) (string, error) {
	data, contentType, err := a.FetchMedia(ctx, instance, remoteID)
	if err != nil {
		return "", err
	}

	url, err := a.blobs.Put(ctx, instance.ID+"-"+remoteID, contentType, data)
	if err != nil {
		return "", fmt.Errorf("failed to mirror media %s: %w", remoteID, err)
	}

	return url, nil
}
