package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zapflow/zapflow/pkg/models"
)

// zapiClient speaks the Z-API style wire protocol: instance-scoped paths,
// Client-Token header, flat JSON bodies.
type zapiClient struct {
	http *http.Client
}

func newZAPIClient(httpClient *http.Client) *zapiClient {
	return &zapiClient{http: httpClient}
}

func (c *zapiClient) headers(ep Endpoint) map[string]string {
	return map[string]string{"Client-Token": ep.Token}
}

// sendShapes are the body variants observed across Z-API deployments, in
// preference order. Older deployments reject the current field names with
// a 400.
func (c *zapiClient) sendShapes(target string, payload Payload) []map[string]any {
	if payload.Kind == models.MessageKindImage {
		return []map[string]any{
			{"phone": target, "image": payload.MediaURL, "caption": payload.Caption},
			{"phone": target, "imageUrl": payload.MediaURL, "caption": payload.Caption},
		}
	}

	return []map[string]any{
		{"phone": target, "message": payload.Text},
		{"phone": target, "text": payload.Text},
		{"number": target, "body": payload.Text},
	}
}

func (c *zapiClient) sendPath(payload Payload) string {
	if payload.Kind == models.MessageKindImage {
		return "/send-image"
	}

	return "/send-text"
}

func (c *zapiClient) send(ctx context.Context, ep Endpoint, instanceID, target string, payload Payload) (string, error) {
	url := fmt.Sprintf("%s/instances/%s%s", ep.BaseURL, instanceID, c.sendPath(payload))

	var (
		statusCode int
		body       []byte
		err        error
	)

	for _, shape := range c.sendShapes(target, payload) {
		statusCode, body, err = doJSON(ctx, c.http, http.MethodPost, url, c.headers(ep), shape)
		if err != nil {
			return "", classify(models.ProviderZAPI, instanceID, 0, "", err)
		}

		if statusCode >= 200 && statusCode < 300 {
			return c.extractMessageID(body), nil
		}

		if !shapeMismatch(statusCode, body) {
			break
		}
	}

	return "", classify(models.ProviderZAPI, instanceID, statusCode, string(body), nil)
}

func (c *zapiClient) extractMessageID(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}

	return firstString(doc, "messageId", "zaapId", "id")
}

func (c *zapiClient) markRead(ctx context.Context, ep Endpoint, instanceID, target string) error {
	url := fmt.Sprintf("%s/instances/%s/read-message", ep.BaseURL, instanceID)

	shapes := []map[string]any{
		{"phone": target},
		{"phone": target, "action": "read"},
		{"number": target},
	}

	var (
		statusCode int
		body       []byte
		err        error
	)

	for _, shape := range shapes {
		statusCode, body, err = doJSON(ctx, c.http, http.MethodPost, url, c.headers(ep), shape)
		if err != nil {
			return classify(models.ProviderZAPI, instanceID, 0, "", err)
		}

		if statusCode >= 200 && statusCode < 300 {
			return nil
		}

		if !shapeMismatch(statusCode, body) {
			break
		}
	}

	return classify(models.ProviderZAPI, instanceID, statusCode, string(body), nil)
}

func (c *zapiClient) fetchMedia(ctx context.Context, ep Endpoint, instanceID, remoteID string) ([]byte, string, error) {
	url := fmt.Sprintf("%s/instances/%s/download-media/%s", ep.BaseURL, instanceID, remoteID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build media request: %w", err)
	}

	req.Header.Set("Client-Token", ep.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", classify(models.ProviderZAPI, instanceID, 0, "", err)
	}

	defer func() { _ = resp.Body.Close() }()

	data, body, err := readMediaResponse(resp)
	if err != nil {
		return nil, "", classify(models.ProviderZAPI, instanceID, resp.StatusCode, body, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", classify(models.ProviderZAPI, instanceID, resp.StatusCode, body, nil)
	}

	return data, resp.Header.Get("Content-Type"), nil
}

func (c *zapiClient) fetchProfile(ctx context.Context, ep Endpoint, instanceID, target string) (*Profile, error) {
	url := fmt.Sprintf("%s/instances/%s/contacts/%s", ep.BaseURL, instanceID, target)

	statusCode, body, err := doJSON(ctx, c.http, http.MethodGet, url, c.headers(ep), nil)
	if err != nil {
		return nil, classify(models.ProviderZAPI, instanceID, 0, "", err)
	}

	if statusCode < 200 || statusCode >= 300 {
		return nil, classify(models.ProviderZAPI, instanceID, statusCode, string(body), nil)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode profile response: %w", err)
	}

	return &Profile{
		Name:      firstString(doc, "name", "pushname", "notifyName"),
		AvatarURL: firstString(doc, "imgUrl", "profilePicUrl", "picture"),
	}, nil
}
