package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zapflow/zapflow/pkg/models"
)

// evolutionClient speaks the Evolution-API style wire protocol: verb-first
// paths with the instance name as the last segment, apikey header, and a
// nested body in newer deployments.
type evolutionClient struct {
	http *http.Client
}

func newEvolutionClient(httpClient *http.Client) *evolutionClient {
	return &evolutionClient{http: httpClient}
}

func (c *evolutionClient) headers(ep Endpoint) map[string]string {
	return map[string]string{"apikey": ep.Token}
}

func (c *evolutionClient) sendShapes(target string, payload Payload) []map[string]any {
	if payload.Kind == models.MessageKindImage {
		return []map[string]any{
			{"number": target, "mediaMessage": map[string]any{"mediatype": "image", "media": payload.MediaURL, "caption": payload.Caption}},
			{"number": target, "media": payload.MediaURL, "caption": payload.Caption},
		}
	}

	return []map[string]any{
		{"number": target, "text": payload.Text},
		{"number": target, "textMessage": map[string]any{"text": payload.Text}},
		{"phone": target, "message": payload.Text},
	}
}

func (c *evolutionClient) sendPath(payload Payload) string {
	if payload.Kind == models.MessageKindImage {
		return "/message/sendMedia/"
	}

	return "/message/sendText/"
}

func (c *evolutionClient) send(ctx context.Context, ep Endpoint, instanceID, target string, payload Payload) (string, error) {
	url := ep.BaseURL + c.sendPath(payload) + instanceID

	var (
		statusCode int
		body       []byte
		err        error
	)

	for _, shape := range c.sendShapes(target, payload) {
		statusCode, body, err = doJSON(ctx, c.http, http.MethodPost, url, c.headers(ep), shape)
		if err != nil {
			return "", classify(models.ProviderEvolution, instanceID, 0, "", err)
		}

		if statusCode >= 200 && statusCode < 300 {
			return c.extractMessageID(body), nil
		}

		if !shapeMismatch(statusCode, body) {
			break
		}
	}

	return "", classify(models.ProviderEvolution, instanceID, statusCode, string(body), nil)
}

func (c *evolutionClient) extractMessageID(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}

	// Newer deployments nest the id under key.id.
	if key, ok := doc["key"].(map[string]any); ok {
		if id, ok := key["id"].(string); ok && id != "" {
			return id
		}
	}

	return firstString(doc, "id", "messageId")
}

func (c *evolutionClient) markRead(ctx context.Context, ep Endpoint, instanceID, target string) error {
	url := ep.BaseURL + "/chat/markMessageAsRead/" + instanceID

	shapes := []map[string]any{
		{"readMessages": []map[string]any{{"remoteJid": target, "fromMe": false}}},
		{"number": target},
		{"phone": target},
	}

	var (
		statusCode int
		body       []byte
		err        error
	)

	for _, shape := range shapes {
		statusCode, body, err = doJSON(ctx, c.http, http.MethodPost, url, c.headers(ep), shape)
		if err != nil {
			return classify(models.ProviderEvolution, instanceID, 0, "", err)
		}

		if statusCode >= 200 && statusCode < 300 {
			return nil
		}

		if !shapeMismatch(statusCode, body) {
			break
		}
	}

	return classify(models.ProviderEvolution, instanceID, statusCode, string(body), nil)
}

func (c *evolutionClient) fetchMedia(ctx context.Context, ep Endpoint, instanceID, remoteID string) ([]byte, string, error) {
	url := ep.BaseURL + "/chat/getBase64FromMediaMessage/" + instanceID

	statusCode, body, err := doJSON(ctx, c.http, http.MethodPost, url, c.headers(ep),
		map[string]any{"message": map[string]any{"key": map[string]any{"id": remoteID}}})
	if err != nil {
		return nil, "", classify(models.ProviderEvolution, instanceID, 0, "", err)
	}

	if statusCode < 200 || statusCode >= 300 {
		return nil, "", classify(models.ProviderEvolution, instanceID, statusCode, string(body), nil)
	}

	var doc struct {
		Base64   string `json:"base64"`
		Mimetype string `json:"mimetype"`
	}

	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, "", fmt.Errorf("failed to decode media response: %w", err)
	}

	data, err := decodeBase64(doc.Base64)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode media payload: %w", err)
	}

	return data, doc.Mimetype, nil
}

func (c *evolutionClient) fetchProfile(ctx context.Context, ep Endpoint, instanceID, target string) (*Profile, error) {
	url := ep.BaseURL + "/chat/fetchProfile/" + instanceID

	statusCode, body, err := doJSON(ctx, c.http, http.MethodPost, url, c.headers(ep),
		map[string]any{"number": target})
	if err != nil {
		return nil, classify(models.ProviderEvolution, instanceID, 0, "", err)
	}

	if statusCode < 200 || statusCode >= 300 {
		return nil, classify(models.ProviderEvolution, instanceID, statusCode, string(body), nil)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode profile response: %w", err)
	}

	return &Profile{
		Name:      firstString(doc, "name", "pushName", "wuid"),
		AvatarURL: firstString(doc, "picture", "profilePictureUrl"),
	}, nil
}
