package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBody = 10 * 1024 * 1024

// doJSON performs one JSON request and returns the status code and raw
// response body. Transport-level failures return a non-nil error with a
// zero status.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body any) (int, []byte, error) {
	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}

		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, data, nil
}

// shapeMismatch reports whether the response looks like a payload-shape
// rejection rather than a semantic failure. Providers drifted across
// deployments; the same logical call may need one of several body shapes.
func shapeMismatch(statusCode int, body []byte) bool {
	if statusCode != http.StatusBadRequest && statusCode != http.StatusUnprocessableEntity && statusCode != http.StatusNotFound {
		return false
	}

	// Disconnection markers are never a shape problem.
	return !matchesDisconnection(string(body))
}

// readMediaResponse drains a media download. On non-2xx the body is
// returned as text for classification.
func readMediaResponse(resp *http.Response) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, string(data), nil
	}

	return data, "", nil
}

func decodeBase64(payload string) ([]byte, error) {
	// Providers sometimes prefix a data URL.
	if idx := strings.Index(payload, ","); idx != -1 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+1:]
	}

	return base64.StdEncoding.DecodeString(payload)
}

// firstString returns the first non-empty string found under any of the
// keys, searching one level of nesting.
func firstString(doc map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := doc[key].(string); ok && v != "" {
			return v
		}
	}

	for _, nested := range doc {
		if m, ok := nested.(map[string]any); ok {
			for _, key := range keys {
				if v, ok := m[key].(string); ok && v != "" {
					return v
				}
			}
		}
	}

	return ""
}
