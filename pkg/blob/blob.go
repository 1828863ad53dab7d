// Package blob provides durable storage for mirrored media. Provider media
// URLs expire; fetched bytes are persisted once and referenced through a
// stable URL afterwards.
package blob

import "context"

// Store persists binary payloads under a key and returns a stable URL.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}
