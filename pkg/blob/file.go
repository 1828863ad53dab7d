package blob

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// FileStore writes blobs under a base directory and serves them from a
// public base URL. Keys are sharded by their first two characters to keep
// directory fan-out bounded.
type FileStore struct {
	dir     string
	baseURL string
}

func NewFileStore(dir, baseURL string) (*FileStore, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	return &FileStore{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (s *FileStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	name := key + extensionFor(contentType)

	shard := "00"
	if len(name) >= 2 {
		shard = name[:2]
	}

	dir := filepath.Join(s.dir, shard)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return "", fmt.Errorf("failed to create blob shard directory: %w", err)
	}

	path := filepath.Join(dir, name)

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", key, err)
	}

	return s.baseURL + "/" + shard + "/" + name, nil
}

func extensionFor(contentType string) string {
	// mime.ExtensionsByType returns multiple candidates in no useful order;
	// pin the common media types.
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "application/pdf":
		return ".pdf"
	}

	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}

	return exts[0]
}
