package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const diskScheme = "file://"

// DiskStore keeps photos on the local filesystem. It is meant for development
// and single-node deployments.
type DiskStore struct {
	root string
}

// NewDiskStore creates a disk store rooted at dir.
func NewDiskStore(dir string) (*DiskStore, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir %q: %w", root, err)
	}
	return &DiskStore{root: root}, nil
}

// Put writes data under a fresh key and returns a file:// URL.
func (d *DiskStore) Put(_ context.Context, data []byte, contentType string) (string, error) {
	key := objectKey(time.Now(), contentType)
	path := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return diskScheme + key, nil
}

// Get reads the blob behind url. Unknown or foreign URLs yield nil, nil.
func (d *DiskStore) Get(_ context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, diskScheme) {
		return nil, nil
	}
	key := strings.TrimPrefix(url, diskScheme)
	path := filepath.Join(d.root, filepath.FromSlash(key))
	if rel, err := filepath.Rel(d.root, path); err != nil || strings.HasPrefix(rel, "..") {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}
