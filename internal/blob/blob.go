// Package blob stores task photos. The sync core only sees opaque URLs.
package blob

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"cleaning-sync-backend/config"
)

// Store persists and reads back binary objects.
type Store interface {
	// Put stores data and returns the URL it can be read back from.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	// Get returns the object behind url, or nil when it does not exist.
	Get(ctx context.Context, url string) ([]byte, error)
}

// New builds the configured blob store.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, &cfg.S3)
	case "disk":
		return NewDiskStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
	}
}

// objectKey builds a date-partitioned, collision-free key for a new object.
func objectKey(now time.Time, contentType string) string {
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	if strings.HasPrefix(contentType, "image/jpeg") {
		ext = ".jpg"
	}
	return fmt.Sprintf("photos/%s/%s%s", now.UTC().Format("2006/01/02"), uuid.NewString(), ext)
}
