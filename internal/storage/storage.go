// Package storage holds the evidence-image store behind one interface, with
// an S3-compatible backend and a local-directory backend for development.
package storage

import (
	"context"
	"fmt"
	"time"
)

type Health struct {
	Type   string `json:"storage_type"`
	Status string `json:"status"`
	Bucket string `json:"bucket,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Store is the evidence-upload capability consumed by the event pipeline.
type Store interface {
	// Save persists an image and returns its store-relative path plus a URL
	// suitable for embedding in a persisted event.
	Save(ctx context.Context, data []byte, name, platePrefix string) (relativePath, publicURL string, err error)
	// URL returns a time-limited access URL for a previously saved image.
	URL(ctx context.Context, relativePath string, expiresIn time.Duration) (string, error)
	// Delete removes an image, reporting whether it existed.
	Delete(ctx context.Context, relativePath string) (bool, error)
	HealthCheck(ctx context.Context) Health
}

// objectFileName builds the date-partitioned relative path for an evidence
// image: <YYYY-MM-DD>/<plate>_<HHMMSS_micro>_<name>.
func objectFileName(platePrefix, name string, now time.Time) string {
	now = now.UTC()
	stamp := fmt.Sprintf("%s_%06d", now.Format("150405"), now.Nanosecond()/1000)
	return fmt.Sprintf("%s/%s_%s_%s", now.Format("2006-01-02"), platePrefix, stamp, name)
}
