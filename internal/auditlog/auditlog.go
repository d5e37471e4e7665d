// Package auditlog records every finished conversion.
package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrQueryUnsupported is returned by sinks that cannot list past entries.
var ErrQueryUnsupported = errors.New("audit sink does not support queries")

// Entry is one conversion as appended by the pipeline.
type Entry struct {
	ClientID string
	Image    []byte
	Text     string
	Branch   string
}

// Record is a stored entry without the image bytes.
type Record struct {
	ID          int64     `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	ClientID    string    `json:"client_id"`
	ImageSHA256 string    `json:"image_sha256"`
	ImageBytes  int       `json:"image_bytes"`
	Text        string    `json:"text"`
	Branch      string    `json:"branch"`
}

// Sink appends entries and optionally lists recent ones.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// HashImage returns the hex SHA-256 of data.
func HashImage(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ClampLimit bounds a listing size to [1, 500], defaulting to 50.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}
