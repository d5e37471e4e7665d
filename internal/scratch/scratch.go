// Package scratch manages short-lived files for conversions: uniquely named
// reservations, reads and writes, and age-based reclamation.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Category groups scratch entries so each can be listed on its own.
type Category string

const (
	CategoryImage Category = "image"
	CategoryAudio Category = "audio"
)

// Categories lists every category the janitor scans.
var Categories = []Category{CategoryImage, CategoryAudio}

var (
	// ErrExists is returned by Backend.Create when the name is already taken.
	ErrExists = errors.New("scratch entry already exists")
	// ErrNotFound is returned when the entry does not exist.
	ErrNotFound = errors.New("scratch entry not found")
	// ErrInvalidPath is returned for unknown categories or names with separators.
	ErrInvalidPath = errors.New("invalid scratch path")
)

// Path identifies one scratch entry.
type Path struct {
	Category  Category
	Name      string
	CreatedAt time.Time
}

// Key is the backend independent identifier, "category/name".
func (p Path) Key() string {
	return string(p.Category) + "/" + p.Name
}

func (p Path) String() string {
	return p.Key()
}

// Validate rejects categories outside Categories and names that could escape
// their category.
func (p Path) Validate() error {
	known := false
	for _, c := range Categories {
		if p.Category == c {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidPath, p.Category)
	}
	if p.Name == "" || p.Name == "." || p.Name == ".." ||
		strings.ContainsAny(p.Name, `/\`) || filepath.Base(p.Name) != p.Name {
		return fmt.Errorf("%w: bad name %q", ErrInvalidPath, p.Name)
	}
	return nil
}

// Backend stores scratch entries. Implementations must be safe for
// concurrent use and derive CreatedAt from their own metadata.
type Backend interface {
	// Create reserves p exclusively and returns it with CreatedAt set.
	Create(ctx context.Context, p Path) (Path, error)
	Write(ctx context.Context, p Path, data []byte) error
	Read(ctx context.Context, p Path) ([]byte, error)
	Remove(ctx context.Context, p Path) error
	List(ctx context.Context, category Category) ([]Path, error)
	Ping(ctx context.Context) error
}

// Expired returns the entries strictly older than maxAge at now.
func Expired(now time.Time, entries []Path, maxAge time.Duration) []Path {
	var out []Path
	for _, e := range entries {
		if now.Sub(e.CreatedAt) > maxAge {
			out = append(out, e)
		}
	}
	return out
}
