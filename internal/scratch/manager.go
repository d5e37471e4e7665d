package scratch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxAllocateAttempts = 5

// Manager hands out unique scratch paths and reclaims aged ones.
type Manager struct {
	backend Backend
	logger  zerolog.Logger
	newName func() string
	now     func() time.Time
}

// NewManager wraps a backend.
func NewManager(backend Backend, logger zerolog.Logger) *Manager {
	return &Manager{
		backend: backend,
		logger:  logger.With().Str("component", "scratch").Logger(),
		newName: func() string { return uuid.NewString() },
		now:     time.Now,
	}
}

// Allocate reserves a fresh entry in category. ext is appended to the
// generated name, with or without its leading dot.
func (m *Manager) Allocate(ctx context.Context, category Category, ext string) (Path, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	var lastErr error
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Path{}, err
		}

		p, err := m.backend.Create(ctx, Path{Category: category, Name: m.newName() + ext})
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrExists) {
			return Path{}, fmt.Errorf("failed to allocate scratch %s entry: %w", category, err)
		}

		lastErr = err
		m.logger.Warn().Str("category", string(category)).Msg("Scratch name collision, retrying")
	}

	return Path{}, fmt.Errorf("failed to allocate scratch %s entry after %d attempts: %w",
		category, maxAllocateAttempts, lastErr)
}

// Write stores data at an allocated path.
func (m *Manager) Write(ctx context.Context, p Path, data []byte) error {
	return m.backend.Write(ctx, p, data)
}

// Read returns the content at p.
func (m *Manager) Read(ctx context.Context, p Path) ([]byte, error) {
	return m.backend.Read(ctx, p)
}

// Remove deletes p. A missing entry is not an error; the janitor may have
// reclaimed it already.
func (m *Manager) Remove(ctx context.Context, p Path) error {
	if err := m.backend.Remove(ctx, p); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Ping reports whether the backend is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.backend.Ping(ctx)
}

// CategoryReport counts the outcome of one category in a sweep.
type CategoryReport struct {
	Scanned int
	Deleted int
	Failed  int
	ListErr error
}

// Report is the outcome of one ReclaimAged sweep.
type Report struct {
	Categories map[Category]CategoryReport
}

// Deleted totals deleted entries across categories.
func (r Report) Deleted() int {
	n := 0
	for _, c := range r.Categories {
		n += c.Deleted
	}
	return n
}

// Failed totals entries that could not be deleted, plus failed listings.
func (r Report) Failed() int {
	n := 0
	for _, c := range r.Categories {
		n += c.Failed
		if c.ListErr != nil {
			n++
		}
	}
	return n
}

// ReclaimAged deletes every entry strictly older than maxAge. Listing and
// deletion failures are logged and skipped.
func (m *Manager) ReclaimAged(ctx context.Context, maxAge time.Duration) Report {
	report := Report{Categories: make(map[Category]CategoryReport, len(Categories))}

	for _, category := range Categories {
		var cr CategoryReport

		entries, err := m.backend.List(ctx, category)
		if err != nil {
			cr.ListErr = err
			report.Categories[category] = cr
			m.logger.Error().Err(err).Str("category", string(category)).Msg("Failed to list scratch entries")
			continue
		}
		cr.Scanned = len(entries)

		for _, p := range Expired(m.now(), entries, maxAge) {
			if ctx.Err() != nil {
				break
			}
			if err := m.backend.Remove(ctx, p); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				cr.Failed++
				m.logger.Warn().Err(err).Str("entry", p.Key()).Msg("Failed to reclaim scratch entry")
				continue
			}
			cr.Deleted++
			m.logger.Debug().
				Str("entry", p.Key()).
				Dur("age", m.now().Sub(p.CreatedAt)).
				Msg("Reclaimed scratch entry")
		}

		report.Categories[category] = cr
	}

	return report
}
