package scratch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/page-speaker/internal/observability"
)

// Janitor periodically reclaims aged scratch entries.
type Janitor struct {
	manager  *Manager
	maxAge   time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

// NewJanitor creates a janitor that sweeps every interval.
func NewJanitor(manager *Manager, maxAge, interval time.Duration, logger zerolog.Logger) *Janitor {
	return &Janitor{
		manager:  manager,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger.With().Str("component", "janitor").Logger(),
	}
}

// Sweep runs one reclamation pass and records it.
func (j *Janitor) Sweep(ctx context.Context) Report {
	report := j.manager.ReclaimAged(ctx, j.maxAge)

	for category, cr := range report.Categories {
		failed := cr.Failed
		if cr.ListErr != nil {
			failed++
		}
		observability.RecordScratchReclaim(string(category), cr.Deleted, failed)
	}

	if report.Deleted() > 0 || report.Failed() > 0 {
		j.logger.Info().
			Int("deleted", report.Deleted()).
			Int("failed", report.Failed()).
			Msg("Scratch sweep finished")
	}
	return report
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info().
		Dur("max_age", j.maxAge).
		Dur("interval", j.interval).
		Msg("Scratch janitor started")

	j.Sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("Scratch janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}
