package auditlog

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes entries to the structured log when no database is set.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e Entry) error {
	s.logger.Info().
		Str("client_id", e.ClientID).
		Str("image_sha256", HashImage(e.Image)).
		Int("image_bytes", len(e.Image)).
		Str("branch", e.Branch).
		Int("text_len", len(e.Text)).
		Msg("Conversion recorded")
	return nil
}

func (s *LogSink) Recent(context.Context, int) ([]Record, error) {
	return nil, ErrQueryUnsupported
}
