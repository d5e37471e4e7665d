package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/page-speaker/internal/auditlog"
	"github.com/lexiqai/page-speaker/internal/config"
	"github.com/lexiqai/page-speaker/internal/observability"
	"github.com/lexiqai/page-speaker/internal/refine"
	"github.com/lexiqai/page-speaker/internal/resilience"
	"github.com/lexiqai/page-speaker/internal/scratch"
	"github.com/lexiqai/page-speaker/internal/scratch/natsstore"
)

func newRetryConfig(cfg *config.Config) *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

func newReconnectConfig(cfg *config.Config) *resilience.ReconnectConfig {
	return &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// newBreaker returns a breaker that reports its state to Prometheus.
func newBreaker(cfg *config.Config, name string) *resilience.CircuitBreaker {
	observability.UpdateCircuitBreakerState(name, int(resilience.StateClosed))
	return resilience.NewCircuitBreaker(
		name,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		resilience.WithStateChange(func(name string, from, to resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(to))
			observability.GetLogger().Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		}),
		resilience.WithFailureHook(observability.IncrementCircuitBreakerFailures),
	)
}

func newScratchBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (scratch.Backend, func(), error) {
	switch cfg.ScratchBackend {
	case config.ScratchBackendNATS:
		var conn *nats.Conn
		err := resilience.Reconnect(ctx, "nats", func(ctx context.Context) error {
			c, err := nats.Connect(cfg.NATSURL,
				nats.Name("page-speaker"),
				nats.MaxReconnects(-1),
				nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
					logger.Warn().Err(err).Msg("NATS disconnected")
				}),
				nats.ReconnectHandler(func(c *nats.Conn) {
					logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
				}),
			)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, newReconnectConfig(cfg))
		if err != nil {
			return nil, nil, err
		}

		backend, err := natsstore.New(conn, cfg.NATSScratchBucket)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		logger.Info().Str("bucket", cfg.NATSScratchBucket).Msg("Scratch storage on NATS object store")
		return backend, func() {
			if err := conn.Drain(); err != nil {
				logger.Warn().Err(err).Msg("Failed to drain NATS connection")
			}
		}, nil

	default:
		backend, err := scratch.NewFSBackend(cfg.ScratchDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("dir", backend.Dir()).Msg("Scratch storage on local filesystem")
		return backend, func() {}, nil
	}
}

func newRefiner(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (refine.Refiner, func(), error) {
	opts := refine.Options{
		Instruction: cfg.Phrases.RefineInstruction,
		Timeout:     time.Duration(cfg.RefineTimeout) * time.Second,
		Retry:       newRetryConfig(cfg),
	}

	switch cfg.RefinerProvider {
	case config.RefinerGemini:
		g, err := refine.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, err
		}
		opts.Breaker = newBreaker(cfg, g.Name())
		return refine.New(g, opts, logger), func() {
			if err := g.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close Gemini client")
			}
		}, nil

	case config.RefinerOpenAI:
		o, err := refine.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, "")
		if err != nil {
			return nil, nil, err
		}
		opts.Breaker = newBreaker(cfg, o.Name())
		return refine.New(o, opts, logger), func() {}, nil

	default:
		logger.Info().Msg("Grammar refinement disabled")
		return refine.Nop{}, func() {}, nil
	}
}

// newAuditSink opens Postgres when DATABASE_URL is set and falls back to the
// log. ping is nil for the log sink.
func newAuditSink(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (auditlog.Sink, func(context.Context) error, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info().Msg("Audit log written to service log")
		return auditlog.NewLogSink(logger), nil, func() {}, nil
	}

	var db *sql.DB
	err := resilience.Reconnect(ctx, "postgres", func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		d, err := auditlog.Open(attemptCtx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		db = d
		return nil
	}, newReconnectConfig(cfg))
	if err != nil {
		return nil, nil, nil, err
	}

	sink := auditlog.NewPostgresSink(db)
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sink.EnsureSchema(schemaCtx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to prepare audit schema: %w", err)
	}

	logger.Info().Msg("Audit log written to Postgres")
	return sink, sink.Ping, func() {
		if err := db.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close audit database")
		}
	}, nil
}
