package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/page-speaker/internal/config"
	"github.com/lexiqai/page-speaker/internal/httpapi"
	"github.com/lexiqai/page-speaker/internal/imaging"
	"github.com/lexiqai/page-speaker/internal/observability"
	"github.com/lexiqai/page-speaker/internal/ocr/tesseract"
	"github.com/lexiqai/page-speaker/internal/pipeline"
	"github.com/lexiqai/page-speaker/internal/resilience"
	"github.com/lexiqai/page-speaker/internal/scratch"
	"github.com/lexiqai/page-speaker/internal/telegram"
	"github.com/lexiqai/page-speaker/internal/tts"
	"github.com/lexiqai/page-speaker/internal/validate"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("scratch_backend", cfg.ScratchBackend).
		Str("refiner", cfg.RefinerProvider).
		Str("voice", cfg.SpeechVoice).
		Str("tesseract", tesseract.Version()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Page Speaker Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scratch storage and its janitor
	backend, closeScratch, err := newScratchBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open scratch storage")
	}
	defer closeScratch()

	store := scratch.NewManager(backend, logger)
	janitor := scratch.NewJanitor(store, cfg.ScratchMaxAgeDuration(), cfg.ScratchSweepIntervalDuration(), logger)

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		janitor.Run(ctx)
	}()

	// Conversion collaborators
	refiner, closeRefiner, err := newRefiner(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create refiner")
	}
	defer closeRefiner()

	synthBreaker := newBreaker(cfg, "azure-speech")
	synth, err := tts.NewAzureClient(tts.AzureConfig{
		Key:          cfg.AzureSpeechKey,
		Region:       cfg.AzureSpeechRegion,
		Endpoint:     cfg.AzureSpeechEndpoint,
		Voice:        cfg.SpeechVoice,
		Locale:       cfg.SpeechLocale,
		OutputFormat: cfg.SpeechOutputFormat,
		Timeout:      time.Duration(cfg.SynthTimeout) * time.Second,
		Retry:        newRetryConfig(cfg),
		Breaker:      synthBreaker,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create speech synthesizer")
	}

	audit, pingAudit, closeAudit, err := newAuditSink(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open audit log")
	}
	defer closeAudit()

	conv, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Normalize: imaging.Normalize,
		Extractor: tesseract.New(cfg.OCRLanguages...),
		Validator: validate.New(validate.Thresholds{
			MinLength:         cfg.ValidatorMinLength,
			MinWords:          cfg.ValidatorMinWords,
			MinAlnumWordRatio: cfg.ValidatorMinAlnumRatio,
			MaxNoiseRatio:     cfg.ValidatorMaxNoiseRatio,
		}),
		Refiner:        refiner,
		Synthesizer:    synth,
		Audit:          audit,
		FallbackPhrase: cfg.FallbackPhrase(),
		AudioExt:       tts.ExtensionFor(cfg.SpeechOutputFormat),
		ContentType:    synth.ContentType(),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to assemble pipeline")
	}

	requestTimeout := time.Duration(cfg.RequestTimeout) * time.Second
	maxUpload := int64(cfg.MaxUploadMB) << 20

	// Create HTTP server
	mux := http.NewServeMux()

	httpapi.NewHandler(conv, store, audit, httpapi.Options{
		MaxUploadBytes: maxUpload,
		RequestTimeout: requestTimeout,
		AuditToken:     cfg.AuditQueryToken,
	}, logger).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	checks := map[string]observability.HealthCheckFunc{
		"scratch": func(ctx context.Context) (bool, error) {
			if err := store.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"synthesizer": func(ctx context.Context) (bool, error) {
			// No API call here to avoid billing; an open breaker means the service is down
			if synthBreaker.GetState() == resilience.StateOpen {
				return false, errors.New("circuit breaker open")
			}
			return true, nil
		},
	}
	if pingAudit != nil {
		checks["audit_db"] = func(ctx context.Context) (bool, error) {
			if err := pingAudit(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts; writes cover the whole conversion
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      requestTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Telegram front end
	if cfg.TelegramBotToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect Telegram bot")
		}
		logger.Info().Str("bot", bot.Self.UserName).Msg("Telegram bot enabled")

		tg := telegram.New(bot, conv, store, telegram.Options{
			MaxImageBytes:  maxUpload,
			RequestTimeout: requestTimeout,
		}, logger)
		background.Add(1)
		go func() {
			defer background.Done()
			tg.Run(ctx)
		}()
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/v1/image-to-audio", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	background.Wait()

	logger.Info().Msg("Server exited gracefully")
}
