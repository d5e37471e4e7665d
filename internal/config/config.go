package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Scratch backends
const (
	ScratchBackendFS   = "fs"
	ScratchBackendNATS = "nats"
)

// Refiner providers
const (
	RefinerGemini = "gemini"
	RefinerOpenAI = "openai"
	RefinerNone   = "none"
)

// Config holds all configuration for the page-speaker service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	MaxUploadMB    int    `envconfig:"MAX_UPLOAD_MB" default:"20"`     // Largest accepted upload
	RequestTimeout int    `envconfig:"REQUEST_TIMEOUT" default:"120"` // seconds, whole conversion

	// Scratch storage
	ScratchBackend       string `envconfig:"SCRATCH_BACKEND" default:"fs"` // fs or nats
	ScratchDir           string `envconfig:"SCRATCH_DIR" default:"./scratch"`
	ScratchMaxAge        int    `envconfig:"SCRATCH_MAX_AGE" default:"600"`       // seconds before an entry may be reclaimed
	ScratchSweepInterval int    `envconfig:"SCRATCH_SWEEP_INTERVAL" default:"60"` // seconds between janitor sweeps
	NATSURL              string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	NATSScratchBucket    string `envconfig:"NATS_SCRATCH_BUCKET" default:"PAGE_SPEAKER_SCRATCH"`

	// OCR
	OCRLanguages []string `envconfig:"OCR_LANGUAGES" default:"eng"` // comma separated tesseract language codes

	// Extraction validator thresholds
	ValidatorMinLength     int     `envconfig:"VALIDATOR_MIN_LENGTH" default:"10"`
	ValidatorMinWords      int     `envconfig:"VALIDATOR_MIN_WORDS" default:"2"`
	ValidatorMinAlnumRatio float64 `envconfig:"VALIDATOR_MIN_ALNUM_RATIO" default:"0.5"`
	ValidatorMaxNoiseRatio float64 `envconfig:"VALIDATOR_MAX_NOISE_RATIO" default:"0.3"`

	// Grammar refinement
	RefinerProvider string `envconfig:"REFINER_PROVIDER" default:"gemini"` // gemini, openai or none
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel     string `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash-8b"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIModel     string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	RefineTimeout   int    `envconfig:"REFINE_TIMEOUT" default:"20"` // seconds

	// Azure speech synthesis
	AzureSpeechKey      string `envconfig:"AZURE_SPEECH_KEY" required:"true"`
	AzureSpeechRegion   string `envconfig:"AZURE_SPEECH_REGION" default:""`
	AzureSpeechEndpoint string `envconfig:"AZURE_SPEECH_ENDPOINT" default:""` // overrides the region derived URL
	SpeechVoice         string `envconfig:"SPEECH_VOICE" default:"en-US-JennyNeural"`
	SpeechLocale        string `envconfig:"SPEECH_LOCALE" default:"en-US"`
	SpeechOutputFormat  string `envconfig:"SPEECH_OUTPUT_FORMAT" default:"audio-24khz-48kbitrate-mono-mp3"`
	SynthTimeout        int    `envconfig:"SYNTH_TIMEOUT" default:"30"` // seconds

	// Audit log
	DatabaseURL     string `envconfig:"DATABASE_URL" default:""`      // empty keeps the audit trail in the service log
	AuditQueryToken string `envconfig:"AUDIT_QUERY_TOKEN" default:""` // enables GET /v1/conversions

	// Telegram front end
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN" default:""`

	// Tunable phrases and prompt
	PhrasesFile string `envconfig:"PHRASES_FILE" default:""`
	Phrases     Phrases `ignored:"true"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"200"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Startup connection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Milliseconds between startup attempts

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	phrases, err := LoadPhrases(cfg.PhrasesFile)
	if err != nil {
		return nil, err
	}
	cfg.Phrases = phrases

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	var errs []error

	if c.AzureSpeechKey == "" {
		errs = append(errs, errors.New("AZURE_SPEECH_KEY is required"))
	}
	if c.AzureSpeechRegion == "" && c.AzureSpeechEndpoint == "" {
		errs = append(errs, errors.New("AZURE_SPEECH_REGION or AZURE_SPEECH_ENDPOINT is required"))
	}

	switch c.ScratchBackend {
	case ScratchBackendFS:
		if strings.TrimSpace(c.ScratchDir) == "" {
			errs = append(errs, errors.New("SCRATCH_DIR is required for the fs backend"))
		}
	case ScratchBackendNATS:
		if strings.TrimSpace(c.NATSURL) == "" {
			errs = append(errs, errors.New("NATS_URL is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SCRATCH_BACKEND %q", c.ScratchBackend))
	}

	switch c.RefinerProvider {
	case RefinerGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when REFINER_PROVIDER=gemini"))
		}
	case RefinerOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when REFINER_PROVIDER=openai"))
		}
	case RefinerNone:
	default:
		errs = append(errs, fmt.Errorf("unknown REFINER_PROVIDER %q", c.RefinerProvider))
	}

	if c.ScratchMaxAge <= 0 {
		errs = append(errs, errors.New("SCRATCH_MAX_AGE must be positive"))
	}
	if c.ScratchSweepInterval <= 0 {
		errs = append(errs, errors.New("SCRATCH_SWEEP_INTERVAL must be positive"))
	}
	if c.ValidatorMinAlnumRatio < 0 || c.ValidatorMinAlnumRatio > 1 {
		errs = append(errs, errors.New("VALIDATOR_MIN_ALNUM_RATIO must be within [0, 1]"))
	}
	if c.ValidatorMaxNoiseRatio < 0 || c.ValidatorMaxNoiseRatio > 1 {
		errs = append(errs, errors.New("VALIDATOR_MAX_NOISE_RATIO must be within [0, 1]"))
	}
	if len(c.OCRLanguages) == 0 {
		errs = append(errs, errors.New("OCR_LANGUAGES must name at least one language"))
	}

	return errors.Join(errs...)
}

// ScratchMaxAgeDuration returns the scratch retention window
func (c *Config) ScratchMaxAgeDuration() time.Duration {
	return time.Duration(c.ScratchMaxAge) * time.Second
}

// ScratchSweepIntervalDuration returns the janitor period
func (c *Config) ScratchSweepIntervalDuration() time.Duration {
	return time.Duration(c.ScratchSweepInterval) * time.Second
}

// FallbackPhrase returns the "no text found" phrase for the configured speech locale
func (c *Config) FallbackPhrase() string {
	return c.Phrases.FallbackFor(c.SpeechLocale)
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
