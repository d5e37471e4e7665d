package tts

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/page-speaker/internal/observability"
	"github.com/lexiqai/page-speaker/internal/resilience"
)

const (
	userAgent     = "page-speaker"
	maxAudioBytes = 50 << 20
	maxErrorBody  = 512
)

// AzureConfig configures the Azure Speech REST client.
type AzureConfig struct {
	Key          string
	Region       string
	Endpoint     string // overrides the region endpoint when set
	Voice        string
	Locale       string
	OutputFormat string
	Timeout      time.Duration
	Retry        *resilience.RetryConfig
	Breaker      *resilience.CircuitBreaker
}

// AzureClient implements Synthesizer using the Azure Speech text-to-speech
// REST API.
type AzureClient struct {
	cfg        AzureConfig
	endpoint   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewAzureClient creates a new Azure Speech client
func NewAzureClient(cfg AzureConfig, logger zerolog.Logger) (*AzureClient, error) {
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, errors.New("azure speech key is empty")
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		if strings.TrimSpace(cfg.Region) == "" {
			return nil, errors.New("azure speech region or endpoint is required")
		}
		endpoint = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", strings.TrimSpace(cfg.Region))
	}

	if cfg.Voice == "" {
		cfg.Voice = "en-US-JennyNeural"
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "audio-24khz-48kbitrate-mono-mp3"
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("azure-speech", 5, 30*time.Second)
	}

	return &AzureClient{
		cfg:        cfg,
		endpoint:   endpoint,
		httpClient: &http.Client{},
		logger:     logger.With().Str("component", "synthesizer").Str("voice", cfg.Voice).Logger(),
	}, nil
}

// Endpoint returns the URL requests are sent to.
func (c *AzureClient) Endpoint() string {
	return c.endpoint
}

// ContentType is the MIME type of the configured output format.
func (c *AzureClient) ContentType() string {
	return ContentTypeFor(c.cfg.OutputFormat)
}

// Synthesize converts text to audio. Throttling, server errors and network
// failures are retried; anything left over becomes a Canceled outcome.
func (c *AzureClient) Synthesize(ctx context.Context, text string) Outcome {
	if strings.TrimSpace(text) == "" {
		return Outcome{Status: StatusCanceled, Reason: "empty text"}
	}

	ssml, err := BuildSSML(c.cfg.Locale, c.cfg.Voice, text)
	if err != nil {
		return Outcome{Status: StatusCanceled, Reason: err.Error()}
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	var audio []byte
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		return c.cfg.Breaker.Call(ctx, func(ctx context.Context) error {
			data, err := c.post(ctx, ssml)
			if err != nil {
				return err
			}
			audio = data
			return nil
		})
	}, c.cfg.Retry, isRetryable)

	if err == nil && len(audio) == 0 {
		err = errors.New("service returned no audio")
	}
	if err != nil {
		observability.IncrementSynthesisCanceled()
		c.logger.Error().
			Err(err).
			Dur("elapsed", time.Since(start)).
			Msg("Speech synthesis canceled")
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return Outcome{Status: StatusCanceled, Reason: err.Error(), Cause: err}
	}

	c.logger.Debug().
		Int("chars", len([]rune(text))).
		Int("bytes", len(audio)).
		Dur("elapsed", time.Since(start)).
		Msg("Speech synthesized")

	return Outcome{
		Status:      StatusCompleted,
		Audio:       audio,
		ContentType: c.ContentType(),
	}
}

func (c *AzureClient) post(ctx context.Context, ssml string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBufferString(ssml))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", c.cfg.OutputFormat)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.Key)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(statusErr)
		}
		return nil, statusErr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	return data, nil
}

// StatusError is a non-200 answer from the speech service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("speech service returned status %d", e.Code)
	}
	return fmt.Sprintf("speech service returned status %d: %s", e.Code, e.Body)
}

func isRetryable(err error) bool {
	if resilience.IsRetryable(err) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}

// BuildSSML wraps text in a speak/voice document, escaping markup.
func BuildSSML(locale, voice, text string) (string, error) {
	parts := make([]string, 3)
	for i, v := range []string{locale, voice, text} {
		var buf bytes.Buffer
		if err := xml.EscapeText(&buf, []byte(v)); err != nil {
			return "", fmt.Errorf("escape ssml: %w", err)
		}
		parts[i] = buf.String()
	}

	return fmt.Sprintf(
		"<speak version='1.0' xml:lang='%s'><voice xml:lang='%s' name='%s'>%s</voice></speak>",
		parts[0], parts[0], parts[1], parts[2],
	), nil
}

// ContentTypeFor maps an Azure output format name to a MIME type.
func ContentTypeFor(format string) string {
	f := strings.ToLower(format)
	switch {
	case strings.HasSuffix(f, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(f, "ogg"):
		return "audio/ogg"
	case strings.HasPrefix(f, "webm"):
		return "audio/webm"
	case strings.HasPrefix(f, "riff"):
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// ExtensionFor maps an Azure output format name to a file extension.
func ExtensionFor(format string) string {
	switch ContentTypeFor(format) {
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	case "audio/wav":
		return ".wav"
	default:
		return ".bin"
	}
}
