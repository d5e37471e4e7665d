// Package refine asks a language model to fix OCR grammar. Refinement is
// best effort: every failure returns the input text unchanged.
package refine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/page-speaker/internal/observability"
	"github.com/lexiqai/page-speaker/internal/resilience"
)

// Placeholder marks where the text goes in an instruction template.
const Placeholder = "{text}"

var errEmptyResponse = errors.New("model returned an empty response")

// Refiner improves text. It never fails; on error it returns text as given.
type Refiner interface {
	Refine(ctx context.Context, text string) string
}

// Completer sends one prompt to a model and returns the answer.
type Completer interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// Options tune a Service.
type Options struct {
	Instruction string
	Timeout     time.Duration
	Retry       *resilience.RetryConfig
	Breaker     *resilience.CircuitBreaker
}

// Service is the Refiner backed by a Completer.
type Service struct {
	completer   Completer
	instruction string
	timeout     time.Duration
	retry       *resilience.RetryConfig
	breaker     *resilience.CircuitBreaker
	logger      zerolog.Logger
}

// New wraps completer with the prompt template, timeout, retry and breaker.
func New(completer Completer, opts Options, logger zerolog.Logger) *Service {
	if strings.TrimSpace(opts.Instruction) == "" {
		opts.Instruction = defaultInstruction
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(completer.Name(), 5, 30*time.Second)
	}

	return &Service{
		completer:   completer,
		instruction: opts.Instruction,
		timeout:     opts.Timeout,
		retry:       opts.Retry,
		breaker:     opts.Breaker,
		logger:      logger.With().Str("component", "refiner").Str("provider", completer.Name()).Logger(),
	}
}

const defaultInstruction = "Correct and improve the grammar of this text. " +
	"Do not return any information other than the corrected text: " + Placeholder

// Refine returns the model's correction of text, or text itself when the
// model fails, times out, answers empty, or the circuit is open.
func (s *Service) Refine(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	prompt := BuildPrompt(s.instruction, text)
	start := time.Now()

	var out string
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return s.breaker.Call(ctx, func(ctx context.Context) error {
			answer, err := s.completer.Complete(ctx, prompt)
			if err != nil {
				return err
			}
			answer = cleanAnswer(answer)
			if answer == "" {
				return errEmptyResponse
			}
			out = answer
			return nil
		})
	}, s.retry, retryable)

	if err != nil {
		observability.IncrementRefineFailures()
		s.logger.Warn().
			Err(err).
			Dur("elapsed", time.Since(start)).
			Str("breaker", s.breaker.GetState().String()).
			Msg("Refinement failed, using unrefined text")
		return text
	}

	s.logger.Debug().
		Int("input_len", len(text)).
		Int("output_len", len(out)).
		Dur("elapsed", time.Since(start)).
		Msg("Text refined")
	return out
}

// BuildPrompt substitutes text into instruction, or appends it when the
// instruction has no placeholder.
func BuildPrompt(instruction, text string) string {
	if strings.Contains(instruction, Placeholder) {
		return strings.ReplaceAll(instruction, Placeholder, text)
	}
	return strings.TrimRight(instruction, " \n") + "\n\n" + text
}

// cleanAnswer trims whitespace and a surrounding markdown code fence.
func cleanAnswer(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], " \t") {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// Nop is the Refiner used when refinement is disabled.
type Nop struct{}

func (Nop) Refine(_ context.Context, text string) string { return text }

// StatusError is an HTTP status from a provider. 429 and 5xx are retryable.
type StatusError struct {
	Provider string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Code, e.Message)
}

// retryable rejects definite provider answers (4xx, empty output) and
// defers to the network heuristics for everything else.
func retryable(err error) bool {
	if resilience.IsRetryable(err) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) || errors.Is(err, errEmptyResponse) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}

// classify marks provider errors that deserve another attempt.
func classify(provider string, code int, err error) error {
	if code == 429 || code >= 500 {
		return resilience.NewRetryableError(&StatusError{Provider: provider, Code: code, Message: err.Error()})
	}
	if code > 0 {
		return &StatusError{Provider: provider, Code: code, Message: err.Error()}
	}
	return err
}
