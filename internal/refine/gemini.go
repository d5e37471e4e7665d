package refine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Gemini completes prompts with a Google Gemini model.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGemini opens a client. Close releases it.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{client: cl, model: strings.TrimSpace(model), temperature: 0.2}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Model returns the configured model name.
func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	m := g.client.GenerativeModel(g.model)
	if m == nil {
		return "", fmt.Errorf("gemini: model is nil")
	}
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(g.temperature),
	}

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
			return "", classifyRPC(g.Name(), st.Code(), err)
		}
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return firstText(resp), nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		var sb strings.Builder
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}
	return ""
}

// classifyRPC maps gRPC codes from the Gemini transport onto HTTP style
// status errors.
func classifyRPC(provider string, code codes.Code, err error) error {
	switch code {
	case codes.ResourceExhausted:
		return classify(provider, 429, err)
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded:
		return classify(provider, 503, err)
	case codes.Canceled:
		return context.Canceled
	case codes.InvalidArgument, codes.FailedPrecondition:
		return classify(provider, 400, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return classify(provider, 403, err)
	case codes.NotFound:
		return classify(provider, 404, err)
	default:
		return fmt.Errorf("gemini generate: %w", err)
	}
}

func ptrFloat32(v float32) *float32 { return &v }
