package processors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/ChuLiYu/forge-dispatch/internal/worker"
)

// GeminiConfig configures the Gemini text generator.
type GeminiConfig struct {
	APIKey string `yaml:"-"`
	Model  string `yaml:"model"`
}

var (
	// ErrMissingAPIKey is returned when no Gemini API key is configured.
	ErrMissingAPIKey = errors.New("gemini API key is required")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("gemini returned an empty response")
	// ErrContentBlocked is returned when the response was stopped for safety.
	ErrContentBlocked = errors.New("gemini blocked the content")
)

// Gemini generates text with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	log    *slog.Logger
}

// NewGemini creates a Gemini API client.
func NewGemini(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	logger.Info("Gemini generator ready", "model", cfg.Model)
	return &Gemini{client: client, model: cfg.Model, log: logger.With("component", "gemini")}, nil
}

// GenerateText sends prompt to the model. Blocked content is a permanent
// failure; transport errors are retried by the queue.
func (g *Gemini) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return "", cause
		}
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", worker.Permanent(ErrContentBlocked)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	g.log.Debug("Generated text", "prompt_chars", len(prompt), "output_chars", len(text))
	return text, nil
}

var _ TextGenerator = (*Gemini)(nil)
