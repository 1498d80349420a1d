package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/retry"
)

// DefaultGeminiModel is the Gemini model used when none is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the Gemini completer.
type GeminiConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	Retry     retry.Policy
}

// Gemini answers with the Gemini API.
type Gemini struct {
	client    *genai.Client
	model     string
	maxTokens int
	policy    retry.Policy
	logger    *slog.Logger
}

// NewGemini creates a Gemini completer.
func NewGemini(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY not set", document.ErrInvalidInput)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		policy:    cfg.Retry,
		logger:    logger,
	}, nil
}

func (g *Gemini) Model() string { return "gemini/" + g.model }

func (g *Gemini) Complete(ctx context.Context, prompt Prompt) (string, error) {
	contents := make([]*genai.Content, 0, len(prompt.History)+1)
	for _, m := range prompt.History {
		role := genai.Role(genai.RoleUser)
		if m.Role == document.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(prompt.User, genai.RoleUser))

	config := &genai.GenerateContentConfig{}
	if prompt.System != "" {
		config.SystemInstruction = genai.NewContentFromText(truncate(prompt.System, g.maxTokens, g.logger), genai.RoleUser)
	}

	var answer string
	err := g.policy.DoNotify(ctx, func(ctx context.Context) error {
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
		if err != nil {
			var apiErr genai.APIError
			if errors.As(err, &apiErr) && apiErr.Code != http.StatusTooManyRequests && apiErr.Code < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		answer = resp.Text()
		return nil
	}, func(err error, wait time.Duration) {
		g.logger.Warn("Gemini request failed, retrying", "wait", wait, "error", err)
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	return answer, nil
}
