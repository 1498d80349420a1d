package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/retry"
)

// DefaultOpenAIModel is the chat model used when none is configured.
const DefaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI completer.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int // Prompt budget, DefaultMaxTokens when zero
	Retry     retry.Policy
}

// OpenAI answers with the Chat Completions API.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int
	policy    retry.Policy
	logger    *slog.Logger
}

// NewOpenAI creates an OpenAI completer.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", document.ErrInvalidInput)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
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

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		policy:    cfg.Retry,
		logger:    logger,
	}, nil
}

func (o *OpenAI) Model() string { return "openai/" + o.model }

// Complete sends the system prompt, the history and the question.
func (o *OpenAI) Complete(ctx context.Context, prompt Prompt) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt.History)+2)
	if prompt.System != "" {
		messages = append(messages, openai.SystemMessage(truncate(prompt.System, o.maxTokens, o.logger)))
	}
	for _, m := range prompt.History {
		if m.Role == document.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(prompt.User))

	var answer string
	err := o.policy.DoNotify(ctx, func(ctx context.Context) error {
		resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Messages: messages,
			Model:    openai.ChatModel(o.model),
		})
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return retry.Permanent(errors.New("chat completion returned no choices"))
		}
		answer = resp.Choices[0].Message.Content
		return nil
	}, func(err error, wait time.Duration) {
		o.logger.Warn("Chat completion failed, retrying", "wait", wait, "error", err)
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	return answer, nil
}

func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
