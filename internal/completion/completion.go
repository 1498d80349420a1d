// Package completion generates grounded answers with a chat model.
package completion

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/bull/docchat/internal/document"
)

// DefaultMaxTokens is the prompt budget (in tokens) before the user
// message is truncated.
const DefaultMaxTokens = 16000

// Prompt is a single completion request.
type Prompt struct {
	System  string                 // Instructions, including the retrieved context
	History []document.ChatMessage // Prior turns, oldest first
	User    string                 // The current question
}

// Completer produces the assistant reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
	Model() string
}

// Limited throttles calls to a Completer with a token bucket.
type Limited struct {
	next    Completer
	limiter *rate.Limiter
}

// NewLimited allows rps requests per second with the given burst.
// rps <= 0 disables limiting.
func NewLimited(next Completer, rps float64, burst int) *Limited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Complete waits for a token, then forwards the call. It returns early if
// ctx ends while waiting.
func (l *Limited) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return l.next.Complete(ctx, prompt)
}

func (l *Limited) Model() string { return l.next.Model() }

// truncate cuts content to roughly maxTokens tokens.
// Uses rough estimate of 4 characters per token.
func truncate(content string, maxTokens int, logger *slog.Logger) string {
	maxChars := maxTokens * 4
	if maxTokens <= 0 || len(content) <= maxChars {
		return content
	}

	logger.Warn("Truncating prompt",
		"from_chars", len(content),
		"to_chars", maxChars,
		"max_tokens", maxTokens,
	)
	return strings.ToValidUTF8(content[:maxChars], "")
}
