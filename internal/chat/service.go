// Package chat answers questions against a user's documents with
// retrieval-augmented generation and keeps the conversation history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bull/docchat/internal/completion"
	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/embedding"
	"github.com/bull/docchat/internal/vectorstore"
)

// NoGroundingNotice opens every answer given without any retrieved context.
const NoGroundingNotice = "I could not find anything relevant in your documents, so this answer is not grounded in them."

const (
	DefaultTopK              = 5
	DefaultHistoryTurns      = 6
	DefaultMaxContextChars   = 12000
	DefaultCompletionTimeout = 60 * time.Second
)

const systemPrompt = `You answer questions about the user's documents.
Use only the numbered context passages below. Cite passages as [n].
If the context does not contain the answer, say so plainly.`

// TurnState is the progress of one chat turn.
type TurnState string

const (
	StateReceivedQuery    TurnState = "received_query"
	StateVectorized       TurnState = "vectorized"
	StateRetrieved        TurnState = "retrieved"
	StateContextAssembled TurnState = "context_assembled"
	StateAnswered         TurnState = "answered"
	StateFailed           TurnState = "failed"
)

// History persists conversations and their messages.
type History interface {
	EnsureConversation(ctx context.Context, conv document.Conversation) (*document.Conversation, error)
	AppendMessages(ctx context.Context, conversationID string, msgs ...document.ChatMessage) ([]document.ChatMessage, error)
	Messages(ctx context.Context, conversationID string, lastN int) ([]document.ChatMessage, error)
	RecentHistory(ctx context.Context, conversationID string, n int) ([]document.ChatMessage, error)
}

// Config tunes retrieval and generation.
type Config struct {
	CollectionPrefix  string
	TopK              int
	HistoryTurns      int // Prior question/answer pairs sent with each turn
	MaxContextChars   int
	CompletionTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.HistoryTurns < 0 {
		c.HistoryTurns = 0
	} else if c.HistoryTurns == 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = DefaultMaxContextChars
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = DefaultCompletionTimeout
	}
}

// AskRequest is one user question. An empty Scope.ProjectID reuses the
// scope the conversation was created with.
type AskRequest struct {
	ConversationID string
	UserID         string
	Query          string
	Scope          document.Scope
}

// Reply is the outcome of a completed turn.
type Reply struct {
	Question document.ChatMessage
	Answer   document.ChatMessage
	Sources  []document.RetrievalResult // Chunks placed in the prompt, by rank
	Grounded bool
}

// Service runs chat turns. Turns of one conversation execute one at a
// time in arrival order.
type Service struct {
	vectorizer embedding.Vectorizer
	vectors    vectorstore.Store
	completer  completion.Completer
	history    History
	cfg        Config
	logger     *slog.Logger
	queue      *turnQueue
	observe    func(conversationID string, state TurnState)
}

// Option configures a Service.
type Option func(*Service)

// WithObserver registers a callback invoked on every turn state change.
func WithObserver(fn func(conversationID string, state TurnState)) Option {
	return func(s *Service) { s.observe = fn }
}

// NewService creates a chat service.
func NewService(v embedding.Vectorizer, vs vectorstore.Store, c completion.Completer, h History, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	s := &Service{
		vectorizer: v,
		vectors:    vs,
		completer:  c,
		history:    h,
		cfg:        cfg,
		logger:     logger,
		queue:      newTurnQueue(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask runs one turn. On success the question and the answer are persisted
// together with consecutive sequence numbers. On failure only the question
// is persisted, marked failed, and the returned error wraps the typed cause.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*Reply, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.ConversationID == "" || req.Query == "" {
		return nil, fmt.Errorf("%w: conversation id and query are required", document.ErrInvalidInput)
	}

	release, err := s.queue.acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := s.history.EnsureConversation(ctx, document.Conversation{
		ID:     req.ConversationID,
		UserID: req.UserID,
		Scope:  req.Scope,
	})
	if err != nil {
		return nil, err
	}
	scope := req.Scope
	if scope.ProjectID == "" {
		scope = conv.Scope
	}
	if scope.ProjectID == "" {
		return nil, fmt.Errorf("%w: conversation has no project scope", document.ErrInvalidInput)
	}

	start := time.Now()
	s.transition(conv.ID, StateReceivedQuery)

	reply, err := s.turn(ctx, conv.ID, scope, req.Query)
	if err != nil {
		s.transition(conv.ID, StateFailed)
		s.logger.Warn("Chat turn failed",
			"conversation", conv.ID,
			"duration", time.Since(start),
			"error", err,
		)
		if perr := s.persistFailure(ctx, conv.ID, req.Query, err); perr != nil {
			return nil, errors.Join(err, perr)
		}
		return nil, err
	}

	s.transition(conv.ID, StateAnswered)
	s.logger.Info("Chat turn answered",
		"conversation", conv.ID,
		"sources", len(reply.Sources),
		"grounded", reply.Grounded,
		"duration", time.Since(start),
	)
	return reply, nil
}

func (s *Service) turn(ctx context.Context, conversationID string, scope document.Scope, query string) (*Reply, error) {
	results, err := s.retrieve(ctx, conversationID, scope, query, s.cfg.TopK)
	if err != nil {
		return nil, err
	}

	sources, contextText := assembleContext(results, s.cfg.MaxContextChars)
	s.transition(conversationID, StateContextAssembled)

	past, err := s.history.RecentHistory(ctx, conversationID, s.cfg.HistoryTurns*2)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	answer, err := s.complete(ctx, completion.Prompt{
		System:  buildSystemPrompt(contextText),
		History: past,
		User:    query,
	})
	if err != nil {
		return nil, err
	}

	grounded := len(sources) > 0
	if !grounded {
		answer = NoGroundingNotice + "\n\n" + answer
	}

	citations := make([]string, len(sources))
	for i, r := range sources {
		citations[i] = r.ChunkID
	}
	saved, err := s.history.AppendMessages(context.WithoutCancel(ctx), conversationID,
		document.ChatMessage{Role: document.RoleUser, Content: query},
		document.ChatMessage{Role: document.RoleAssistant, Content: answer, Citations: citations},
	)
	if err != nil {
		return nil, fmt.Errorf("saving turn: %w", err)
	}
	return &Reply{Question: saved[0], Answer: saved[1], Sources: sources, Grounded: grounded}, nil
}

// Search embeds query and returns the top k chunks within scope.
func (s *Service) Search(ctx context.Context, scope document.Scope, query string, k int) ([]document.RetrievalResult, error) {
	if scope.ProjectID == "" || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: project and query are required", document.ErrInvalidInput)
	}
	if k <= 0 {
		k = s.cfg.TopK
	}
	return s.retrieve(ctx, "", scope, query, k)
}

// History returns the last lastN messages of a conversation in sequence
// order; lastN <= 0 returns all of them.
func (s *Service) History(ctx context.Context, conversationID string, lastN int) ([]document.ChatMessage, error) {
	return s.history.Messages(ctx, conversationID, lastN)
}

func (s *Service) retrieve(ctx context.Context, conversationID string, scope document.Scope, query string, k int) ([]document.RetrievalResult, error) {
	vec, err := s.vectorizer.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	s.transition(conversationID, StateVectorized)

	collection := vectorstore.CollectionFor(s.cfg.CollectionPrefix, scope.ProjectID)
	results, err := s.vectors.Search(ctx, collection, vec, k, vectorstore.Filter{
		DocumentIDs:  scope.DocumentIDs,
		ModelVersion: s.vectorizer.ModelVersion(),
	})
	if errors.Is(err, document.ErrNotFound) {
		// Nothing ingested for this project yet.
		results, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	s.transition(conversationID, StateRetrieved)
	return results, nil
}

func (s *Service) complete(ctx context.Context, prompt completion.Prompt) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
	defer cancel()

	answer, err := s.completer.Complete(cctx, prompt)
	switch {
	case err == nil:
		return answer, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return "", fmt.Errorf("%w after %s: %w", document.ErrCompletionTimeout, s.cfg.CompletionTimeout, err)
	default:
		return "", fmt.Errorf("%w: %w", document.ErrCompletionFailure, err)
	}
}

func (s *Service) persistFailure(ctx context.Context, conversationID, query string, cause error) error {
	_, err := s.history.AppendMessages(context.WithoutCancel(ctx), conversationID, document.ChatMessage{
		Role:    document.RoleUser,
		Content: query,
		Failed:  true,
		Error:   cause.Error(),
	})
	if err != nil {
		return fmt.Errorf("saving failed turn: %w", err)
	}
	return nil
}

func (s *Service) transition(conversationID string, state TurnState) {
	if conversationID == "" {
		return
	}
	s.logger.Debug("Chat turn state", "conversation", conversationID, "state", state)
	if s.observe != nil {
		s.observe(conversationID, state)
	}
}

// assembleContext numbers results in rank order until maxChars is reached.
// Lower-ranked chunks are dropped first; a first chunk larger than the
// budget is cut to fit.
func assembleContext(results []document.RetrievalResult, maxChars int) ([]document.RetrievalResult, string) {
	var (
		b    strings.Builder
		used []document.RetrievalResult
	)
	for i, r := range results {
		block := fmt.Sprintf("[%d] (pages %s)\n%s\n\n", i+1, document.FormatPageRange(r.FirstPage, r.LastPage), strings.TrimSpace(r.Text))
		if b.Len()+len(block) > maxChars {
			if i == 0 {
				b.WriteString(strings.ToValidUTF8(block[:maxChars], ""))
				used = append(used, r)
			}
			break
		}
		b.WriteString(block)
		used = append(used, r)
	}
	return used, strings.TrimSpace(b.String())
}

func buildSystemPrompt(contextText string) string {
	if contextText == "" {
		return systemPrompt + "\n\nContext: none found."
	}
	return systemPrompt + "\n\nContext:\n" + contextText
}
