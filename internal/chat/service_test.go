package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/docchat/internal/completion"
	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/embedding"
	"github.com/bull/docchat/internal/store"
	"github.com/bull/docchat/internal/vectorstore"
)

// fakeCompleter records prompts and answers with reply.
type fakeCompleter struct {
	mu      sync.Mutex
	prompts []completion.Prompt
	reply   func(ctx context.Context, p completion.Prompt) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, p completion.Prompt) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()
	if f.reply == nil {
		return "answer to " + p.User, nil
	}
	return f.reply(ctx, p)
}

func (f *fakeCompleter) Model() string { return "fake" }

func (f *fakeCompleter) prompt(i int) completion.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[i]
}

type fixture struct {
	svc       *Service
	store     *store.Store
	vectors   *vectorstore.Memory
	embedder  *embedding.HashEmbedder
	completer *fakeCompleter
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:     st,
		vectors:   vectorstore.NewMemory(),
		embedder:  embedding.NewHashEmbedder(embedding.DefaultHashDimension),
		completer: &fakeCompleter{},
	}
	f.svc = NewService(f.embedder, f.vectors, f.completer, st, cfg, nil, opts...)
	return f
}

// seed stores one chunk per text for the document, pages numbered from 1.
func (f *fixture) seed(t *testing.T, project, documentID string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	collection := vectorstore.CollectionFor("", project)
	require.NoError(t, f.vectors.EnsureCollection(ctx, collection, f.embedder.Dimension()))

	var records []vectorstore.Record
	for i, text := range texts {
		chunk := document.Chunk{
			ID:         document.ChunkID(documentID, i, text),
			DocumentID: documentID,
			ProjectID:  project,
			Sequence:   i,
			FirstPage:  i + 1,
			LastPage:   i + 1,
			Text:       text,
		}
		vec, err := f.embedder.Embed(ctx, text)
		require.NoError(t, err)
		records = append(records, vectorstore.NewRecord(chunk, document.EmbeddingVector{
			ChunkID:      chunk.ID,
			Values:       vec,
			ModelVersion: f.embedder.ModelVersion(),
		}))
	}
	require.NoError(t, f.vectors.Upsert(ctx, collection, records))
}

func ask(conv, query string) AskRequest {
	return AskRequest{
		ConversationID: conv,
		UserID:         "user-1",
		Query:          query,
		Scope:          document.Scope{ProjectID: "acme"},
	}
}

func TestAsk_ZeroMatchesStillAnswers(t *testing.T) {
	f := newFixture(t, Config{})

	reply, err := f.svc.Ask(context.Background(), ask("conv-1", "What is the warranty period?"))
	require.NoError(t, err)

	assert.False(t, reply.Grounded)
	assert.Empty(t, reply.Sources)
	assert.True(t, strings.HasPrefix(reply.Answer.Content, NoGroundingNotice))
	assert.Equal(t, int64(1), reply.Question.Sequence)
	assert.Equal(t, int64(2), reply.Answer.Sequence)

	msgs, err := f.svc.History(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, document.RoleUser, msgs[0].Role)
	assert.Equal(t, document.RoleAssistant, msgs[1].Role)
	assert.Equal(t, msgs[0].Sequence+1, msgs[1].Sequence)
}

func TestAsk_GroundedAnswerCitesSources(t *testing.T) {
	f := newFixture(t, Config{TopK: 2})
	f.seed(t, "acme", "doc-1",
		"Quarterly revenue grew by twelve percent",
		"The office cafeteria serves lunch at noon",
		"Revenue guidance for next quarter is unchanged",
	)

	reply, err := f.svc.Ask(context.Background(), ask("conv-1", "How did quarterly revenue grow?"))
	require.NoError(t, err)

	require.True(t, reply.Grounded)
	require.Len(t, reply.Sources, 2)
	assert.Equal(t, "Quarterly revenue grew by twelve percent", reply.Sources[0].Text)
	assert.Equal(t, 1, reply.Sources[0].Rank)
	assert.False(t, strings.HasPrefix(reply.Answer.Content, NoGroundingNotice))

	want := []string{reply.Sources[0].ChunkID, reply.Sources[1].ChunkID}
	assert.Equal(t, want, reply.Answer.Citations)

	system := f.completer.prompt(0).System
	assert.Contains(t, system, "[1] (pages 1)\nQuarterly revenue grew by twelve percent")
}

func TestAsk_ScopeRestrictsDocuments(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, "acme", "doc-1", "Revenue grew strongly")
	f.seed(t, "acme", "doc-2", "Revenue fell sharply")

	req := ask("conv-1", "revenue")
	req.Scope.DocumentIDs = []string{"doc-2"}
	reply, err := f.svc.Ask(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, reply.Sources, 1)
	assert.Equal(t, "doc-2", reply.Sources[0].DocumentID)
}

func TestAsk_ReusesConversationScope(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, "acme", "doc-1", "Revenue grew strongly")

	_, err := f.svc.Ask(context.Background(), ask("conv-1", "first question"))
	require.NoError(t, err)

	reply, err := f.svc.Ask(context.Background(), AskRequest{ConversationID: "conv-1", UserID: "user-1", Query: "revenue"})
	require.NoError(t, err)
	assert.True(t, reply.Grounded)
}

func TestAsk_InvalidInput(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.Ask(context.Background(), ask("conv-1", "   "))
	assert.ErrorIs(t, err, document.ErrInvalidInput)

	_, err = f.svc.Ask(context.Background(), ask("", "question"))
	assert.ErrorIs(t, err, document.ErrInvalidInput)

	_, err = f.svc.Ask(context.Background(), AskRequest{ConversationID: "conv-2", UserID: "u", Query: "q"})
	assert.ErrorIs(t, err, document.ErrInvalidInput)
}

func TestAsk_CompletionFailurePersistsOnlyQuestion(t *testing.T) {
	f := newFixture(t, Config{})
	f.completer.reply = func(context.Context, completion.Prompt) (string, error) {
		return "", errors.New("model overloaded")
	}

	_, err := f.svc.Ask(context.Background(), ask("conv-1", "What changed?"))
	require.ErrorIs(t, err, document.ErrCompletionFailure)

	msgs, err := f.svc.History(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, document.RoleUser, msgs[0].Role)
	assert.True(t, msgs[0].Failed)
	assert.Contains(t, msgs[0].Error, "model overloaded")

	// The failed turn is not replayed as history.
	f.completer.reply = nil
	reply, err := f.svc.Ask(context.Background(), ask("conv-1", "Try again"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), reply.Question.Sequence)
	assert.Equal(t, int64(3), reply.Answer.Sequence)
	assert.Empty(t, f.completer.prompt(1).History)
}

func TestAsk_CompletionTimeout(t *testing.T) {
	f := newFixture(t, Config{CompletionTimeout: 20 * time.Millisecond})
	f.completer.reply = func(ctx context.Context, _ completion.Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	_, err := f.svc.Ask(context.Background(), ask("conv-1", "slow question"))
	require.ErrorIs(t, err, document.ErrCompletionTimeout)
	assert.NotErrorIs(t, err, document.ErrCompletionFailure)

	msgs, err := f.svc.History(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Failed)
}

func TestAsk_HistoryIsRecentAndChronological(t *testing.T) {
	f := newFixture(t, Config{HistoryTurns: 1})
	ctx := context.Background()

	for _, q := range []string{"one", "two", "three"} {
		_, err := f.svc.Ask(ctx, ask("conv-1", q))
		require.NoError(t, err)
	}

	history := f.completer.prompt(2).History
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Content)
	assert.Equal(t, document.RoleUser, history[0].Role)
	assert.True(t, strings.HasSuffix(history[1].Content, "answer to two"))
	assert.Equal(t, document.RoleAssistant, history[1].Role)
}

func TestAsk_ConcurrentTurnsRunInArrivalOrder(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)

	f := newFixture(t, Config{})
	f.completer.reply = func(_ context.Context, p completion.Prompt) (string, error) {
		started <- p.User
		if p.User == "first" {
			<-release
		}
		return "answer to " + p.User, nil
	}

	type result struct {
		reply *Reply
		err   error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		r, err := f.svc.Ask(context.Background(), ask("conv-1", "first"))
		first <- result{r, err}
	}()
	require.Equal(t, "first", <-started)

	go func() {
		r, err := f.svc.Ask(context.Background(), ask("conv-1", "second"))
		second <- result{r, err}
	}()

	select {
	case u := <-started:
		t.Fatalf("turn %q started while the first turn was running", u)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, "second", <-started)

	assert.Equal(t, []int64{1, 2}, []int64{a.reply.Question.Sequence, a.reply.Answer.Sequence})
	assert.Equal(t, []int64{3, 4}, []int64{b.reply.Question.Sequence, b.reply.Answer.Sequence})
}

func TestAsk_ConversationsRunIndependently(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, Config{})
	f.completer.reply = func(_ context.Context, p completion.Prompt) (string, error) {
		if p.User == "blocked" {
			<-release
		}
		return "ok", nil
	}
	defer close(release)

	go f.svc.Ask(context.Background(), ask("conv-a", "blocked"))

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Ask(context.Background(), ask("conv-b", "free"))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("turn on another conversation was blocked")
	}
}

func TestAsk_ReportsTurnStates(t *testing.T) {
	var (
		mu     sync.Mutex
		states []TurnState
	)
	observer := func(_ string, s TurnState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}
	f := newFixture(t, Config{}, WithObserver(observer))

	_, err := f.svc.Ask(context.Background(), ask("conv-1", "question"))
	require.NoError(t, err)
	assert.Equal(t, []TurnState{
		StateReceivedQuery, StateVectorized, StateRetrieved, StateContextAssembled, StateAnswered,
	}, states)

	states = nil
	f.completer.reply = func(context.Context, completion.Prompt) (string, error) { return "", errors.New("boom") }
	_, err = f.svc.Ask(context.Background(), ask("conv-1", "question"))
	require.Error(t, err)
	assert.Equal(t, StateFailed, states[len(states)-1])
}

func TestSearch(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, "acme", "doc-1", "alpha beta", "gamma delta", "alpha gamma")

	results, err := f.svc.Search(context.Background(), document.Scope{ProjectID: "acme"}, "alpha", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, 2, results[1].Rank)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)

	_, err = f.svc.Search(context.Background(), document.Scope{}, "alpha", 2)
	assert.ErrorIs(t, err, document.ErrInvalidInput)
}

func TestAssembleContext_DropsLowestRanked(t *testing.T) {
	results := []document.RetrievalResult{
		{ChunkID: "a", Rank: 1, FirstPage: 1, LastPage: 1, Text: strings.Repeat("a", 100)},
		{ChunkID: "b", Rank: 2, FirstPage: 2, LastPage: 3, Text: strings.Repeat("b", 100)},
		{ChunkID: "c", Rank: 3, FirstPage: 4, LastPage: 4, Text: strings.Repeat("c", 100)},
	}

	used, text := assembleContext(results, 250)
	require.Len(t, used, 2)
	assert.Equal(t, "a", used[0].ChunkID)
	assert.Equal(t, "b", used[1].ChunkID)
	assert.LessOrEqual(t, len(text), 250)
	assert.Contains(t, text, "[2] (pages 2-3)")

	used, text = assembleContext(results, 50)
	require.Len(t, used, 1)
	assert.LessOrEqual(t, len(text), 50)

	used, text = assembleContext(nil, 50)
	assert.Empty(t, used)
	assert.Empty(t, text)
}

func TestTurnQueue_CancelledWaiterKeepsOrder(t *testing.T) {
	q := newTurnQueue()

	releaseA, err := q.acquire(context.Background(), "conv")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.acquire(ctx, "conv")
	require.ErrorIs(t, err, context.Canceled)

	acquired := make(chan func(), 1)
	go func() {
		release, err := q.acquire(context.Background(), "conv")
		if err == nil {
			acquired <- release
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third turn ran before the first finished")
	case <-time.After(30 * time.Millisecond):
	}

	releaseA()
	select {
	case release := <-acquired:
		release()
	case <-time.After(2 * time.Second):
		t.Fatal("third turn never ran")
	}
	assert.Eventually(t, func() bool { return q.pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTurnQueue_WaiterCancelledWhileQueued(t *testing.T) {
	q := newTurnQueue()

	releaseA, err := q.acquire(context.Background(), "conv")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	release, err := q.acquire(ctx, "conv")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, release)

	releaseA()
	assert.Eventually(t, func() bool { return q.pending() == 0 }, time.Second, 5*time.Millisecond)

	releaseB, err := q.acquire(context.Background(), "conv")
	require.NoError(t, err)
	releaseB()
}

// failingSearchStore returns err from Search, the way a remote backend does.
type failingSearchStore struct {
	vectorstore.Store
	err error
}

func (s failingSearchStore) Search(context.Context, string, []float32, int, vectorstore.Filter) ([]document.RetrievalResult, error) {
	return nil, s.err
}

func TestAsk_MissingRemoteCollectionAnswersUngrounded(t *testing.T) {
	f := newFixture(t, Config{})
	remoteMissing := fmt.Errorf("get collection: %w: %w", document.ErrNotFound,
		errors.New("rpc error: code = NotFound desc = Collection `docchat_acme` doesn't exist!"))
	f.svc = NewService(f.embedder, failingSearchStore{Store: f.vectors, err: remoteMissing}, f.completer, f.store, Config{}, nil)

	reply, err := f.svc.Ask(context.Background(), ask("conv-1", "What is the warranty period?"))
	require.NoError(t, err)
	assert.False(t, reply.Grounded)
	assert.True(t, strings.HasPrefix(reply.Answer.Content, NoGroundingNotice))
}

func TestAsk_UnavailableVectorStoreFails(t *testing.T) {
	f := newFixture(t, Config{})
	down := fmt.Errorf("search: %w: %w", document.ErrVectorStoreUnavailable, errors.New("connection refused"))
	f.svc = NewService(f.embedder, failingSearchStore{Store: f.vectors, err: down}, f.completer, f.store, Config{}, nil)

	_, err := f.svc.Ask(context.Background(), ask("conv-1", "What is the warranty period?"))
	assert.ErrorIs(t, err, document.ErrVectorStoreUnavailable)
}
