package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/docchat/internal/document"
)

// setupTestStore creates a SQLite store in a temporary directory.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "docchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func newDocument(id string) *document.Document {
	return &document.Document{
		ID:        id,
		UserID:    "user-1",
		ProjectID: "project-1",
		SourceRef: "/inbox/" + id + ".pdf",
		Status:    document.StatusPending,
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docchat.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveDocument(context.Background(), newDocument("a")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	doc, err := s.GetDocument(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "project-1", doc.ProjectID)
	assert.Equal(t, path, s.Path())
}

func TestDocument_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	doc := newDocument("doc-1")
	doc.Pages = []document.PageReport{{PageNumber: 3, Confidence: 41.5, LowConfidence: true}}
	require.NoError(t, s.SaveDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc.SourceRef, got.SourceRef)
	assert.Equal(t, document.StatusPending, got.Status)
	assert.Equal(t, doc.Pages, got.Pages)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, document.ErrNotFound)
}

func TestUpdateStatus_EnforcesOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveDocument(ctx, newDocument("doc-1")))

	_, err := s.UpdateStatus(ctx, "doc-1", document.StatusReady, "")
	assert.ErrorIs(t, err, document.ErrInvalidTransition)

	doc, err := s.UpdateStatus(ctx, "doc-1", document.StatusSplitting, "ignored")
	require.NoError(t, err)
	assert.Equal(t, document.StatusSplitting, doc.Status)
	assert.Empty(t, doc.FailureReason)

	doc, err = s.UpdateStatus(ctx, "doc-1", document.StatusFailed, "unreadable document")
	require.NoError(t, err)
	assert.Equal(t, "unreadable document", doc.FailureReason)

	_, err = s.UpdateStatus(ctx, "missing", document.StatusSplitting, "")
	assert.ErrorIs(t, err, document.ErrNotFound)
}

func TestSetExtraction(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveDocument(ctx, newDocument("doc-1")))

	reports := []document.PageReport{
		{PageNumber: 7, Error: "page extraction failed"},
		{PageNumber: 9, Confidence: 30, LowConfidence: true},
	}
	require.NoError(t, s.SetExtraction(ctx, "doc-1", 50, reports))
	require.NoError(t, s.SetContentHash(ctx, "doc-1", "abc"))

	doc, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 50, doc.PageCount)
	assert.Equal(t, reports, doc.Pages)
	assert.Equal(t, "abc", doc.ContentHash)

	assert.ErrorIs(t, s.SetExtraction(ctx, "missing", 1, nil), document.ErrNotFound)
}

func TestListAndDeleteDocuments(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveDocument(ctx, newDocument("a")))
	other := newDocument("b")
	other.ProjectID = "project-2"
	require.NoError(t, s.SaveDocument(ctx, other))

	docs, err := s.ListDocuments(ctx, "project-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID)

	all, err := s.ListDocuments(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteDocument(ctx, "a"))
	assert.ErrorIs(t, s.DeleteDocument(ctx, "a"), document.ErrNotFound)
}

func TestFailInterrupted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	running := newDocument("running")
	running.Status = document.StatusOCRRunning
	ready := newDocument("ready")
	ready.Status = document.StatusReady
	require.NoError(t, s.SaveDocument(ctx, running))
	require.NoError(t, s.SaveDocument(ctx, ready))

	n, err := s.FailInterrupted(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := s.GetDocument(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, document.StatusFailed, doc.Status)
	assert.Equal(t, "interrupted", doc.FailureReason)
}

func TestEnsureConversation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv := document.Conversation{
		ID:     "conv-1",
		UserID: "user-1",
		Scope:  document.Scope{ProjectID: "project-1", DocumentIDs: []string{"d1", "d2"}},
	}
	stored, err := s.EnsureConversation(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, conv.Scope, stored.Scope)

	// The first scope wins.
	conv.Scope.DocumentIDs = nil
	stored, err = s.EnsureConversation(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, stored.Scope.DocumentIDs)

	conv.UserID = "intruder"
	_, err = s.EnsureConversation(ctx, conv)
	assert.ErrorIs(t, err, document.ErrInvalidInput)
}

func TestAppendMessages_ConsecutiveSequences(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureConversation(ctx, document.Conversation{ID: "c", UserID: "u", Scope: document.Scope{ProjectID: "p"}})
	require.NoError(t, err)

	stored, err := s.AppendMessages(ctx, "c",
		document.ChatMessage{Role: document.RoleUser, Content: "q1"},
		document.ChatMessage{Role: document.RoleAssistant, Content: "a1", Citations: []string{"chunk-1"}},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored[0].Sequence)
	assert.Equal(t, int64(2), stored[1].Sequence)

	_, err = s.AppendMessages(ctx, "c", document.ChatMessage{Role: document.RoleUser, Content: "q2", Failed: true, Error: "completion failed"})
	require.NoError(t, err)

	msgs, err := s.Messages(ctx, "c", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Sequence)
	}
	assert.Equal(t, []string{"chunk-1"}, msgs[1].Citations)
	assert.True(t, msgs[2].Failed)
	assert.Equal(t, "completion failed", msgs[2].Error)

	last, err := s.Messages(ctx, "c", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, int64(2), last[0].Sequence)

	history, err := s.RecentHistory(ctx, "c", 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "failed turn is not history")
	assert.Equal(t, "q1", history[0].Content)
	assert.Equal(t, "a1", history[1].Content)
}

func TestAppendMessages_ConcurrentWritersDoNotCollide(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureConversation(ctx, document.Conversation{ID: "c", UserID: "u"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessages(ctx, "c",
				document.ChatMessage{Role: document.RoleUser, Content: "q"},
				document.ChatMessage{Role: document.RoleAssistant, Content: "a"},
			)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := s.Messages(ctx, "c", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 16)
	for i := 0; i < len(msgs); i += 2 {
		assert.Equal(t, document.RoleUser, msgs[i].Role)
		assert.Equal(t, document.RoleAssistant, msgs[i+1].Role)
	}
}
