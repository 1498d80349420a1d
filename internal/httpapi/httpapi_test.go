package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/docchat/internal/chat"
	"github.com/bull/docchat/internal/document"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeChat struct {
	lastReq  chat.AskRequest
	err      error
	messages []document.ChatMessage
}

func (f *fakeChat) Ask(_ context.Context, req chat.AskRequest) (*chat.Reply, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &chat.Reply{
		Question: document.ChatMessage{
			ConversationID: req.ConversationID,
			Sequence:       1,
			Role:           document.RoleUser,
			Content:        req.Query,
		},
		Answer: document.ChatMessage{
			ConversationID: req.ConversationID,
			Sequence:       2,
			Role:           document.RoleAssistant,
			Content:        "Revenue grew [1].",
			Citations:      []string{"chunk-1"},
		},
		Sources:  []document.RetrievalResult{{ChunkID: "chunk-1", DocumentID: "doc-1", Rank: 1, Score: 0.9, FirstPage: 3, LastPage: 4, Text: "Revenue grew."}},
		Grounded: true,
	}, nil
}

func (f *fakeChat) History(_ context.Context, _ string, lastN int) ([]document.ChatMessage, error) {
	if lastN > 0 && lastN < len(f.messages) {
		return f.messages[len(f.messages)-lastN:], nil
	}
	return f.messages, nil
}

type fakeIngest struct {
	docs      map[string]*document.Document
	submitErr error
	deleteErr error
	deleted   []string
}

func (f *fakeIngest) Submit(_ context.Context, ref, userID, projectID string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return document.DocumentID(projectID, ref), nil
}

func (f *fakeIngest) Status(_ context.Context, id string) (*document.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, document.ErrNotFound)
	}
	return doc, nil
}

func (f *fakeIngest) List(_ context.Context, projectID string) ([]document.Document, error) {
	var out []document.Document
	for _, d := range f.docs {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeIngest) Delete(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeCheck struct{ err error }

func (f fakeCheck) Health(context.Context) error { return f.err }

func newTestRouter(c *fakeChat, in *fakeIngest, checks map[string]HealthChecker) *gin.Engine {
	return NewRouter(Config{Chat: c, Ingest: in, Checks: checks})
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitDocument(t *testing.T) {
	router := newTestRouter(&fakeChat{}, &fakeIngest{}, nil)

	w := do(t, router, http.MethodPost, "/api/v1/documents", `{"ref":"/tmp/a.pdf","project_id":"p1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, document.DocumentID("p1", "/tmp/a.pdf"), body["id"])
	assert.Equal(t, "pending", body["status"])
}

func TestSubmitDocument_MissingFields(t *testing.T) {
	router := newTestRouter(&fakeChat{}, &fakeIngest{}, nil)
	w := do(t, router, http.MethodPost, "/api/v1/documents", `{"ref":"/tmp/a.pdf"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitDocument_InProgress(t *testing.T) {
	in := &fakeIngest{submitErr: fmt.Errorf("document x: %w", document.ErrIngestionInProgress)}
	router := newTestRouter(&fakeChat{}, in, nil)
	w := do(t, router, http.MethodPost, "/api/v1/documents", `{"ref":"/tmp/a.pdf","project_id":"p1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetDocument(t *testing.T) {
	in := &fakeIngest{docs: map[string]*document.Document{
		"doc-1": {
			ID:        "doc-1",
			ProjectID: "p1",
			Status:    document.StatusReady,
			PageCount: 50,
			Pages:     []document.PageReport{{PageNumber: 7, Error: "page extraction failed"}},
			UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}}
	router := newTestRouter(&fakeChat{}, in, nil)

	w := do(t, router, http.MethodGet, "/api/v1/documents/doc-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp DocumentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, document.StatusReady, resp.Status)
	assert.Equal(t, 50, resp.PageCount)
	require.Len(t, resp.Pages, 1)
	assert.Equal(t, 7, resp.Pages[0].PageNumber)

	w = do(t, router, http.MethodGet, "/api/v1/documents/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDocuments(t *testing.T) {
	in := &fakeIngest{docs: map[string]*document.Document{
		"a": {ID: "a", ProjectID: "p1"},
		"b": {ID: "b", ProjectID: "p2"},
	}}
	router := newTestRouter(&fakeChat{}, in, nil)

	w := do(t, router, http.MethodGet, "/api/v1/documents?project_id=p1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), `"id":"a"`)
}

func TestDeleteDocument(t *testing.T) {
	in := &fakeIngest{}
	router := newTestRouter(&fakeChat{}, in, nil)

	w := do(t, router, http.MethodDelete, "/api/v1/documents/doc-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"doc-1"}, in.deleted)

	in.deleteErr = document.ErrIngestionInProgress
	w = do(t, router, http.MethodDelete, "/api/v1/documents/doc-1", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAsk(t *testing.T) {
	c := &fakeChat{}
	router := newTestRouter(c, &fakeIngest{}, nil)

	w := do(t, router, http.MethodPost, "/api/v1/conversations/conv-1/ask",
		`{"question":"How did revenue change?","project_id":"p1","document_ids":["doc-1"]}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "conv-1", c.lastReq.ConversationID)
	assert.Equal(t, document.Scope{ProjectID: "p1", DocumentIDs: []string{"doc-1"}}, c.lastReq.Scope)

	var resp AskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Grounded)
	assert.Equal(t, int64(1), resp.Question.Sequence)
	assert.Equal(t, int64(2), resp.Answer.Sequence)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "3-4", resp.Sources[0].Pages)
}

func TestAsk_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", fmt.Errorf("%w: query required", document.ErrInvalidInput), http.StatusBadRequest},
		{"timeout", fmt.Errorf("completion: %w", document.ErrCompletionTimeout), http.StatusGatewayTimeout},
		{"completion", fmt.Errorf("completion: %w", document.ErrCompletionFailure), http.StatusBadGateway},
		{"embedding", fmt.Errorf("embedding query: %w", document.ErrEmbeddingUnavailable), http.StatusBadGateway},
		{"vectors", fmt.Errorf("search: %w", document.ErrVectorStoreUnavailable), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeChat{err: tt.err}, &fakeIngest{}, nil)
			w := do(t, router, http.MethodPost, "/api/v1/conversations/c/ask", `{"question":"q","project_id":"p"}`)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestMessages(t *testing.T) {
	c := &fakeChat{messages: []document.ChatMessage{
		{Sequence: 1, Role: document.RoleUser, Content: "q1"},
		{Sequence: 2, Role: document.RoleAssistant, Content: "a1"},
		{Sequence: 3, Role: document.RoleUser, Content: "q2", Failed: true, Error: "completion timed out"},
	}}
	router := newTestRouter(c, &fakeIngest{}, nil)

	w := do(t, router, http.MethodGet, "/api/v1/conversations/conv-1/messages?last=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ConversationID string            `json:"conversation_id"`
		Messages       []MessageResponse `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "conv-1", resp.ConversationID)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, int64(2), resp.Messages[0].Sequence)
	assert.True(t, resp.Messages[1].Failed)

	w = do(t, router, http.MethodGet, "/api/v1/conversations/conv-1/messages?last=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&fakeChat{}, &fakeIngest{}, map[string]HealthChecker{
		"vectors": fakeCheck{},
		"store":   fakeCheck{},
	})
	w := do(t, router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Components["vectors"])

	router = newTestRouter(&fakeChat{}, &fakeIngest{}, map[string]HealthChecker{
		"vectors": fakeCheck{err: errors.New("connection refused")},
		"store":   fakeCheck{},
	})
	w = do(t, router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "disconnected", resp.Components["vectors"])
	assert.Equal(t, "connected", resp.Components["store"])
}

func TestLanding(t *testing.T) {
	router := newTestRouter(&fakeChat{}, &fakeIngest{}, nil)
	w := do(t, router, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/api/v1")
}

func TestMCPMount(t *testing.T) {
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router := NewRouter(Config{Chat: &fakeChat{}, Ingest: &fakeIngest{}, MCP: mcpHandler})
	w := do(t, router, http.MethodPost, "/mcp", `{}`)
	assert.Equal(t, http.StatusTeapot, w.Code)
}
