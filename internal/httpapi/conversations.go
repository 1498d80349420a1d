package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bull/docchat/internal/chat"
	"github.com/bull/docchat/internal/document"
)

// AskRequest is the body of POST /api/v1/conversations/:id/ask.
type AskRequest struct {
	Question    string   `json:"question" binding:"required"`
	UserID      string   `json:"user_id"`
	ProjectID   string   `json:"project_id"`
	DocumentIDs []string `json:"document_ids"`
}

// MessageResponse is the JSON form of a chat message.
type MessageResponse struct {
	Sequence  int64         `json:"seq"`
	Role      document.Role `json:"role"`
	Content   string        `json:"content"`
	Citations []string      `json:"citations,omitempty"`
	Failed    bool          `json:"failed,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// SourceResponse is a retrieved chunk placed in the prompt.
type SourceResponse struct {
	Rank       int     `json:"rank"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Pages      string  `json:"pages"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

// AskResponse is the outcome of a chat turn.
type AskResponse struct {
	ConversationID string           `json:"conversation_id"`
	Question       MessageResponse  `json:"question"`
	Answer         MessageResponse  `json:"answer"`
	Sources        []SourceResponse `json:"sources"`
	Grounded       bool             `json:"grounded"`
}

func newMessageResponse(m document.ChatMessage) MessageResponse {
	return MessageResponse{
		Sequence:  m.Sequence,
		Role:      m.Role,
		Content:   m.Content,
		Citations: m.Citations,
		Failed:    m.Failed,
		Error:     m.Error,
		CreatedAt: m.CreatedAt,
	}
}

// Ask handles POST /api/v1/conversations/:id/ask. The conversation is
// created on its first question.
func (h *Handler) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	convID := c.Param("id")
	reply, err := h.chat.Ask(c.Request.Context(), chat.AskRequest{
		ConversationID: convID,
		UserID:         req.UserID,
		Query:          req.Question,
		Scope:          document.Scope{ProjectID: req.ProjectID, DocumentIDs: req.DocumentIDs},
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	sources := make([]SourceResponse, 0, len(reply.Sources))
	for _, r := range reply.Sources {
		sources = append(sources, SourceResponse{
			Rank:       r.Rank,
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Pages:      document.FormatPageRange(r.FirstPage, r.LastPage),
			Score:      r.Score,
			Text:       r.Text,
		})
	}
	c.JSON(http.StatusOK, AskResponse{
		ConversationID: convID,
		Question:       newMessageResponse(reply.Question),
		Answer:         newMessageResponse(reply.Answer),
		Sources:        sources,
		Grounded:       reply.Grounded,
	})
}

// Messages handles GET /api/v1/conversations/:id/messages?last=N.
func (h *Handler) Messages(c *gin.Context) {
	lastN := 0
	if v := c.Query("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "last must be a non-negative integer"})
			return
		}
		lastN = n
	}

	msgs, err := h.chat.History(c.Request.Context(), c.Param("id"), lastN)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageResponse(m))
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": c.Param("id"), "messages": out})
}
