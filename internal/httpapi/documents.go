package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bull/docchat/internal/document"
)

// SubmitRequest is the body of POST /api/v1/documents.
type SubmitRequest struct {
	Ref       string `json:"ref" binding:"required"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id" binding:"required"`
}

// DocumentResponse is the JSON form of a document record.
type DocumentResponse struct {
	ID            string                `json:"id"`
	UserID        string                `json:"user_id"`
	ProjectID     string                `json:"project_id"`
	SourceRef     string                `json:"source_ref"`
	Status        document.Status       `json:"status"`
	FailureReason string                `json:"failure_reason,omitempty"`
	PageCount     int                   `json:"page_count"`
	Pages         []document.PageReport `json:"pages"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func newDocumentResponse(doc *document.Document) DocumentResponse {
	pages := doc.Pages
	if pages == nil {
		pages = []document.PageReport{}
	}
	return DocumentResponse{
		ID:            doc.ID,
		UserID:        doc.UserID,
		ProjectID:     doc.ProjectID,
		SourceRef:     doc.SourceRef,
		Status:        doc.Status,
		FailureReason: doc.FailureReason,
		PageCount:     doc.PageCount,
		Pages:         pages,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}

// SubmitDocument handles POST /api/v1/documents. Ingestion runs in the
// background; poll GET /api/v1/documents/:id for progress.
func (h *Handler) SubmitDocument(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	id, err := h.ingest.Submit(c.Request.Context(), req.Ref, req.UserID, req.ProjectID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": document.StatusPending})
}

// GetDocument handles GET /api/v1/documents/:id.
func (h *Handler) GetDocument(c *gin.Context) {
	doc, err := h.ingest.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentResponse(doc))
}

// ListDocuments handles GET /api/v1/documents?project_id=.
func (h *Handler) ListDocuments(c *gin.Context) {
	docs, err := h.ingest.List(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]DocumentResponse, 0, len(docs))
	for i := range docs {
		out = append(out, newDocumentResponse(&docs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"documents": out, "count": len(out)})
}

// DeleteDocument handles DELETE /api/v1/documents/:id.
func (h *Handler) DeleteDocument(c *gin.Context) {
	if err := h.ingest.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
