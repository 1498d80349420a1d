// Package document holds the domain types shared by the ingestion pipeline,
// the vector store adapters and the chat service.
package document

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document is a user-uploaded source file tracked through ingestion.
type Document struct {
	ID            string
	UserID        string
	ProjectID     string
	SourceRef     string // Reference the document was submitted with (path or github:// ref)
	ContentHash   string // sha256 of the source bytes, hex
	PageCount     int
	Status        Status
	FailureReason string // Most specific known failure, empty unless Status is failed
	Pages         []PageReport
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PageReport records a page-level extraction outcome for status reporting.
// Only pages with low confidence or errors are reported.
type PageReport struct {
	PageNumber    int     `json:"page"`
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// PageBatch is a contiguous, inclusive page range of a document handed to OCR.
// Batches are transient and only valid while the owning split is open.
type PageBatch struct {
	DocumentID string
	Index      int
	FirstPage  int
	LastPage   int
	ByteSize   int64  // Estimated share of the source file
	SourcePath string // Workspace copy of the PDF
}

// Pages returns the number of pages in the batch.
func (b PageBatch) Pages() int {
	return b.LastPage - b.FirstPage + 1
}

// ExtractedPage is the OCR output for one page.
type ExtractedPage struct {
	DocumentID    string
	PageNumber    int
	Text          string
	Confidence    float64 // Mean word confidence, 0-100
	LowConfidence bool
	Err           error // Non-nil when the page could not be extracted
}

// Report converts the page into a status report entry.
// ok is false for clean pages, which are not reported.
func (p ExtractedPage) Report() (PageReport, bool) {
	if p.Err == nil && !p.LowConfidence {
		return PageReport{}, false
	}
	r := PageReport{
		PageNumber:    p.PageNumber,
		Confidence:    p.Confidence,
		LowConfidence: p.LowConfidence,
	}
	if p.Err != nil {
		r.Error = p.Err.Error()
	}
	return r, true
}

// Chunk is a span of normalized document text, the unit of embedding and retrieval.
// Text holds the overlap carried from the previous chunk followed by the chunk's core.
type Chunk struct {
	ID         string
	DocumentID string
	ProjectID  string
	Sequence   int
	FirstPage  int
	LastPage   int
	Text       string
	OverlapLen int // Byte length of the overlap prefix in Text
}

// Core returns the chunk text without the overlap prefix.
func (c Chunk) Core() string {
	return c.Text[c.OverlapLen:]
}

// PageRange formats the chunk's inclusive page range, e.g. "3-4".
func (c Chunk) PageRange() string {
	return FormatPageRange(c.FirstPage, c.LastPage)
}

// EmbeddingVector is a chunk's vector under one embedding model version.
type EmbeddingVector struct {
	ChunkID      string
	Values       []float32
	ModelVersion string
}

// RetrievalResult is a ranked chunk match for a query.
type RetrievalResult struct {
	ChunkID    string
	DocumentID string
	Score      float64
	Rank       int // 1-based
	FirstPage  int
	LastPage   int
	Text       string
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is an append-only entry of a conversation.
type ChatMessage struct {
	ConversationID string
	Sequence       int64
	Role           Role
	Content        string
	Citations      []string // Chunk ids used as grounding
	Failed         bool     // Set on user messages whose turn did not complete
	Error          string
	CreatedAt      time.Time
}

// Scope restricts retrieval to a project and, optionally, a subset of its documents.
type Scope struct {
	ProjectID   string   `json:"project_id"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// Conversation groups chat messages for one user and scope.
type Conversation struct {
	ID        string
	UserID    string
	Scope     Scope
	CreatedAt time.Time
}

// idNamespace scopes all deterministic ids generated by this module.
var idNamespace = uuid.MustParse("6f1c7b0e-3d8a-5c4e-9b21-0a7d5e2f8c13")

// DocumentID derives a stable document id from its project and source reference,
// so re-submitting the same reference re-ingests the same document.
func DocumentID(projectID, sourceRef string) string {
	return uuid.NewSHA1(idNamespace, []byte(projectID+"\x00"+sourceRef)).String()
}

// ChunkID derives a chunk id from the document id, the chunk sequence and its content.
func ChunkID(documentID string, sequence int, text string) string {
	data := fmt.Sprintf("%s\x00%d\x00%s", documentID, sequence, text)
	return uuid.NewSHA1(idNamespace, []byte(data)).String()
}

// FormatPageRange formats an inclusive page range.
func FormatPageRange(first, last int) string {
	if first == last {
		return fmt.Sprintf("%d", first)
	}
	return fmt.Sprintf("%d-%d", first, last)
}
