// Package mcp exposes document question answering as MCP tools.
package mcp

// AskInput defines the input parameters for the ask_documents tool.
type AskInput struct {
	// ConversationID continues an existing conversation. Empty starts a new one.
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"conversation to continue; omit to start a new conversation"`
	// ProjectID scopes retrieval. Required when starting a conversation.
	ProjectID   string   `json:"project_id,omitempty" jsonschema:"project whose documents answer the question; defaults to the conversation's project"`
	DocumentIDs []string `json:"document_ids,omitempty" jsonschema:"restrict retrieval to these documents of the project"`
	Question    string   `json:"question" jsonschema:"the question to answer from the documents"`
	UserID      string   `json:"user_id,omitempty" jsonschema:"user the conversation belongs to"`
}

// AskOutput is the answer of one chat turn.
type AskOutput struct {
	ConversationID string `json:"conversation_id"`
	Answer         string `json:"answer"`
	// Grounded is false when no document passage was found for the question.
	Grounded bool          `json:"grounded"`
	Sources  []SourceChunk `json:"sources"`
	Sequence int64         `json:"sequence"`
}

// SearchInput defines the input parameters for the search_documents tool.
type SearchInput struct {
	ProjectID   string   `json:"project_id" jsonschema:"project to search"`
	Query       string   `json:"query" jsonschema:"the semantic search query"`
	DocumentIDs []string `json:"document_ids,omitempty" jsonschema:"restrict the search to these documents"`
	MaxResults  int      `json:"max_results,omitempty" jsonschema:"maximum number of passages to return (default 5)"`
	MinScore    float64  `json:"min_score,omitempty" jsonschema:"minimum relevance score between 0 and 1"`
}

// SearchOutput contains the matching passages.
type SearchOutput struct {
	Results []SourceChunk `json:"results"`
	// Message explains an empty result.
	Message string `json:"message,omitempty"`
}

// SourceChunk is a retrieved passage with its location in the document.
type SourceChunk struct {
	Rank       int     `json:"rank"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Pages      string  `json:"pages"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

// StatusInput defines the input parameters for the document_status tool.
type StatusInput struct {
	DocumentID string `json:"document_id,omitempty" jsonschema:"document to report on"`
	ProjectID  string `json:"project_id,omitempty" jsonschema:"list every document of this project when no document is given"`
}

// StatusOutput reports ingestion progress.
type StatusOutput struct {
	Documents []DocumentStatus `json:"documents"`
	Count     int              `json:"count"`
}

// DocumentStatus is the ingestion state of one document.
type DocumentStatus struct {
	DocumentID    string `json:"document_id"`
	ProjectID     string `json:"project_id"`
	SourceRef     string `json:"source_ref"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	PageCount     int    `json:"page_count"`
	// FailedPages lists pages that could not be extracted.
	FailedPages []int `json:"failed_pages"`
	// LowConfidencePages lists pages whose OCR confidence was below threshold.
	LowConfidencePages []int  `json:"low_confidence_pages"`
	UpdatedAt          string `json:"updated_at"`
}
