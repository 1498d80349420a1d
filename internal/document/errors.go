package document

import "errors"

// Ingestion errors. Page-level errors are recorded on the document and do
// not abort ingestion; document-level errors mark the document failed.
var (
	// ErrUnreadableDocument indicates a corrupt or password-protected PDF.
	ErrUnreadableDocument = errors.New("unreadable document")

	// ErrDocumentTooLarge indicates the document exceeds the configured page limit.
	ErrDocumentTooLarge = errors.New("document exceeds page limit")

	// ErrLowConfidenceExtraction flags a page whose OCR confidence is below threshold.
	ErrLowConfidenceExtraction = errors.New("low confidence extraction")

	// ErrPageExtraction indicates a single page could not be rasterized or recognized.
	ErrPageExtraction = errors.New("page extraction failed")

	// ErrNoExtractableText indicates every page of a document failed or was empty.
	ErrNoExtractableText = errors.New("no extractable text")

	// ErrIngestionInProgress indicates an ingestion run is already active for the document.
	ErrIngestionInProgress = errors.New("ingestion in progress")

	// ErrInvalidTransition indicates a document status change outside the pipeline order.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Capability errors, surfaced after the adapter's retry policy is exhausted.
var (
	ErrEmbeddingUnavailable   = errors.New("embedding backend unavailable")
	ErrVectorStoreUnavailable = errors.New("vector store unavailable")
	ErrDimensionMismatch      = errors.New("embedding dimension mismatch")
	ErrCompletionTimeout      = errors.New("completion timed out")
	ErrCompletionFailure      = errors.New("completion failed")
)

// Lookup errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)
