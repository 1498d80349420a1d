package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/docchat/internal/chat"
	"github.com/bull/docchat/internal/document"
)

const (
	defaultMaxResults = 5
	maxMaxResults     = 20
)

// makeAskHandler creates the ask_documents tool handler.
// A turn without a conversation id starts a new conversation.
func makeAskHandler(asker Asker, defaultUser string) func(
	context.Context, *mcp.CallToolRequest, AskInput,
) (*mcp.CallToolResult, AskOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AskInput) (
		*mcp.CallToolResult, AskOutput, error,
	) {
		convID := input.ConversationID
		if convID == "" {
			if input.ProjectID == "" {
				return nil, AskOutput{}, fmt.Errorf("%w: project_id is required to start a conversation", document.ErrInvalidInput)
			}
			convID = uuid.NewString()
		}
		userID := input.UserID
		if userID == "" {
			userID = defaultUser
		}

		reply, err := asker.Ask(ctx, chat.AskRequest{
			ConversationID: convID,
			UserID:         userID,
			Query:          input.Question,
			Scope:          document.Scope{ProjectID: input.ProjectID, DocumentIDs: input.DocumentIDs},
		})
		if err != nil {
			return nil, AskOutput{}, fmt.Errorf("ask failed: %w", err)
		}

		return nil, AskOutput{
			ConversationID: convID,
			Answer:         reply.Answer.Content,
			Grounded:       reply.Grounded,
			Sources:        toSourceChunks(reply.Sources),
			Sequence:       reply.Answer.Sequence,
		}, nil
	}
}

// makeSearchHandler creates the search_documents tool handler.
// Results below MinScore are dropped after ranking.
func makeSearchHandler(asker Asker) func(
	context.Context, *mcp.CallToolRequest, SearchInput,
) (*mcp.CallToolResult, SearchOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchInput) (
		*mcp.CallToolResult, SearchOutput, error,
	) {
		maxResults := input.MaxResults
		if maxResults <= 0 {
			maxResults = defaultMaxResults
		}
		maxResults = min(maxResults, maxMaxResults)

		scope := document.Scope{ProjectID: input.ProjectID, DocumentIDs: input.DocumentIDs}
		results, err := asker.Search(ctx, scope, input.Query, maxResults)
		if err != nil {
			return nil, SearchOutput{}, fmt.Errorf("search failed: %w", err)
		}

		kept := results[:0]
		for _, r := range results {
			if r.Score >= input.MinScore {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			return nil, SearchOutput{
				Results: []SourceChunk{},
				Message: "No matching passages found. Try broader search terms or check that the documents are ready.",
			}, nil
		}
		return nil, SearchOutput{Results: toSourceChunks(kept)}, nil
	}
}

// makeStatusHandler creates the document_status tool handler.
// It reports one document when an id is given, otherwise every document
// of the project.
func makeStatusHandler(docs Documents) func(
	context.Context, *mcp.CallToolRequest, StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		if input.DocumentID != "" {
			doc, err := docs.Status(ctx, input.DocumentID)
			if err != nil {
				return nil, StatusOutput{}, fmt.Errorf("failed to get document: %w", err)
			}
			return nil, StatusOutput{Documents: []DocumentStatus{toDocumentStatus(*doc)}, Count: 1}, nil
		}
		if input.ProjectID == "" {
			return nil, StatusOutput{}, fmt.Errorf("%w: document_id or project_id is required", document.ErrInvalidInput)
		}

		list, err := docs.List(ctx, input.ProjectID)
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("failed to list documents: %w", err)
		}
		out := StatusOutput{Documents: make([]DocumentStatus, 0, len(list)), Count: len(list)}
		for _, doc := range list {
			out.Documents = append(out.Documents, toDocumentStatus(doc))
		}
		return nil, out, nil
	}
}

func toSourceChunks(results []document.RetrievalResult) []SourceChunk {
	out := make([]SourceChunk, 0, len(results))
	for _, r := range results {
		out = append(out, SourceChunk{
			Rank:       r.Rank,
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Pages:      document.FormatPageRange(r.FirstPage, r.LastPage),
			Score:      r.Score,
			Text:       r.Text,
		})
	}
	return out
}

func toDocumentStatus(doc document.Document) DocumentStatus {
	s := DocumentStatus{
		DocumentID:         doc.ID,
		ProjectID:          doc.ProjectID,
		SourceRef:          doc.SourceRef,
		Status:             string(doc.Status),
		FailureReason:      doc.FailureReason,
		PageCount:          doc.PageCount,
		FailedPages:        []int{},
		LowConfidencePages: []int{},
		UpdatedAt:          doc.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, p := range doc.Pages {
		if p.Error != "" {
			s.FailedPages = append(s.FailedPages, p.PageNumber)
		} else if p.LowConfidence {
			s.LowConfidencePages = append(s.LowConfidencePages, p.PageNumber)
		}
	}
	return s
}
