package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/bull/docchat/internal/document"
)

// EnsureConversation returns the stored conversation with conv.ID, creating
// it from conv on first use. A conversation belongs to one user.
func (s *Store) EnsureConversation(ctx context.Context, conv document.Conversation) (*document.Conversation, error) {
	if conv.ID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", document.ErrInvalidInput)
	}
	docIDs, err := json.Marshal(nonNilStrings(conv.Scope.DocumentIDs))
	if err != nil {
		return nil, err
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, project_id, document_ids, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		conv.ID, conv.UserID, conv.Scope.ProjectID, string(docIDs), formatTime(conv.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("creating conversation %s: %w", conv.ID, err)
	}

	stored, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if stored.UserID != conv.UserID {
		return nil, fmt.Errorf("%w: conversation %s belongs to another user", document.ErrInvalidInput, conv.ID)
	}
	return stored, nil
}

// GetConversation returns the conversation or document.ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*document.Conversation, error) {
	var (
		conv      document.Conversation
		docIDs    string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, project_id, document_ids, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.UserID, &conv.Scope.ProjectID, &docIDs, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(docIDs), &conv.Scope.DocumentIDs); err != nil {
		return nil, fmt.Errorf("decoding conversation scope: %w", err)
	}
	if len(conv.Scope.DocumentIDs) == 0 {
		conv.Scope.DocumentIDs = nil
	}
	conv.CreatedAt = parseTime(createdAt)
	return &conv, nil
}

// AppendMessages appends msgs to the conversation in one transaction,
// assigning consecutive sequence numbers after the current last message.
// The stored messages are returned.
func (s *Store) AppendMessages(ctx context.Context, conversationID string, msgs ...document.ChatMessage) ([]document.ChatMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("reading last sequence: %w", err)
	}

	now := s.now()
	stored := make([]document.ChatMessage, len(msgs))
	for i, m := range msgs {
		m.ConversationID = conversationID
		m.Sequence = last + int64(i) + 1
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		citations, err := json.Marshal(nonNilStrings(m.Citations))
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, seq, role, content, citations, failed, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, m.Sequence, string(m.Role), m.Content, string(citations),
			m.Failed, m.Error, formatTime(m.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("appending message: %w", err)
		}
		stored[i] = m
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing messages: %w", err)
	}
	return stored, nil
}

// Messages returns the last lastN messages of a conversation in sequence
// order, or all of them when lastN <= 0.
func (s *Store) Messages(ctx context.Context, conversationID string, lastN int) ([]document.ChatMessage, error) {
	return s.messages(ctx, conversationID, lastN, false)
}

// RecentHistory returns the most recent n messages of completed turns in
// sequence order. Messages of failed turns are skipped.
func (s *Store) RecentHistory(ctx context.Context, conversationID string, n int) ([]document.ChatMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.messages(ctx, conversationID, n, true)
}

func (s *Store) messages(ctx context.Context, conversationID string, lastN int, skipFailed bool) ([]document.ChatMessage, error) {
	query := `SELECT conversation_id, seq, role, content, citations, failed, error, created_at
		FROM messages WHERE conversation_id = ?`
	if skipFailed {
		query += ` AND failed = 0`
	}
	query += ` ORDER BY seq DESC`
	args := []any{conversationID}
	if lastN > 0 {
		query += ` LIMIT ?`
		args = append(args, lastN)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []document.ChatMessage
	for rows.Next() {
		var (
			m         document.ChatMessage
			role      string
			citations string
			createdAt string
		)
		if err := rows.Scan(&m.ConversationID, &m.Sequence, &role, &m.Content, &citations,
			&m.Failed, &m.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = document.Role(role)
		m.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(citations), &m.Citations); err != nil {
			return nil, fmt.Errorf("decoding citations: %w", err)
		}
		if len(m.Citations) == 0 {
			m.Citations = nil
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
