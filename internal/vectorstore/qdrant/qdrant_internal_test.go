package qdrant

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/retry"
)

func newOfflineStore() *Store {
	return &Store{
		policy: retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond},
		logger: slog.Default(),
		dims:   make(map[string]int),
	}
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantSentinel error
		wantAttempts int
	}{
		{
			name:         "missing collection",
			err:          status.Error(codes.NotFound, "Collection `docchat_p1` doesn't exist!"),
			wantSentinel: document.ErrNotFound,
			wantAttempts: 1,
		},
		{
			name:         "unreachable",
			err:          status.Error(codes.Unavailable, "connection refused"),
			wantSentinel: document.ErrVectorStoreUnavailable,
			wantAttempts: 2,
		},
		{
			name:         "rejected request",
			err:          status.Error(codes.InvalidArgument, "bad filter"),
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newOfflineStore()
			attempts := 0
			err := s.do(context.Background(), "get collection", func(context.Context) error {
				attempts++
				return tt.err
			})

			assert.Error(t, err)
			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, status.Code(tt.err), status.Code(err))
			if tt.wantSentinel != nil {
				assert.ErrorIs(t, err, tt.wantSentinel)
			} else {
				assert.False(t, errors.Is(err, document.ErrVectorStoreUnavailable))
				assert.False(t, errors.Is(err, document.ErrNotFound))
			}
		})
	}
}

func TestDo_MissingCollectionIsNotUnavailable(t *testing.T) {
	s := newOfflineStore()
	err := s.do(context.Background(), "delete", func(context.Context) error {
		return status.Error(codes.NotFound, "Collection `docchat_p1` doesn't exist!")
	})
	assert.ErrorIs(t, err, document.ErrNotFound)
	assert.NotErrorIs(t, err, document.ErrVectorStoreUnavailable)
}
