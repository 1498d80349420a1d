package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/source"
)

// interruptedReason is recorded on documents whose run did not survive a restart.
const interruptedReason = "ingestion interrupted before completion"

// StatusEvent reports a document status change.
type StatusEvent struct {
	DocumentID string
	Status     document.Status
	Reason     string
	At         time.Time
}

// FailedDoc represents a document that failed to re-ingest.
type FailedDoc struct {
	DocumentID string
	Ref        string
	Reason     string
}

// ReindexResult contains statistics about a project re-ingestion.
type ReindexResult struct {
	Succeeded  int
	FailedDocs []FailedDoc
	Pruned     bool // Vectors of older model versions were removed
	Duration   time.Duration
}

// run is an active ingestion or deletion of one document.
type run struct {
	done chan struct{}
}

// Service accepts ingestion requests and runs them through the Pipeline.
// At most one run per document id is active at a time.
type Service struct {
	pipeline *Pipeline
	resolver source.Resolver
	statuses StatusStore
	logger   *slog.Logger

	mu      sync.Mutex
	runs    map[string]*run
	subs    map[string]map[int]chan StatusEvent
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates an ingestion service. Asynchronous runs stop when
// Close is called.
func NewService(pipeline *Pipeline, resolver source.Resolver, statuses StatusStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		pipeline: pipeline,
		resolver: resolver,
		statuses: statuses,
		logger:   logger,
		runs:     make(map[string]*run),
		subs:     make(map[string]map[int]chan StatusEvent),
		ctx:      ctx,
		cancel:   cancel,
	}
	pipeline.onStatus = s.publish
	return s
}

// Recover marks documents left mid-ingestion by a previous process as
// failed, so they can be submitted again.
func (s *Service) Recover(ctx context.Context) (int, error) {
	n, err := s.statuses.FailInterrupted(ctx, interruptedReason)
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted runs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Marked interrupted ingestions failed", "count", n)
	}
	return n, nil
}

// Submit starts ingesting ref in the background and returns the document
// id. Submitting the same reference again re-ingests the same document.
func (s *Service) Submit(ctx context.Context, ref, userID, projectID string) (string, error) {
	doc, r, err := s.begin(ctx, ref, userID, projectID)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(s.ctx, doc, r); err != nil {
			s.logger.Debug("Background ingestion ended with error", "document", doc.ID, "error", err)
		}
	}()
	return doc.ID, nil
}

// Ingest runs an ingestion synchronously.
func (s *Service) Ingest(ctx context.Context, ref, userID, projectID string) (*Result, error) {
	doc, r, err := s.begin(ctx, ref, userID, projectID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, doc, r)
}

// Status returns the document record with its status and page reports.
func (s *Service) Status(ctx context.Context, id string) (*document.Document, error) {
	return s.statuses.GetDocument(ctx, id)
}

// List returns the documents of a project; an empty projectID lists all.
func (s *Service) List(ctx context.Context, projectID string) ([]document.Document, error) {
	return s.statuses.ListDocuments(ctx, projectID)
}

// Subscribe delivers status changes of a document until cancel is called.
// Slow subscribers miss events rather than blocking ingestion.
func (s *Service) Subscribe(id string) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 16)

	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]chan StatusEvent)
	}
	s.subs[id][key] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[id], key)
			if len(s.subs[id]) == 0 {
				delete(s.subs, id)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Wait blocks until no run of the document is active and returns its record.
func (s *Service) Wait(ctx context.Context, id string) (*document.Document, error) {
	s.mu.Lock()
	r := s.runs[id]
	s.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.statuses.GetDocument(ctx, id)
}

// Delete removes every vector of the document, then its record. It is
// rejected with document.ErrIngestionInProgress while a run is active.
func (s *Service) Delete(ctx context.Context, id string) error {
	r, err := s.claim(id)
	if err != nil {
		return err
	}
	defer s.release(id, r)

	doc, err := s.statuses.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if !doc.Status.Terminal() {
		return fmt.Errorf("document %s is %s: %w", id, doc.Status, document.ErrIngestionInProgress)
	}

	collection := s.pipeline.Collection(doc.ProjectID)
	if err := s.pipeline.vectors.DeleteByDocument(ctx, collection, id); err != nil && !errors.Is(err, document.ErrNotFound) {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if err := s.statuses.DeleteDocument(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Deleted document", "document", id, "ref", doc.SourceRef)
	return nil
}

// Reindex re-ingests every settled document of a project, for example
// after switching embedding models. When all succeed, vectors of other
// model versions are pruned from the project's collection.
func (s *Service) Reindex(ctx context.Context, projectID string) (*ReindexResult, error) {
	start := time.Now()
	docs, err := s.statuses.ListDocuments(ctx, projectID)
	if err != nil {
		return nil, err
	}

	result := &ReindexResult{}
	for _, doc := range docs {
		if !doc.Status.Terminal() {
			continue
		}
		if _, err := s.Ingest(ctx, doc.SourceRef, doc.UserID, doc.ProjectID); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.FailedDocs = append(result.FailedDocs, FailedDoc{DocumentID: doc.ID, Ref: doc.SourceRef, Reason: err.Error()})
			continue
		}
		result.Succeeded++
	}

	if len(result.FailedDocs) == 0 && result.Succeeded > 0 {
		collection := s.pipeline.Collection(projectID)
		if err := s.pipeline.vectors.PruneModelVersions(ctx, collection, s.pipeline.vectorizer.ModelVersion()); err != nil {
			return nil, fmt.Errorf("prune model versions: %w", err)
		}
		result.Pruned = true
	}
	result.Duration = time.Since(start)

	s.logger.Info("Reindex complete",
		"project", projectID,
		"successful", result.Succeeded,
		"failed", len(result.FailedDocs),
		"pruned", result.Pruned,
		"duration", result.Duration,
	)
	return result, nil
}

// Close stops background runs and waits for them to record their outcome.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// begin claims the document and records it as pending.
func (s *Service) begin(ctx context.Context, ref, userID, projectID string) (*document.Document, *run, error) {
	if strings.TrimSpace(ref) == "" || strings.TrimSpace(projectID) == "" {
		return nil, nil, fmt.Errorf("%w: source reference and project are required", document.ErrInvalidInput)
	}
	ref = source.Canonical(ref)
	id := document.DocumentID(projectID, ref)

	r, err := s.claim(id)
	if err != nil {
		return nil, nil, err
	}

	doc, err := s.prepare(ctx, id, ref, userID, projectID)
	if err != nil {
		s.release(id, r)
		return nil, nil, err
	}
	s.publish(doc)
	return doc, r, nil
}

func (s *Service) prepare(ctx context.Context, id, ref, userID, projectID string) (*document.Document, error) {
	existing, err := s.statuses.GetDocument(ctx, id)
	switch {
	case errors.Is(err, document.ErrNotFound):
		doc := &document.Document{
			ID:        id,
			UserID:    userID,
			ProjectID: projectID,
			SourceRef: ref,
			Status:    document.StatusPending,
		}
		if err := s.statuses.SaveDocument(ctx, doc); err != nil {
			return nil, err
		}
		return doc, nil
	case err != nil:
		return nil, err
	case !existing.Status.Terminal():
		return nil, fmt.Errorf("document %s is %s: %w", id, existing.Status, document.ErrIngestionInProgress)
	}
	return s.statuses.UpdateStatus(ctx, id, document.StatusPending, "")
}

func (s *Service) execute(ctx context.Context, doc *document.Document, r *run) (*Result, error) {
	defer s.release(doc.ID, r)

	s.logger.Info("Starting ingestion", "document", doc.ID, "ref", doc.SourceRef, "project", doc.ProjectID)
	fetched, err := s.resolver.Fetch(ctx, doc.SourceRef)
	if err != nil {
		err = fmt.Errorf("fetch: %w", err)
		if failed, serr := s.statuses.UpdateStatus(context.WithoutCancel(ctx), doc.ID, document.StatusFailed, err.Error()); serr == nil {
			s.publish(failed)
		}
		return nil, err
	}
	defer fetched.Close()

	return s.pipeline.Run(ctx, doc, fetched.Path)
}

func (s *Service) claim(id string) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.runs[id]; busy {
		return nil, fmt.Errorf("document %s: %w", id, document.ErrIngestionInProgress)
	}
	r := &run{done: make(chan struct{})}
	s.runs[id] = r
	return r, nil
}

func (s *Service) release(id string, r *run) {
	s.mu.Lock()
	if s.runs[id] == r {
		delete(s.runs, id)
	}
	s.mu.Unlock()
	close(r.done)
}

func (s *Service) publish(doc *document.Document) {
	event := StatusEvent{
		DocumentID: doc.ID,
		Status:     doc.Status,
		Reason:     doc.FailureReason,
		At:         doc.UpdatedAt,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[doc.ID] {
		select {
		case ch <- event:
		default:
		}
	}
}
