package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/source"
)

// DefaultSettleDelay is how long a file must stay quiet before it is ingested.
const DefaultSettleDelay = 2 * time.Second

// Watcher ingests PDFs dropped into an inbox directory and deletes the
// documents of files removed from it.
type Watcher struct {
	svc       *Service
	dir       string
	userID    string
	projectID string
	settle    time.Duration
	logger    *slog.Logger
}

// NewWatcher creates a Watcher for dir. Documents are owned by userID in projectID.
func NewWatcher(svc *Service, dir, userID, projectID string, settle time.Duration, logger *slog.Logger) *Watcher {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		svc:       svc,
		dir:       dir,
		userID:    userID,
		projectID: projectID,
		settle:    settle,
		logger:    logger,
	}
}

type fileOp struct {
	path   string
	remove bool
}

// Run submits the PDFs already in the directory, then watches it until ctx
// ends. Writes are coalesced: a file is submitted once it has been quiet
// for the settle delay.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("Watching inbox", "dir", w.dir, "project", w.projectID)

	ops := make(chan fileOp)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()
	schedule := func(op fileOp, delay time.Duration) {
		if t, ok := timers[op.path]; ok {
			t.Stop()
		}
		timers[op.path] = time.AfterFunc(delay, func() {
			select {
			case ops <- op:
			case <-ctx.Done():
			}
		})
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && isPDF(e.Name()) {
			schedule(fileOp{path: filepath.Join(w.dir, e.Name())}, 0)
		}
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isPDF(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				schedule(fileOp{path: event.Name}, w.settle)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				// Rename is reported on the old name.
				schedule(fileOp{path: event.Name, remove: true}, 0)
			}

		case op := <-ops:
			delete(timers, op.path)
			if retryAfter := w.apply(ctx, op); retryAfter > 0 {
				schedule(op, retryAfter)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", "dir", w.dir, "error", err)

		case <-ctx.Done():
			w.logger.Info("Stopped watching inbox", "dir", w.dir)
			return nil
		}
	}
}

// apply performs op and returns a delay after which it should be retried,
// or zero when it is done.
func (w *Watcher) apply(ctx context.Context, op fileOp) time.Duration {
	if op.remove {
		id := document.DocumentID(w.projectID, source.Canonical(op.path))
		err := w.svc.Delete(ctx, id)
		switch {
		case err == nil, errors.Is(err, document.ErrNotFound):
		case errors.Is(err, document.ErrIngestionInProgress):
			return w.settle
		default:
			w.logger.Warn("Failed to delete removed file", "path", op.path, "error", err)
		}
		return 0
	}

	if _, err := os.Stat(op.path); err != nil {
		// Removed before it settled.
		return 0
	}
	id, err := w.svc.Submit(ctx, op.path, w.userID, w.projectID)
	switch {
	case err == nil:
		w.logger.Info("Submitted file", "path", op.path, "document", id)
	case errors.Is(err, document.ErrIngestionInProgress):
		return w.settle
	default:
		w.logger.Warn("Failed to submit file", "path", op.path, "error", err)
	}
	return 0
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}
