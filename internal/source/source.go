// Package source resolves document references to local files.
//
// A reference is either a local path (optionally prefixed with file://) or
// a GitHub reference of the form github://owner/repo/path/to/file.pdf@ref.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bull/docchat/internal/document"
)

// Fetched is a resolved document available on local disk.
type Fetched struct {
	Ref     string
	Path    string
	Version string // Blob SHA for remote sources, empty for local files
	cleanup func()
}

// Close releases any temporary copy of the document.
func (f *Fetched) Close() error {
	if f.cleanup != nil {
		f.cleanup()
		f.cleanup = nil
	}
	return nil
}

// Resolver turns a reference into a local file.
type Resolver interface {
	Fetch(ctx context.Context, ref string) (*Fetched, error)
}

// Mux dispatches references to the resolver for their scheme.
type Mux struct {
	GitHub *GitHub // Nil disables github:// references
}

func (m *Mux) Fetch(ctx context.Context, ref string) (*Fetched, error) {
	if strings.HasPrefix(ref, githubScheme) {
		if m.GitHub == nil {
			return nil, fmt.Errorf("%w: github references are not configured: %s", document.ErrInvalidInput, ref)
		}
		return m.GitHub.Fetch(ctx, ref)
	}
	return Local{}.Fetch(ctx, ref)
}

// Local resolves references on the local filesystem.
type Local struct{}

func (Local) Fetch(ctx context.Context, ref string) (*Fetched, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(ref, "file://")
	if path == "" {
		return nil, fmt.Errorf("%w: empty source reference", document.ErrInvalidInput)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", document.ErrInvalidInput, ref, err)
	}
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("source %s: %w", ref, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", ref, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", document.ErrInvalidInput, ref)
	}
	return &Fetched{Ref: ref, Path: abs}, nil
}

// Canonical normalizes a reference so that equal documents get equal ids:
// local paths become absolute, GitHub references are kept verbatim.
func Canonical(ref string) string {
	if strings.HasPrefix(ref, githubScheme) {
		return ref
	}
	path := strings.TrimPrefix(ref, "file://")
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
