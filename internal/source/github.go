package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v81/github"

	"github.com/bull/docchat/internal/document"
)

const githubScheme = "github://"

// GitHubRef is a parsed github:// reference.
type GitHubRef struct {
	Owner string
	Repo  string
	Path  string
	Ref   string // Branch, tag or commit; empty for the default branch
}

func (r GitHubRef) String() string {
	s := githubScheme + r.Owner + "/" + r.Repo + "/" + r.Path
	if r.Ref != "" {
		s += "@" + r.Ref
	}
	return s
}

// ParseGitHubRef parses github://owner/repo/path[@ref].
func ParseGitHubRef(ref string) (GitHubRef, error) {
	rest, ok := strings.CutPrefix(ref, githubScheme)
	if !ok {
		return GitHubRef{}, fmt.Errorf("%w: not a github reference: %s", document.ErrInvalidInput, ref)
	}
	var r GitHubRef
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest, r.Ref = rest[:at], rest[at+1:]
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return GitHubRef{}, fmt.Errorf("%w: github reference needs owner and repo: %s", document.ErrInvalidInput, ref)
	}
	r.Owner, r.Repo = parts[0], parts[1]
	if len(parts) == 3 {
		r.Path = strings.Trim(parts[2], "/")
	}
	return r, nil
}

// GitHubConfig configures the GitHub resolver.
type GitHubConfig struct {
	Token   string // Optional; raises the API rate limit
	BaseURL string // API endpoint override, e.g. for GitHub Enterprise
	TempDir string // Where downloads are written, "" for os.TempDir
}

// GitHub fetches documents from GitHub repositories. Rate limits are
// handled by waiting for the limit to reset.
type GitHub struct {
	client  *github.Client
	http    *http.Client
	tempDir string
	logger  *slog.Logger
}

// NewGitHub creates a GitHub resolver.
func NewGitHub(cfg GitHubConfig, logger *slog.Logger) (*GitHub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Covers primary limits and secondary (abuse) limits.
	rateLimited, err := github_ratelimit.NewRateLimitWaiterClient(nil)
	if err != nil {
		return nil, fmt.Errorf("creating rate limited client: %w", err)
	}

	client := github.NewClient(rateLimited)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("%w: github base url: %v", document.ErrInvalidInput, err)
		}
		client.BaseURL = base
	}
	return &GitHub{client: client, http: rateLimited, tempDir: cfg.TempDir, logger: logger}, nil
}

// Fetch downloads a single file to a temporary location.
func (g *GitHub) Fetch(ctx context.Context, ref string) (*Fetched, error) {
	r, err := ParseGitHubRef(ref)
	if err != nil {
		return nil, err
	}
	if r.Path == "" {
		return nil, fmt.Errorf("%w: github reference has no file path: %s", document.ErrInvalidInput, ref)
	}

	file, _, resp, err := g.client.Repositories.GetContents(ctx, r.Owner, r.Repo, r.Path, g.getOptions(r))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("source %s: %w", ref, document.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get content of %s: %w", ref, err)
	}
	if file == nil {
		return nil, fmt.Errorf("%w: %s is a directory", document.ErrInvalidInput, ref)
	}

	body, err := g.open(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", ref, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(g.tempDir, "docchat-github-*"+path.Ext(r.Path))
	if err != nil {
		return nil, err
	}
	cleanup := func() { os.Remove(tmp.Name()) }
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		cleanup()
		return nil, fmt.Errorf("failed to download %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return nil, err
	}

	g.logger.Debug("Fetched document", "ref", ref, "sha", file.GetSHA(), "size", file.GetSize())
	return &Fetched{Ref: ref, Path: tmp.Name(), Version: file.GetSHA(), cleanup: cleanup}, nil
}

// open returns the file body, following the download URL for files too
// large to be inlined by the contents API.
func (g *GitHub) open(ctx context.Context, file *github.RepositoryContent) (io.ReadCloser, error) {
	content, err := file.GetContent()
	if err == nil && content != "" {
		return io.NopCloser(strings.NewReader(content)), nil
	}
	if file.GetDownloadURL() == "" {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no content or download url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.GetDownloadURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download returned %s", resp.Status)
	}
	return resp.Body, nil
}

// List returns the references of every PDF below the reference's path,
// recursing into subdirectories. A reference to a file returns itself.
func (g *GitHub) List(ctx context.Context, ref string) ([]string, error) {
	r, err := ParseGitHubRef(ref)
	if err != nil {
		return nil, err
	}
	return g.listRecursive(ctx, r)
}

func (g *GitHub) listRecursive(ctx context.Context, r GitHubRef) ([]string, error) {
	file, dir, _, err := g.client.Repositories.GetContents(ctx, r.Owner, r.Repo, r.Path, g.getOptions(r))
	if err != nil {
		return nil, fmt.Errorf("failed to get contents of %s: %w", r, err)
	}
	if file != nil {
		return []string{r.String()}, nil
	}

	var refs []string
	for _, item := range dir {
		child := r
		child.Path = item.GetPath()
		switch item.GetType() {
		case "file":
			if strings.EqualFold(path.Ext(item.GetName()), ".pdf") {
				refs = append(refs, child.String())
			}
		case "dir":
			sub, err := g.listRecursive(ctx, child)
			if err != nil {
				return nil, err
			}
			refs = append(refs, sub...)
		}
	}
	return refs, nil
}

func (g *GitHub) getOptions(r GitHubRef) *github.RepositoryContentGetOptions {
	if r.Ref == "" {
		return nil
	}
	return &github.RepositoryContentGetOptions{Ref: r.Ref}
}
