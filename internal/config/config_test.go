package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, Default().OCR, cfg.OCR)
	assert.Equal(t, 10, cfg.OCR.PagesPerBatch)
	assert.Equal(t, 50, cfg.OCR.MaxPages)
	assert.Equal(t, "qdrant", cfg.Vector.Backend)
	assert.Equal(t, 6334, cfg.Vector.Qdrant.Port)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, "gpt-4o", cfg.Completion.Model)
	assert.Equal(t, 60*time.Second, cfg.Completion.Timeout)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("PORT", "")
	path := writeConfig(t, `
server:
  addr: ":9090"
log:
  level: debug
  format: json
vector:
  backend: chroma
  chroma:
    url: http://chroma:8000
embedding:
  provider: hash
ocr:
  max_pages_per_batch: 5
  max_pages: 0
  page_timeout: 15s
  prefer_text_layer: true
chunker:
  size: 800
  overlap: 100
completion:
  provider: gemini
  timeout: 2m
retry:
  max_attempts: 3
  initial_interval: 250ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "chroma", cfg.Vector.Backend)
	assert.Equal(t, "http://chroma:8000", cfg.Vector.Chroma.URL)
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	assert.Empty(t, cfg.Embedding.Model)
	assert.Equal(t, 5, cfg.OCR.PagesPerBatch)
	assert.Zero(t, cfg.OCR.MaxPages, "zero disables the page limit")
	assert.Equal(t, 15*time.Second, cfg.OCR.PageTimeout)
	assert.True(t, cfg.OCR.PreferTextLayer)
	assert.Equal(t, 800, cfg.Chunker.Size)
	assert.Equal(t, "gemini-2.5-flash", cfg.Completion.Model)
	assert.Equal(t, 2*time.Minute, cfg.Completion.Timeout)

	policy := cfg.Retry.Policy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, policy.InitialInterval)
	assert.Equal(t, 10*time.Second, policy.MaxInterval)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("QDRANT_HOST", "qdrant.internal")
	t.Setenv("QDRANT_PORT", "7334")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GITHUB_TOKEN", "ghp-test")
	t.Setenv("PORT", "3000")
	t.Setenv("DOCCHAT_OCR_MAX_PAGES", "200")

	cfg, err := Load(writeConfig(t, "vector:\n  qdrant:\n    host: from-file\n"))
	require.NoError(t, err)

	assert.Equal(t, "qdrant.internal", cfg.Vector.Qdrant.Host)
	assert.Equal(t, 7334, cfg.Vector.Qdrant.Port)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "sk-test", cfg.Completion.APIKey)
	assert.Equal(t, "ghp-test", cfg.Source.GitHubToken)
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, 200, cfg.OCR.MaxPages)
}

func TestLoad_GeminiKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GEMINI_API_KEY", "gm-test")
	t.Setenv("DOCCHAT_COMPLETION_PROVIDER", "gemini")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gm-test", cfg.Completion.APIKey)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
}

func TestLoad_BadEnvironmentValue(t *testing.T) {
	t.Setenv("QDRANT_PORT", "not-a-port")
	_, err := Load("")
	assert.ErrorContains(t, err, "QDRANT_PORT")
}

func TestLoad_InvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, `
vector:
  backend: pinecone
chunker:
  size: 100
  overlap: 100
log:
  level: loud
`))
	require.Error(t, err)
	assert.ErrorContains(t, err, "vector.backend")
	assert.ErrorContains(t, err, "chunker.overlap")
	assert.ErrorContains(t, err, "log.level")
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unterminated"))
	assert.Error(t, err)
}

func TestLogConfig_Logger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)

	logger.Info("Hidden")
	logger.Warn("Shown", "document", "doc-1")

	out := buf.String()
	assert.NotContains(t, out, "Hidden")
	assert.Contains(t, out, `"msg":"Shown"`)
	assert.Contains(t, out, `"document":"doc-1"`)
}
