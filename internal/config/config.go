// Package config loads docchat configuration from a YAML file, a .env file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bull/docchat/internal/retry"
)

// DefaultMaxPages is the default document page limit.
const DefaultMaxPages = 50

// ServerConfig configures cmd/docchat-server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Mode            string        `yaml:"mode"` // "http" or "stdio"
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StoreConfig locates the SQLite database holding statuses and chat history.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"-"`
	UseTLS bool   `yaml:"use_tls"`
}

// ChromaConfig contains connection details for a Chroma vector store.
type ChromaConfig struct {
	URL string `yaml:"url"`
}

// VectorConfig selects and configures the vector store implementation.
type VectorConfig struct {
	Backend          string       `yaml:"backend"` // qdrant, chroma or memory
	CollectionPrefix string       `yaml:"collection_prefix"`
	Qdrant           QdrantConfig `yaml:"qdrant"`
	Chroma           ChromaConfig `yaml:"chroma"`
}

// EmbeddingConfig selects and configures the vectorizer.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // openai or hash
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
	CacheSize int    `yaml:"cache_size"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"-"`
}

// OCRConfig configures splitting and text extraction.
type OCRConfig struct {
	PagesPerBatch   int           `yaml:"max_pages_per_batch"`
	MaxPages        int           `yaml:"max_pages"` // 0 for unlimited
	Workers         int           `yaml:"workers"`
	MinConfidence   float64       `yaml:"min_confidence"`
	PageTimeout     time.Duration `yaml:"page_timeout"`
	Tesseract       string        `yaml:"tesseract"`
	Pdftoppm        string        `yaml:"pdftoppm"`
	Language        string        `yaml:"language"`
	DPI             int           `yaml:"dpi"`
	PreferTextLayer bool          `yaml:"prefer_text_layer"`
}

// ChunkerConfig configures how page text is split into chunks.
type ChunkerConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// ChatConfig tunes retrieval for chat turns.
type ChatConfig struct {
	TopK            int `yaml:"top_k"`
	HistoryTurns    int `yaml:"history_turns"`
	MaxContextChars int `yaml:"max_context_chars"`
}

// CompletionConfig selects and configures the chat model.
type CompletionConfig struct {
	Provider          string        `yaml:"provider"` // openai or gemini
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxTokens         int           `yaml:"max_tokens"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	APIKey            string        `yaml:"-"`
}

// RetryConfig is the retry policy shared by all external capabilities.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
}

// Policy converts the configuration into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		MaxElapsed:      r.MaxElapsed,
	}
}

// SourceConfig configures remote document sources.
type SourceConfig struct {
	GitHubBaseURL string `yaml:"github_base_url"`
	GitHubToken   string `yaml:"-"`
}

// WatchConfig configures the inbox directory watcher.
type WatchConfig struct {
	Dir         string        `yaml:"dir"`
	ProjectID   string        `yaml:"project"`
	UserID      string        `yaml:"user"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Vector     VectorConfig     `yaml:"vector"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	OCR        OCRConfig        `yaml:"ocr"`
	Chunker    ChunkerConfig    `yaml:"chunker"`
	Chat       ChatConfig       `yaml:"chat"`
	Completion CompletionConfig `yaml:"completion"`
	Retry      RetryConfig      `yaml:"retry"`
	Source     SourceConfig     `yaml:"source"`
	Watch      WatchConfig      `yaml:"watch"`
}

// Load reads the config at path. A missing file yields the defaults. A
// .env file in the working directory is loaded first if present (local
// development); variables already set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	// An explicit max_pages of 0 disables the limit, so its default is set
	// before the file is read.
	cfg := &Config{OCR: OCRConfig{MaxPages: DefaultMaxPages}}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	cfg := &Config{OCR: OCRConfig{MaxPages: DefaultMaxPages}}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.Server.Addr, ":8080")
	setDefault(&cfg.Server.Mode, "http")
	setDefault(&cfg.Server.ShutdownTimeout, 10*time.Second)

	setDefault(&cfg.Log.Level, "info")
	setDefault(&cfg.Log.Format, "text")

	setDefault(&cfg.Store.Path, "data/docchat.db")

	setDefault(&cfg.Vector.Backend, "qdrant")
	setDefault(&cfg.Vector.CollectionPrefix, "docchat")
	setDefault(&cfg.Vector.Qdrant.Host, "localhost")
	setDefault(&cfg.Vector.Qdrant.Port, 6334)
	setDefault(&cfg.Vector.Chroma.URL, "http://localhost:8000")

	setDefault(&cfg.Embedding.Provider, "openai")
	if cfg.Embedding.Provider == "openai" {
		setDefault(&cfg.Embedding.Model, "text-embedding-3-small")
		setDefault(&cfg.Embedding.Dimension, 1536)
	} else {
		setDefault(&cfg.Embedding.Dimension, 384)
	}
	setDefault(&cfg.Embedding.BatchSize, 64)
	setDefault(&cfg.Embedding.CacheSize, 4096)

	setDefault(&cfg.OCR.PagesPerBatch, 10)
	setDefault(&cfg.OCR.Workers, 4)
	setDefault(&cfg.OCR.MinConfidence, 60)
	setDefault(&cfg.OCR.PageTimeout, 60*time.Second)
	setDefault(&cfg.OCR.Tesseract, "tesseract")
	setDefault(&cfg.OCR.Pdftoppm, "pdftoppm")
	setDefault(&cfg.OCR.Language, "eng")
	setDefault(&cfg.OCR.DPI, 300)

	setDefault(&cfg.Chunker.Size, 1000)
	setDefault(&cfg.Chunker.Overlap, 150)

	setDefault(&cfg.Chat.TopK, 5)
	setDefault(&cfg.Chat.HistoryTurns, 6)
	setDefault(&cfg.Chat.MaxContextChars, 12000)

	setDefault(&cfg.Completion.Provider, "openai")
	switch cfg.Completion.Provider {
	case "openai":
		setDefault(&cfg.Completion.Model, "gpt-4o")
	case "gemini":
		setDefault(&cfg.Completion.Model, "gemini-2.5-flash")
	}
	setDefault(&cfg.Completion.Timeout, 60*time.Second)
	setDefault(&cfg.Completion.MaxTokens, 16000)
	setDefault(&cfg.Completion.Burst, 1)

	def := retry.Default()
	setDefault(&cfg.Retry.MaxAttempts, def.MaxAttempts)
	setDefault(&cfg.Retry.InitialInterval, def.InitialInterval)
	setDefault(&cfg.Retry.MaxInterval, def.MaxInterval)
	setDefault(&cfg.Retry.MaxElapsed, def.MaxElapsed)

	setDefault(&cfg.Watch.ProjectID, "default")
	setDefault(&cfg.Watch.UserID, "local")
	setDefault(&cfg.Watch.SettleDelay, 2*time.Second)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// applyEnv overrides file values with environment variables.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"DOCCHAT_SERVER_ADDR":         &cfg.Server.Addr,
		"DOCCHAT_LOG_LEVEL":           &cfg.Log.Level,
		"DOCCHAT_LOG_FORMAT":          &cfg.Log.Format,
		"DOCCHAT_STORE_PATH":          &cfg.Store.Path,
		"DOCCHAT_VECTOR_BACKEND":      &cfg.Vector.Backend,
		"DOCCHAT_COLLECTION_PREFIX":   &cfg.Vector.CollectionPrefix,
		"QDRANT_HOST":                 &cfg.Vector.Qdrant.Host,
		"QDRANT_API_KEY":              &cfg.Vector.Qdrant.APIKey,
		"CHROMA_URL":                  &cfg.Vector.Chroma.URL,
		"DOCCHAT_EMBEDDING_PROVIDER":  &cfg.Embedding.Provider,
		"DOCCHAT_EMBEDDING_MODEL":     &cfg.Embedding.Model,
		"OPENAI_API_KEY":              &cfg.Embedding.APIKey,
		"OPENAI_BASE_URL":             &cfg.Embedding.BaseURL,
		"DOCCHAT_COMPLETION_PROVIDER": &cfg.Completion.Provider,
		"DOCCHAT_COMPLETION_MODEL":    &cfg.Completion.Model,
		"GITHUB_TOKEN":                &cfg.Source.GitHubToken,
		"DOCCHAT_WATCH_DIR":           &cfg.Watch.Dir,
	}
	for key, field := range strs {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}

	ints := map[string]*int{
		"QDRANT_PORT":            &cfg.Vector.Qdrant.Port,
		"DOCCHAT_OCR_MAX_PAGES":  &cfg.OCR.MaxPages,
		"DOCCHAT_OCR_BATCH_SIZE": &cfg.OCR.PagesPerBatch,
	}
	for key, field := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*field = n
		}
	}

	if v := os.Getenv("PORT"); v != "" && os.Getenv("DOCCHAT_SERVER_ADDR") == "" {
		cfg.Server.Addr = ":" + v
	}
	if os.Getenv("SERVER_MODE") == "false" {
		cfg.Server.Mode = "stdio"
	}

	// The completion backend shares the OpenAI key unless it is Gemini.
	cfg.Completion.APIKey = cfg.Embedding.APIKey
	if cfg.Completion.BaseURL == "" {
		cfg.Completion.BaseURL = cfg.Embedding.BaseURL
	}
	if cfg.Completion.Provider == "gemini" {
		cfg.Completion.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	oneOf := func(v string, allowed ...string) bool {
		for _, a := range allowed {
			if v == a {
				return true
			}
		}
		return false
	}

	check(oneOf(c.Server.Mode, "http", "stdio"), "server.mode %q must be http or stdio", c.Server.Mode)
	check(oneOf(c.Log.Format, "text", "json"), "log.format %q must be text or json", c.Log.Format)
	check(oneOf(c.Vector.Backend, "qdrant", "chroma", "memory"), "vector.backend %q must be qdrant, chroma or memory", c.Vector.Backend)
	check(oneOf(c.Embedding.Provider, "openai", "hash"), "embedding.provider %q must be openai or hash", c.Embedding.Provider)
	check(oneOf(c.Completion.Provider, "openai", "gemini"), "completion.provider %q must be openai or gemini", c.Completion.Provider)
	check(c.Chunker.Overlap < c.Chunker.Size, "chunker.overlap %d must be below chunker.size %d", c.Chunker.Overlap, c.Chunker.Size)
	check(c.OCR.MinConfidence >= 0 && c.OCR.MinConfidence <= 100, "ocr.min_confidence %v must be within 0..100", c.OCR.MinConfidence)
	check(c.OCR.MaxPages >= 0, "ocr.max_pages %d must not be negative", c.OCR.MaxPages)
	check(c.Chat.MaxContextChars > 0, "chat.max_context_chars must be positive")
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Logger builds the slog logger described by the log section.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
