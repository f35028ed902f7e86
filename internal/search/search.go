// Package search answers free-text queries by meaning, falling back to
// substring matching whenever a query vector cannot be produced.
package search

import (
	"context"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/sowilo/internal/index"
	"github.com/starford/sowilo/internal/metrics"
	"github.com/starford/sowilo/internal/models"
)

// Result modes.
const (
	ModeSemantic = "semantic"
	ModeText     = "text"
)

// Bounds on the number of results per query.
const (
	MinLimit = 1
	MaxLimit = 100
)

// Config holds request defaults.
type Config struct {
	DefaultLimit     int     `yaml:"default_limit"`
	DefaultThreshold float64 `yaml:"default_threshold"`
}

// Validate validates the search configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DefaultLimit, validation.Min(MinLimit), validation.Max(MaxLimit)),
		validation.Field(&c.DefaultThreshold, validation.Min(0.0), validation.Max(1.0)),
	)
}

// Store is the subset of the note index the engine reads.
type Store interface {
	SemanticSearch(ctx context.Context, query []float32, threshold float64, limit int) ([]index.ScoredNote, error)
	TextSearch(ctx context.Context, query string, limit int) ([]models.Note, error)
}

// Embedder produces query vectors; nil means "no vector available".
type Embedder interface {
	Enabled() bool
	Embed(ctx context.Context, text string) []float32
}

// Result is one ranked note. Similarity is nil for lexical matches.
type Result struct {
	Note       models.Note `json:"note"`
	Similarity *float64    `json:"similarity"`
}

// Response is the outcome of a query and the mode that produced it.
type Response struct {
	Mode    string   `json:"mode"`
	Results []Result `json:"results"`
}

// Engine runs queries against a Store.
type Engine struct {
	store    Store
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// NewEngine returns an engine. Zero defaults fall back to limit 10 and
// threshold 0.3.
func NewEngine(store Store, embedder Embedder, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultLimit == 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.DefaultThreshold == 0 {
		cfg.DefaultThreshold = 0.3
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With("component", "search"),
	}
}

// Defaults returns the limit and threshold used when a request omits them.
func (e *Engine) Defaults() (int, float64) {
	return e.cfg.DefaultLimit, e.cfg.DefaultThreshold
}

// Search ranks notes by cosine similarity to query. If embeddings are
// disabled or the query cannot be embedded it returns TextSearch results
// instead. Only store failures are returned as errors.
func (e *Engine) Search(ctx context.Context, query string, limit int, threshold float64) (*Response, error) {
	limit = e.clampLimit(limit)
	threshold = clampThreshold(threshold)

	if !e.embedder.Enabled() {
		return e.TextSearch(ctx, query, limit)
	}
	vec := e.embedder.Embed(ctx, query)
	if vec == nil {
		e.logger.Info("query embedding unavailable, using text search", slog.String("query", query))
		return e.TextSearch(ctx, query, limit)
	}

	scored, err := e.store.SemanticSearch(ctx, vec, threshold, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(scored))
	for i, s := range scored {
		sim := s.Similarity
		results[i] = Result{Note: s.Note, Similarity: &sim}
	}
	metrics.SearchRequests.WithLabelValues(ModeSemantic).Inc()
	return &Response{Mode: ModeSemantic, Results: results}, nil
}

// TextSearch returns notes whose title or content contains query
// (case-insensitive), most recently updated first.
func (e *Engine) TextSearch(ctx context.Context, query string, limit int) (*Response, error) {
	notes, err := e.store.TextSearch(ctx, query, e.clampLimit(limit))
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(notes))
	for i, n := range notes {
		results[i] = Result{Note: n}
	}
	metrics.SearchRequests.WithLabelValues(ModeText).Inc()
	return &Response{Mode: ModeText, Results: results}, nil
}

func (e *Engine) clampLimit(limit int) int {
	if limit == 0 {
		limit = e.cfg.DefaultLimit
	}
	return min(max(limit, MinLimit), MaxLimit)
}

func clampThreshold(t float64) float64 {
	return min(max(t, 0), 1)
}
