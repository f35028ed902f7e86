// Package graph derives the undirected "related notes" graph from stored
// embeddings. Nothing is cached: every build reflects the current corpus.
package graph

import (
	"context"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/sowilo/internal/index"
	"github.com/starford/sowilo/internal/metrics"
	"github.com/starford/sowilo/internal/models"
)

// Config holds graph defaults and the node and edge ceilings.
type Config struct {
	DefaultThreshold float64 `yaml:"default_threshold"`
	DefaultNodeLimit int     `yaml:"default_node_limit"`
	// MaxNodeLimit caps the candidate count of a build; pair scoring is
	// quadratic in it.
	MaxNodeLimit int `yaml:"max_node_limit"`
	MaxEdges     int `yaml:"max_edges"`
}

// Validate validates the graph configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DefaultThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.DefaultNodeLimit, validation.Min(0), validation.By(c.withinMaxNodeLimit)),
		validation.Field(&c.MaxNodeLimit, validation.Min(0)),
		validation.Field(&c.MaxEdges, validation.Min(0)),
	)
}

func (c *Config) withinMaxNodeLimit(any) error {
	if c.MaxNodeLimit > 0 && c.DefaultNodeLimit > c.MaxNodeLimit {
		return validation.NewError("validation_graph_node_limit", "must not exceed max_node_limit")
	}
	return nil
}

const (
	defaultThreshold    = 0.5
	defaultNodeLimit    = 200
	defaultMaxNodeLimit = 1000
	defaultMaxEdges     = 500
	maxRelatedLimit     = 100
)

// Store is the subset of the note index the builder reads.
type Store interface {
	SimilarityGraph(ctx context.Context, q index.GraphQuery) ([]models.Note, []models.SimilarityEdge, error)
	Neighbors(ctx context.Context, id string, threshold float64, limit int) ([]index.ScoredNote, error)
	GetNote(ctx context.Context, id string) (*index.NoteRow, error)
}

// Dimensioner reports the active embedding dimension, 0 when none.
type Dimensioner interface {
	Dimensions() int
}

// Node is a connected note.
type Node struct {
	ID     string        `json:"id"`
	Title  string        `json:"title"`
	Tags   []string      `json:"tags"`
	Source models.Source `json:"source"`
	Degree int           `json:"degree"`
}

// Stats summarises a build.
type Stats struct {
	TotalNotes     int     `json:"totalNotes"`
	ConnectedNotes int     `json:"connectedNotes"`
	EdgeCount      int     `json:"edgeCount"`
	Threshold      float64 `json:"threshold"`
}

// Graph is the result of Build.
type Graph struct {
	Nodes []Node                  `json:"nodes"`
	Edges []models.SimilarityEdge `json:"edges"`
	Stats Stats                   `json:"stats"`
}

// Related is a neighbour of a single note.
type Related struct {
	Note       models.Note `json:"note"`
	Similarity float64     `json:"similarity"`
}

// Builder computes similarity graphs.
type Builder struct {
	store  Store
	dims   Dimensioner
	cfg    Config
	logger *slog.Logger
}

// NewBuilder returns a builder. dims may be nil, in which case pairs of any
// shared dimension are compared.
func NewBuilder(store Store, dims Dimensioner, cfg Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultThreshold == 0 {
		cfg.DefaultThreshold = defaultThreshold
	}
	if cfg.DefaultNodeLimit == 0 {
		cfg.DefaultNodeLimit = defaultNodeLimit
	}
	if cfg.MaxNodeLimit == 0 {
		cfg.MaxNodeLimit = max(defaultMaxNodeLimit, cfg.DefaultNodeLimit)
	}
	if cfg.MaxEdges == 0 {
		cfg.MaxEdges = defaultMaxEdges
	}
	return &Builder{
		store:  store,
		dims:   dims,
		cfg:    cfg,
		logger: logger.With("component", "graph"),
	}
}

// Defaults returns the threshold and node limit used when a request omits
// them.
func (b *Builder) Defaults() (float64, int) {
	return b.cfg.DefaultThreshold, b.cfg.DefaultNodeLimit
}

// Build selects up to nodeLimit most recently updated notes and links every
// pair whose similarity exceeds threshold. nodeLimit is capped at the
// configured maximum. Only notes with at least one edge are returned as
// nodes, in candidate order.
func (b *Builder) Build(ctx context.Context, threshold float64, nodeLimit int) (*Graph, error) {
	start := time.Now()
	threshold = min(max(threshold, 0), 1)
	nodeLimit = b.clampNodeLimit(nodeLimit)

	candidates, edges, err := b.store.SimilarityGraph(ctx, index.GraphQuery{
		NodeLimit: nodeLimit,
		Dimension: b.dimension(),
		Threshold: threshold,
		MaxEdges:  b.cfg.MaxEdges,
	})
	if err != nil {
		return nil, err
	}

	degree := make(map[string]int, len(candidates))
	for _, e := range edges {
		degree[e.Source]++
		degree[e.Target]++
	}
	nodes := []Node{}
	for _, n := range candidates {
		d := degree[n.ID]
		if d == 0 {
			continue
		}
		nodes = append(nodes, Node{
			ID:     n.ID,
			Title:  n.Title,
			Tags:   n.Tags,
			Source: n.Source,
			Degree: d,
		})
	}

	metrics.GraphBuildDuration.Observe(time.Since(start).Seconds())
	metrics.GraphEdges.Set(float64(len(edges)))
	b.logger.Debug("graph built",
		slog.Int("candidates", len(candidates)),
		slog.Int("edges", len(edges)),
		slog.Float64("threshold", threshold),
	)

	return &Graph{
		Nodes: nodes,
		Edges: edges,
		Stats: Stats{
			TotalNotes:     len(candidates),
			ConnectedNotes: len(nodes),
			EdgeCount:      len(edges),
			Threshold:      threshold,
		},
	}, nil
}

// Related returns the notes most similar to id. It fails with
// apperr.ErrNotFound when id does not exist; a note without an embedding has
// no neighbours.
func (b *Builder) Related(ctx context.Context, id string, threshold float64, limit int) ([]Related, error) {
	if _, err := b.store.GetNote(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	limit = min(limit, maxRelatedLimit)
	scored, err := b.store.Neighbors(ctx, id, min(max(threshold, 0), 1), limit)
	if err != nil {
		return nil, err
	}
	out := make([]Related, len(scored))
	for i, s := range scored {
		out[i] = Related{Note: s.Note, Similarity: s.Similarity}
	}
	return out, nil
}

func (b *Builder) clampNodeLimit(n int) int {
	if n <= 0 {
		n = b.cfg.DefaultNodeLimit
	}
	return min(n, b.cfg.MaxNodeLimit)
}

func (b *Builder) dimension() int {
	if b.dims == nil {
		return 0
	}
	return b.dims.Dimensions()
}
