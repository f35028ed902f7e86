// Package models defines the domain types for Sowilo.
package models

import "time"

// Source records who authored a note.
type Source string

const (
	SourceHuman  Source = "human"
	SourceAI     Source = "ai"
	SourceImport Source = "import"
)

// Sources lists every valid Source value.
var Sources = []Source{SourceHuman, SourceAI, SourceImport}

// MaxTitleLength is the maximum title length in characters.
const MaxTitleLength = 500

// Note is a short markdown document with an optional embedding.
type Note struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Tags           []string  `json:"tags"`
	Source         Source    `json:"source"`
	SourceRef      string    `json:"source_ref,omitempty"`
	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	EmbeddingDim   int       `json:"embedding_dim,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasEmbedding reports whether the note takes part in semantic retrieval.
func (n *Note) HasEmbedding() bool {
	return len(n.Embedding) > 0
}

// EdgeTypeSemantic tags edges derived from embedding similarity.
const EdgeTypeSemantic = "semantic"

// SimilarityEdge is an undirected edge between two notes. Source < Target.
type SimilarityEdge struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Strength float64 `json:"strength"`
	Type     string  `json:"type"`
}
