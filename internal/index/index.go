package index

import (
	"context"
	"time"

	"github.com/starford/sowilo/internal/models"
)

// NoteIndex defines the interface for note storage and similarity queries.
// Consumers should depend on this interface (or a narrower one) rather than
// the concrete *DB type to facilitate testing with mocks.
type NoteIndex interface {
	InsertNote(ctx context.Context, r NoteRow) error
	UpdateNote(ctx context.Context, r NoteRow) error
	UpdateNoteIfUnchanged(ctx context.Context, r NoteRow, readAt time.Time) error
	SetEmbedding(ctx context.Context, id, contentHash string, vec []float32, model string) error
	DeleteNote(ctx context.Context, id string) error
	GetNote(ctx context.Context, id string) (*NoteRow, error)
	ListNotes(ctx context.Context, limit, offset int, tag string) ([]models.Note, int, error)
	NotesNeedingEmbedding(ctx context.Context, dim int) ([]NoteRow, error)
	EmbeddingStats(ctx context.Context) (map[int]int, error)
	SemanticSearch(ctx context.Context, query []float32, threshold float64, limit int) ([]ScoredNote, error)
	TextSearch(ctx context.Context, query string, limit int) ([]models.Note, error)
	SimilarityGraph(ctx context.Context, q GraphQuery) ([]models.Note, []models.SimilarityEdge, error)
	Neighbors(ctx context.Context, id string, threshold float64, limit int) ([]ScoredNote, error)
	Ping(ctx context.Context) error
	Close() error
}

// Verify *DB satisfies NoteIndex at compile time.
var _ NoteIndex = (*DB)(nil)
