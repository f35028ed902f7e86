// Package testutil provides shared test helpers for databases, notes and
// deterministic embeddings.
package testutil

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/starford/sowilo/internal/checksum"
	"github.com/starford/sowilo/internal/index"
	"github.com/starford/sowilo/internal/models"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "sowilo-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Base is the reference clock for fixtures.
var Base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// Fixture unit vectors: cos(X,Y)=0.6, cos(X,Z)=cos(Y,Z)=0.05, and
// DeepLearning is closest to Y (0.99), then X (0.5), then Z (0.05).
var (
	VecX         = []float32{1, 0, 0}
	VecY         = []float32{0.6, 0.8, 0}
	VecZ         = []float32{0.05, 0.025, float32(math.Sqrt(1 - 0.05*0.05 - 0.025*0.025))}
	DeepLearning = []float32{0.5, 0.866, 0}
)

// InsertNote stores a note updated age minutes before Base+1h.
func InsertNote(t *testing.T, db *index.DB, id, title string, age int, emb []float32, tags ...string) models.Note {
	t.Helper()
	ts := Base.Add(time.Hour - time.Duration(age)*time.Minute)
	if tags == nil {
		tags = []string{}
	}
	n := models.Note{
		ID:        id,
		Title:     title,
		Content:   title + " body",
		Tags:      tags,
		Source:    models.SourceHuman,
		Embedding: emb,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if emb != nil {
		n.EmbeddingModel = "fake/fixture"
		n.EmbeddingDim = len(emb)
	}
	row := index.NoteRow{Note: n, ContentHash: checksum.NoteHash(n.Title, n.Content)}
	if err := db.InsertNote(context.Background(), row); err != nil {
		t.Fatalf("InsertNote %s: %v", id, err)
	}
	return n
}

// FakeEmbedder returns fixed vectors per text. Unknown texts embed to nil.
// A disabled FakeEmbedder embeds nothing.
type FakeEmbedder struct {
	Disabled bool
	Dims     int
	Vectors  map[string][]float32

	mu    sync.Mutex
	calls []string
}

// NewFakeEmbedder returns an enabled 3-dimensional embedder.
func NewFakeEmbedder(vectors map[string][]float32) *FakeEmbedder {
	if vectors == nil {
		vectors = map[string][]float32{}
	}
	return &FakeEmbedder{Dims: 3, Vectors: vectors}
}

func (f *FakeEmbedder) Enabled() bool { return !f.Disabled }

func (f *FakeEmbedder) Dimensions() int {
	if f.Disabled {
		return 0
	}
	return f.Dims
}

func (f *FakeEmbedder) ModelID() string {
	if f.Disabled {
		return ""
	}
	return "fake/fixture"
}

func (f *FakeEmbedder) Embed(_ context.Context, text string) []float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if f.Disabled {
		return nil
	}
	return f.Vectors[text]
}

func (f *FakeEmbedder) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.Embed(ctx, t)
	}
	return out
}

// Calls returns the texts passed to Embed so far.
func (f *FakeEmbedder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
