package index

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "sowilo-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// insert stores a note updated `age` minutes before base+1h.
func insert(t *testing.T, db *DB, id, title, content string, age int, emb []float32) {
	t.Helper()
	ts := base.Add(time.Hour - time.Duration(age)*time.Minute)
	r := NoteRow{Note: models.Note{
		ID:        id,
		Title:     title,
		Content:   content,
		Tags:      []string{},
		Source:    models.SourceHuman,
		Embedding: emb,
		CreatedAt: ts,
		UpdatedAt: ts,
	}}
	if emb != nil {
		r.EmbeddingModel = "test/fake"
	}
	if err := db.InsertNote(context.Background(), r); err != nil {
		t.Fatalf("InsertNote %s: %v", id, err)
	}
}

// Unit vectors: cos(x,y)=0.6, cos(x,z)=cos(y,z)=0.05.
var (
	vecX = []float32{1, 0, 0}
	vecY = []float32{0.6, 0.8, 0}
	vecZ = []float32{0.05, 0.025, float32(math.Sqrt(1 - 0.05*0.05 - 0.025*0.025))}
)

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM notes`).Scan(&count); err != nil {
		t.Fatalf("notes table missing: %v", err)
	}
}

func TestInsertAndGet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := NoteRow{
		Note: models.Note{
			ID:        "n1",
			Title:     "Hello",
			Content:   "World",
			Tags:      []string{"go", "go"},
			Source:    models.SourceAI,
			SourceRef: "chat-42",
			Embedding: []float32{0.5, 0.25},
			CreatedAt: base,
			UpdatedAt: base,
		},
		ContentHash: "abc",
	}
	r.EmbeddingModel = "ollama/nomic"
	if err := db.InsertNote(ctx, r); err != nil {
		t.Fatalf("InsertNote: %v", err)
	}

	got, err := db.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if got.Title != "Hello" || got.Content != "World" || got.ContentHash != "abc" {
		t.Errorf("got %+v", got)
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags = %v, duplicates must be kept", got.Tags)
	}
	if got.Source != models.SourceAI || got.SourceRef != "chat-42" {
		t.Errorf("source = %q ref = %q", got.Source, got.SourceRef)
	}
	if got.EmbeddingDim != 2 || got.EmbeddingModel != "ollama/nomic" {
		t.Errorf("embedding meta = %d %q", got.EmbeddingDim, got.EmbeddingModel)
	}
	if len(got.Embedding) != 2 || got.Embedding[1] != 0.25 {
		t.Errorf("embedding = %v", got.Embedding)
	}
	if !got.UpdatedAt.Equal(base) {
		t.Errorf("updated_at = %v", got.UpdatedAt)
	}
}

func TestInsertDuplicate(t *testing.T) {
	db := testDB(t)
	insert(t, db, "dup", "a", "b", 0, nil)
	err := db.InsertNote(context.Background(), NoteRow{Note: models.Note{ID: "dup", Title: "a", Content: "b"}})
	if !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetNote(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateClearsEmbedding(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insert(t, db, "u", "Old", "old body", 0, vecX)

	r, _ := db.GetNote(ctx, "u")
	r.Title = "New"
	r.Embedding = nil
	if err := db.UpdateNote(ctx, *r); err != nil {
		t.Fatalf("UpdateNote: %v", err)
	}
	got, _ := db.GetNote(ctx, "u")
	if got.Title != "New" || got.HasEmbedding() || got.EmbeddingDim != 0 {
		t.Errorf("after update: %+v", got)
	}
}

func TestUpdateAndDelete_NotFound(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.UpdateNote(ctx, NoteRow{Note: models.Note{ID: "nope"}}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("update err = %v", err)
	}
	if err := db.DeleteNote(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("delete err = %v", err)
	}
}

func TestListNotes_TagFilterAndOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		r := NoteRow{Note: models.Note{
			ID: id, Title: id, Content: id, Source: models.SourceHuman,
			Tags:      []string{"all"},
			CreatedAt: base, UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}}
		if id == "b" {
			r.Tags = append(r.Tags, "special")
		}
		if err := db.InsertNote(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	notes, total, err := db.ListNotes(ctx, 10, 0, "")
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if total != 3 || len(notes) != 3 || notes[0].ID != "c" || notes[2].ID != "a" {
		t.Errorf("list = %v (total %d), want c,b,a", ids(notes), total)
	}

	notes, total, _ = db.ListNotes(ctx, 10, 0, "special")
	if total != 1 || len(notes) != 1 || notes[0].ID != "b" {
		t.Errorf("tag filter = %v", ids(notes))
	}

	notes, _, _ = db.ListNotes(ctx, 1, 1, "")
	if len(notes) != 1 || notes[0].ID != "b" {
		t.Errorf("page = %v", ids(notes))
	}
}

func TestSemanticSearch_ThresholdOrderAndNullExclusion(t *testing.T) {
	db := testDB(t)
	insert(t, db, "x", "machine learning basics", "ml", 2, vecX)
	insert(t, db, "y", "deep learning intro", "dl", 1, vecY)
	insert(t, db, "z", "grocery list", "milk", 0, vecZ)
	insert(t, db, "plain", "deep learning without vector", "dl", 0, nil)

	q := []float32{0.5, 0.866, 0}
	res, err := db.SemanticSearch(context.Background(), q, 0.3, 5)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(res) != 2 || res[0].Note.ID != "y" || res[1].Note.ID != "x" {
		t.Fatalf("results = %v, want [y x]", scoredIDs(res))
	}
	if res[0].Similarity <= res[1].Similarity {
		t.Error("results must be ordered by descending similarity")
	}
	for _, r := range res {
		if r.Similarity <= 0.3 {
			t.Errorf("%s similarity %f not above threshold", r.Note.ID, r.Similarity)
		}
	}

	res, _ = db.SemanticSearch(context.Background(), q, 0.3, 1)
	if len(res) != 1 || res[0].Note.ID != "y" {
		t.Errorf("limit 1 = %v", scoredIDs(res))
	}
}

func TestSemanticSearch_TiesBrokenByRecency(t *testing.T) {
	db := testDB(t)
	insert(t, db, "old", "a", "a", 10, vecX)
	insert(t, db, "new", "b", "b", 1, vecX)
	res, err := db.SemanticSearch(context.Background(), vecX, 0.5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || res[0].Note.ID != "new" {
		t.Errorf("tie order = %v, want [new old]", scoredIDs(res))
	}
}

func TestSemanticSearch_IgnoresForeignDimension(t *testing.T) {
	db := testDB(t)
	insert(t, db, "three", "a", "a", 0, vecX)
	insert(t, db, "two", "b", "b", 0, []float32{1, 0})
	res, err := db.SemanticSearch(context.Background(), []float32{1, 0}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Note.ID != "two" {
		t.Errorf("results = %v, want only the 2-dim note", scoredIDs(res))
	}
}

func TestTextSearch_CaseInsensitiveTitleOrContent(t *testing.T) {
	db := testDB(t)
	insert(t, db, "t", "Machine Learning", "nothing", 1, nil)
	insert(t, db, "c", "other", "about MACHINE learning", 0, nil)
	insert(t, db, "u", "Über Notizen", "ÄRGER", 2, nil)
	insert(t, db, "p", "discount 50%", "x", 3, nil)
	insert(t, db, "s", "Straße", "map", 5, nil)
	insert(t, db, "n", "unrelated", "text", 4, nil)

	ctx := context.Background()
	res, err := db.TextSearch(ctx, "machine", 10)
	if err != nil {
		t.Fatalf("TextSearch: %v", err)
	}
	if len(res) != 2 || res[0].ID != "c" || res[1].ID != "t" {
		t.Errorf("results = %v, want [c t]", ids(res))
	}

	res, _ = db.TextSearch(ctx, "über", 10)
	if len(res) != 1 || res[0].ID != "u" {
		t.Errorf("unicode fold = %v", ids(res))
	}
	res, _ = db.TextSearch(ctx, "ärger", 10)
	if len(res) != 1 {
		t.Errorf("unicode content fold = %v", ids(res))
	}

	res, _ = db.TextSearch(ctx, "STRASSE", 10)
	if len(res) != 1 || res[0].ID != "s" {
		t.Errorf("full case folding = %v", ids(res))
	}

	res, _ = db.TextSearch(ctx, "%", 10)
	if len(res) != 1 || res[0].ID != "p" {
		t.Errorf("%% must match literally, got %v", ids(res))
	}

	res, _ = db.TextSearch(ctx, "machine", 1)
	if len(res) != 1 {
		t.Errorf("limit not applied: %v", ids(res))
	}
}

func TestSimilarityGraph_Scenario(t *testing.T) {
	db := testDB(t)
	insert(t, db, "x", "machine learning basics", "ml", 2, vecX)
	insert(t, db, "y", "deep learning intro", "dl", 1, vecY)
	insert(t, db, "z", "grocery list", "milk", 0, vecZ)

	cands, edges, err := db.SimilarityGraph(context.Background(), GraphQuery{
		NodeLimit: 10, Dimension: 3, Threshold: 0.3, MaxEdges: 500,
	})
	if err != nil {
		t.Fatalf("SimilarityGraph: %v", err)
	}
	if len(cands) != 3 || cands[0].ID != "z" {
		t.Errorf("candidates = %v, want recency order z,y,x", ids(cands))
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %+v, want 1", edges)
	}
	e := edges[0]
	if e.Source != "x" || e.Target != "y" || math.Abs(e.Strength-0.6) > 1e-5 || e.Type != models.EdgeTypeSemantic {
		t.Errorf("edge = %+v, want x-y 0.6 semantic", e)
	}
}

func TestSimilarityGraph_NodeLimitAndCap(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"a", "b", "c", "d"} {
		insert(t, db, id, id, id, i, vecX)
	}
	ctx := context.Background()

	cands, edges, err := db.SimilarityGraph(ctx, GraphQuery{NodeLimit: 3, Threshold: 0.5, MaxEdges: 500})
	if err != nil {
		t.Fatal(err)
	}
	// d is the oldest and falls outside the candidate window.
	if len(cands) != 3 || len(edges) != 3 {
		t.Fatalf("cands=%v edges=%d, want 3 and 3", ids(cands), len(edges))
	}
	for _, e := range edges {
		if e.Source >= e.Target {
			t.Errorf("edge %s-%s not ordered", e.Source, e.Target)
		}
		if e.Source == "d" || e.Target == "d" {
			t.Error("edge references a non-candidate")
		}
	}

	_, edges, _ = db.SimilarityGraph(ctx, GraphQuery{NodeLimit: 10, Threshold: 0.5, MaxEdges: 2})
	if len(edges) != 2 {
		t.Errorf("edge cap: got %d, want 2", len(edges))
	}
}

func TestSimilarityGraph_DimensionFilter(t *testing.T) {
	db := testDB(t)
	insert(t, db, "a", "a", "a", 0, []float32{1, 0})
	insert(t, db, "b", "b", "b", 0, []float32{1, 0})
	insert(t, db, "c", "c", "c", 0, vecX)
	insert(t, db, "d", "d", "d", 0, vecX)

	_, edges, err := db.SimilarityGraph(context.Background(), GraphQuery{NodeLimit: 10, Dimension: 3, Threshold: 0.5, MaxEdges: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].Source != "c" || edges[0].Target != "d" {
		t.Errorf("edges = %+v, want only c-d", edges)
	}

	_, edges, _ = db.SimilarityGraph(context.Background(), GraphQuery{NodeLimit: 10, Threshold: 0.5, MaxEdges: 10})
	if len(edges) != 2 {
		t.Errorf("any-dimension edges = %+v, want a-b and c-d", edges)
	}
}

func TestNeighbors(t *testing.T) {
	db := testDB(t)
	insert(t, db, "x", "x", "x", 2, vecX)
	insert(t, db, "y", "y", "y", 1, vecY)
	insert(t, db, "z", "z", "z", 0, vecZ)
	insert(t, db, "bare", "bare", "bare", 0, nil)

	ctx := context.Background()
	res, err := db.Neighbors(ctx, "x", 0.3, 10)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(res) != 1 || res[0].Note.ID != "y" {
		t.Errorf("neighbors = %v, want [y]", scoredIDs(res))
	}

	res, _ = db.Neighbors(ctx, "bare", 0, 10)
	if len(res) != 0 {
		t.Errorf("note without embedding has neighbors %v", scoredIDs(res))
	}
}

func TestNotesNeedingEmbeddingAndStats(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insert(t, db, "ok", "a", "a", 0, vecX)
	insert(t, db, "none", "b", "b", 0, nil)
	insert(t, db, "foreign", "c", "c", 0, []float32{1, 0})

	notes, err := db.NotesNeedingEmbedding(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 {
		t.Errorf("needing embedding = %d rows, want none and foreign", len(notes))
	}

	if err := db.SetEmbedding(ctx, "none", "", vecY, "test/fake"); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	stats, err := db.EmbeddingStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[3] != 2 || stats[2] != 1 || stats[0] != 0 {
		t.Errorf("stats = %v", stats)
	}
}

func TestSetEmbeddingRequiresUnchangedText(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insert(t, db, "a", "a", "a", 0, nil)

	got, _ := db.GetNote(ctx, "a")
	got.Content = "edited"
	got.ContentHash = "new-hash"
	if err := db.UpdateNote(ctx, *got); err != nil {
		t.Fatal(err)
	}

	// A backfill that read the old text must not attach its vector.
	if err := db.SetEmbedding(ctx, "a", "", vecX, "test/fake"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("stale hash: err = %v", err)
	}
	if err := db.SetEmbedding(ctx, "missing", "", vecX, "test/fake"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
	if err := db.SetEmbedding(ctx, "a", "new-hash", vecX, "test/fake"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetNote(ctx, "a")
	if got.EmbeddingDim != 3 {
		t.Errorf("dim = %d", got.EmbeddingDim)
	}
}

func TestUpdateNoteIfUnchanged(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insert(t, db, "a", "a", "a", 0, nil)

	first, _ := db.GetNote(ctx, "a")
	second, _ := db.GetNote(ctx, "a")
	readAt := first.UpdatedAt

	first.Tags = []string{"one"}
	first.UpdatedAt = readAt.Add(time.Second)
	if err := db.UpdateNoteIfUnchanged(ctx, *first, readAt); err != nil {
		t.Fatal(err)
	}
	second.Tags = []string{"two"}
	second.UpdatedAt = readAt.Add(2 * time.Second)
	if err := db.UpdateNoteIfUnchanged(ctx, *second, readAt); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second writer: err = %v", err)
	}
	got, _ := db.GetNote(ctx, "a")
	if len(got.Tags) != 1 || got.Tags[0] != "one" {
		t.Errorf("tags = %v", got.Tags)
	}
	if err := db.UpdateNoteIfUnchanged(ctx, NoteRow{Note: models.Note{ID: "nope"}}, readAt); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
}

func ids(notes []models.Note) []string {
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = n.ID
	}
	return out
}

func scoredIDs(res []ScoredNote) []string {
	out := make([]string, len(res))
	for i, r := range res {
		out[i] = r.Note.ID
	}
	return out
}
