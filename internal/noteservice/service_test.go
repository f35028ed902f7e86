package noteservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/checksum"
	"github.com/starford/sowilo/internal/index"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/sse"
	"github.com/starford/sowilo/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) PublishNote(kind sse.Kind, id, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(kind)+":"+id)
}

type fixture struct {
	svc    *Service
	db     *index.DB
	emb    *testutil.FakeEmbedder
	events *recorder
	clock  time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:     testutil.TestDB(t),
		emb:    testutil.NewFakeEmbedder(nil),
		events: &recorder{},
		clock:  testutil.Base,
	}
	n := 0
	f.svc = NewService(f.db, f.emb,
		WithPublisher(f.events),
		WithClock(func() time.Time { return f.clock }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("note-%d", n)
		}),
	)
	return f
}

// vectorFor registers a fixture vector for the embedding text of a note.
func (f *fixture) vectorFor(title, content string, vec []float32) {
	f.emb.Vectors[checksum.EmbeddingText(title, content)] = vec
}

func TestCreateNoteEmbeds(t *testing.T) {
	f := setup(t)
	f.vectorFor("Go", "channels", testutil.VecX)

	n, err := f.svc.CreateNote(context.Background(), NewNote{Title: "Go", Content: "channels", Tags: []string{"lang"}})
	if err != nil {
		t.Fatal(err)
	}
	if n.ID != "note-1" || n.Source != models.SourceHuman {
		t.Errorf("note = %+v", n)
	}
	if n.EmbeddingDim != 3 || n.EmbeddingModel != "fake/fixture" {
		t.Errorf("embedding metadata = %d %s", n.EmbeddingDim, n.EmbeddingModel)
	}
	if n.Checksum != checksum.Revision("Go", "channels", "", []string{"lang"}) {
		t.Error("checksum mismatch")
	}

	stored, err := f.db.GetNote(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.HasEmbedding() {
		t.Error("embedding not persisted")
	}
	if got := strings.Join(f.events.events, ","); got != "note.created:note-1" {
		t.Errorf("events = %s", got)
	}
}

func TestCreateNoteWithoutEmbedding(t *testing.T) {
	f := setup(t)
	f.emb.Disabled = true
	n, err := f.svc.CreateNote(context.Background(), NewNote{Title: "t", Content: "c", Source: models.SourceAI})
	if err != nil {
		t.Fatal(err)
	}
	if n.HasEmbedding() || n.EmbeddingDim != 0 {
		t.Error("disabled embedder produced a vector")
	}
}

func TestCreateNoteValidation(t *testing.T) {
	f := setup(t)
	tests := []NewNote{
		{Title: "", Content: "c"},
		{Title: strings.Repeat("é", models.MaxTitleLength+1), Content: "c"},
		{Title: "t", Content: ""},
		{Title: "t", Content: "c", Source: "robot"},
	}
	for i, in := range tests {
		if _, err := f.svc.CreateNote(context.Background(), in); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("case %d: err = %v, want ErrInvalidInput", i, err)
		}
	}
	// Exactly the maximum, counted in characters, is accepted.
	if _, err := f.svc.CreateNote(context.Background(), NewNote{Title: strings.Repeat("é", models.MaxTitleLength), Content: "c"}); err != nil {
		t.Errorf("max-length title rejected: %v", err)
	}
}

func TestUpdateNoteReembedsOnlyOnTextChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.vectorFor("a", "b", testutil.VecX)
	f.vectorFor("a", "b2", testutil.VecY)

	n, err := f.svc.CreateNote(ctx, NewNote{Title: "a", Content: "b"})
	if err != nil {
		t.Fatal(err)
	}
	calls := len(f.emb.Calls())

	tags := []string{"new"}
	f.clock = f.clock.Add(time.Minute)
	up, err := f.svc.UpdateNote(ctx, n.ID, NotePatch{Tags: &tags})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.emb.Calls()) != calls {
		t.Error("tag-only edit re-embedded the note")
	}
	if !up.UpdatedAt.Equal(f.clock) || len(up.Tags) != 1 {
		t.Errorf("update = %+v", up)
	}

	content := "b2"
	up, err = f.svc.UpdateNote(ctx, n.ID, NotePatch{Content: &content, IfMatch: up.Checksum})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.emb.Calls()) != calls+1 {
		t.Error("content edit did not re-embed")
	}
	stored, _ := f.db.GetNote(ctx, n.ID)
	if stored.Embedding[0] != testutil.VecY[0] {
		t.Errorf("stored vector = %v", stored.Embedding)
	}
}

func TestUpdateNoteClearsStaleVectorOnFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.vectorFor("a", "b", testutil.VecX)
	n, err := f.svc.CreateNote(ctx, NewNote{Title: "a", Content: "b"})
	if err != nil {
		t.Fatal(err)
	}

	content := "no vector for this"
	up, err := f.svc.UpdateNote(ctx, n.ID, NotePatch{Content: &content})
	if err != nil {
		t.Fatal(err)
	}
	if up.HasEmbedding() {
		t.Fatal("stale vector kept")
	}
	stored, _ := f.db.GetNote(ctx, n.ID)
	if stored.HasEmbedding() || stored.EmbeddingDim != 0 {
		t.Error("stale vector persisted")
	}
}

func TestUpdateNoteErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	title := "x"
	if _, err := f.svc.UpdateNote(ctx, "missing", NotePatch{Title: &title}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}

	n, _ := f.svc.CreateNote(ctx, NewNote{Title: "a", Content: "b"})
	if _, err := f.svc.UpdateNote(ctx, n.ID, NotePatch{Title: &title, IfMatch: "stale"}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("if-match: err = %v", err)
	}
	if _, err := f.svc.UpdateNote(ctx, n.ID, NotePatch{}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("empty patch: err = %v", err)
	}
	empty := ""
	if _, err := f.svc.UpdateNote(ctx, n.ID, NotePatch{Title: &empty}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("empty title: err = %v", err)
	}
}

func TestUpdateNoteTagOnlyEditsConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n, err := f.svc.CreateNote(ctx, NewNote{Title: "a", Content: "b"})
	if err != nil {
		t.Fatal(err)
	}

	one, two := []string{"one"}, []string{"two"}
	f.clock = f.clock.Add(time.Minute)
	up, err := f.svc.UpdateNote(ctx, n.ID, NotePatch{Tags: &one, IfMatch: n.Checksum})
	if err != nil {
		t.Fatal(err)
	}
	if up.Checksum == n.Checksum {
		t.Error("tag edit kept the revision")
	}
	if _, err := f.svc.UpdateNote(ctx, n.ID, NotePatch{Tags: &two, IfMatch: n.Checksum}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second tag edit: err = %v", err)
	}
	stored, _ := f.svc.GetNote(ctx, n.ID)
	if len(stored.Tags) != 1 || stored.Tags[0] != "one" {
		t.Errorf("tags = %v", stored.Tags)
	}
}

// editingEmbedder rewrites a note the first time it is asked for a vector.
type editingEmbedder struct {
	*testutil.FakeEmbedder
	once sync.Once
	edit func()
}

func (e *editingEmbedder) Embed(ctx context.Context, text string) []float32 {
	e.once.Do(e.edit)
	return e.FakeEmbedder.Embed(ctx, text)
}

func TestReembedDiscardsVectorOfEditedNote(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.InsertNote(t, f.db, "a", "alpha", 1, nil)
	f.vectorFor("alpha", "alpha body", testutil.VecX)

	emb := &editingEmbedder{FakeEmbedder: f.emb, edit: func() {
		row, err := f.db.GetNote(ctx, "a")
		if err != nil {
			t.Error(err)
			return
		}
		row.Content = "rewritten"
		row.ContentHash = checksum.NoteHash(row.Title, row.Content)
		if err := f.db.UpdateNote(ctx, *row); err != nil {
			t.Error(err)
		}
	}}
	svc := NewService(f.db, emb)

	res, err := svc.Reembed(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := ReembedResult{Scanned: 1, Embedded: 0, Skipped: 1}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
	stored, _ := f.db.GetNote(ctx, "a")
	if stored.HasEmbedding() {
		t.Error("vector of the old text was attached to the edited note")
	}
}

func TestDeleteNote(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n, _ := f.svc.CreateNote(ctx, NewNote{Title: "a", Content: "b"})
	if err := f.svc.DeleteNote(ctx, n.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetNote(ctx, n.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	if err := f.svc.DeleteNote(ctx, n.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
	if got := f.events.events[len(f.events.events)-1]; got != "note.deleted:"+n.ID {
		t.Errorf("last event = %s", got)
	}
}

func TestReembedBackfills(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.InsertNote(t, f.db, "a", "alpha", 1, nil)
	testutil.InsertNote(t, f.db, "b", "beta", 2, []float32{1, 0})
	testutil.InsertNote(t, f.db, "c", "gamma", 3, testutil.VecZ)
	testutil.InsertNote(t, f.db, "d", "delta", 4, nil)
	f.vectorFor("alpha", "alpha body", testutil.VecX)
	f.vectorFor("beta", "beta body", testutil.VecY)

	res, err := f.svc.Reembed(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := ReembedResult{Scanned: 3, Embedded: 2, Failed: 1}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
	b, _ := f.db.GetNote(ctx, "b")
	if b.EmbeddingDim != 3 {
		t.Errorf("foreign vector not replaced: dim %d", b.EmbeddingDim)
	}

	f.emb.Disabled = true
	if _, err := f.svc.Reembed(ctx, 1); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("disabled: err = %v", err)
	}
}
