// Package noteservice owns note mutations: validation, embedding on write,
// persistence and change notifications.
package noteservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/checksum"
	"github.com/starford/sowilo/internal/index"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/sse"
)

// Store is the subset of the note index the service uses.
type Store interface {
	InsertNote(ctx context.Context, r index.NoteRow) error
	UpdateNote(ctx context.Context, r index.NoteRow) error
	UpdateNoteIfUnchanged(ctx context.Context, r index.NoteRow, readAt time.Time) error
	SetEmbedding(ctx context.Context, id, contentHash string, vec []float32, model string) error
	DeleteNote(ctx context.Context, id string) error
	GetNote(ctx context.Context, id string) (*index.NoteRow, error)
	ListNotes(ctx context.Context, limit, offset int, tag string) ([]models.Note, int, error)
	NotesNeedingEmbedding(ctx context.Context, dim int) ([]index.NoteRow, error)
}

// Embedder produces note vectors; nil means "store without one".
type Embedder interface {
	Enabled() bool
	Dimensions() int
	ModelID() string
	Embed(ctx context.Context, text string) []float32
}

// Publisher receives note change notifications.
type Publisher interface {
	PublishNote(kind sse.Kind, id, title string)
}

// NoteDetail is a note plus the revision callers pass back as IfMatch. The
// revision covers title, content, tags and source_ref.
type NoteDetail struct {
	models.Note
	Checksum string `json:"checksum"`
}

// NewNote is the input of CreateNote.
type NewNote struct {
	Title     string        `json:"title"`
	Content   string        `json:"content"`
	Tags      []string      `json:"tags"`
	Source    models.Source `json:"source"`
	SourceRef string        `json:"source_ref"`
}

// Validate validates a new note. An empty source defaults to human.
func (n *NewNote) Validate() error {
	if n.Source == "" {
		n.Source = models.SourceHuman
	}
	return validation.ValidateStruct(n,
		validation.Field(&n.Title, validation.Required, validation.RuneLength(1, models.MaxTitleLength)),
		validation.Field(&n.Content, validation.Required),
		validation.Field(&n.Source, validation.In(sourceValues()...)),
	)
}

// NotePatch is a partial update; nil fields are left unchanged.
type NotePatch struct {
	Title     *string   `json:"title"`
	Content   *string   `json:"content"`
	Tags      *[]string `json:"tags"`
	SourceRef *string   `json:"source_ref"`
	// IfMatch, when set, must equal the stored revision checksum.
	IfMatch string `json:"if_match"`
}

// Validate validates a patch.
func (p *NotePatch) Validate() error {
	if p.Title == nil && p.Content == nil && p.Tags == nil && p.SourceRef == nil {
		return errors.New("nothing to update")
	}
	return validation.ValidateStruct(p,
		validation.Field(&p.Title, validation.NilOrNotEmpty, validation.RuneLength(1, models.MaxTitleLength)),
		validation.Field(&p.Content, validation.NilOrNotEmpty),
	)
}

func sourceValues() []any {
	out := make([]any, len(models.Sources))
	for i, s := range models.Sources {
		out[i] = s
	}
	return out
}

// ReembedResult summarises a Reembed run. Skipped counts notes edited or
// deleted while their vector was being computed.
type ReembedResult struct {
	Scanned  int `json:"scanned"`
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Service coordinates validation, embedding and storage.
type Service struct {
	store    Store
	embedder Embedder
	events   Publisher
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces random UUIDs.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// WithPublisher sets where change notifications go.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

type noopPublisher struct{}

func (noopPublisher) PublishNote(sse.Kind, string, string) {}

// NewService creates a note service.
func NewService(store Store, embedder Embedder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		embedder: embedder,
		events:   noopPublisher{},
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "noteservice")
	return s
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
}

// CreateNote validates, embeds and stores a new note. If the embedder yields
// nothing the note is stored without a vector.
func (s *Service) CreateNote(ctx context.Context, in NewNote) (*NoteDetail, error) {
	if err := in.Validate(); err != nil {
		return nil, invalid(err)
	}

	now := s.now().UTC()
	row := index.NoteRow{
		Note: models.Note{
			ID:        s.newID(),
			Title:     in.Title,
			Content:   in.Content,
			Tags:      nonNilSlice(in.Tags),
			Source:    in.Source,
			SourceRef: in.SourceRef,
			CreatedAt: now,
			UpdatedAt: now,
		},
		ContentHash: checksum.NoteHash(in.Title, in.Content),
	}
	s.embed(ctx, &row.Note)

	if err := s.store.InsertNote(ctx, row); err != nil {
		return nil, err
	}
	s.logger.Info("note created",
		slog.String("id", row.ID),
		slog.Bool("embedded", row.HasEmbedding()),
	)
	s.events.PublishNote(sse.NoteCreated, row.ID, row.Title)
	return detail(&row), nil
}

// UpdateNote applies a patch. The note is re-embedded when its title or
// content changed, or when it lacks a vector of the active dimension. A
// failed re-embed clears the stale vector.
func (s *Service) UpdateNote(ctx context.Context, id string, patch NotePatch) (*NoteDetail, error) {
	if err := patch.Validate(); err != nil {
		return nil, invalid(err)
	}
	row, err := s.store.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.IfMatch != "" && patch.IfMatch != revision(row) {
		return nil, apperr.ErrConflict
	}
	readAt := row.UpdatedAt

	if patch.Title != nil {
		row.Title = *patch.Title
	}
	if patch.Content != nil {
		row.Content = *patch.Content
	}
	if patch.Tags != nil {
		row.Tags = nonNilSlice(*patch.Tags)
	}
	if patch.SourceRef != nil {
		row.SourceRef = *patch.SourceRef
	}

	hash := checksum.NoteHash(row.Title, row.Content)
	stale := hash != row.ContentHash
	missing := s.embedder.Enabled() && len(row.Embedding) != s.embedder.Dimensions()
	if stale || missing {
		s.embed(ctx, &row.Note)
	}
	row.ContentHash = hash
	row.UpdatedAt = s.now().UTC()

	if patch.IfMatch != "" {
		err = s.store.UpdateNoteIfUnchanged(ctx, *row, readAt)
	} else {
		err = s.store.UpdateNote(ctx, *row)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("note updated",
		slog.String("id", id),
		slog.Bool("reembedded", stale || missing),
	)
	s.events.PublishNote(sse.NoteUpdated, row.ID, row.Title)
	return detail(row), nil
}

// DeleteNote removes a note.
func (s *Service) DeleteNote(ctx context.Context, id string) error {
	if err := s.store.DeleteNote(ctx, id); err != nil {
		return err
	}
	s.logger.Info("note deleted", slog.String("id", id))
	s.events.PublishNote(sse.NoteDeleted, id, "")
	return nil
}

// GetNote returns a single note.
func (s *Service) GetNote(ctx context.Context, id string) (*NoteDetail, error) {
	row, err := s.store.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	return detail(row), nil
}

// ListNotes returns a page of notes, most recently updated first.
func (s *Service) ListNotes(ctx context.Context, limit, offset int, tag string) ([]models.Note, int, error) {
	return s.store.ListNotes(ctx, limit, offset, tag)
}

// Reembed computes vectors for notes that have none or whose vector has a
// foreign dimension, using up to workers concurrent provider calls. Notes
// that still cannot be embedded are counted as failed and left unchanged; a
// vector computed from text that has since been edited is discarded.
func (s *Service) Reembed(ctx context.Context, workers int) (ReembedResult, error) {
	if !s.embedder.Enabled() {
		return ReembedResult{}, fmt.Errorf("%w: embeddings are disabled", apperr.ErrInvalidInput)
	}
	if workers <= 0 {
		workers = 4
	}

	notes, err := s.store.NotesNeedingEmbedding(ctx, s.embedder.Dimensions())
	if err != nil {
		return ReembedResult{}, err
	}

	var embedded, failed, skipped atomic.Int64
	model := s.embedder.ModelID()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, n := range notes {
		g.Go(func() error {
			vec := s.embedder.Embed(gctx, checksum.EmbeddingText(n.Title, n.Content))
			if vec == nil {
				failed.Add(1)
				return nil
			}
			if err := s.store.SetEmbedding(gctx, n.ID, n.ContentHash, vec, model); err != nil {
				if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrConflict) {
					skipped.Add(1)
					return nil
				}
				return err
			}
			embedded.Add(1)
			return nil
		})
	}
	err = g.Wait()

	res := ReembedResult{
		Scanned:  len(notes),
		Embedded: int(embedded.Load()),
		Failed:   int(failed.Load()),
		Skipped:  int(skipped.Load()),
	}
	s.logger.Info("reembed finished",
		slog.Int("scanned", res.Scanned),
		slog.Int("embedded", res.Embedded),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
	)
	return res, err
}

// embed sets or clears the vector of n from its current title and content.
func (s *Service) embed(ctx context.Context, n *models.Note) {
	vec := s.embedder.Embed(ctx, checksum.EmbeddingText(n.Title, n.Content))
	n.Embedding = vec
	if vec == nil {
		n.EmbeddingModel = ""
		n.EmbeddingDim = 0
		return
	}
	n.EmbeddingModel = s.embedder.ModelID()
	n.EmbeddingDim = len(vec)
}

func detail(r *index.NoteRow) *NoteDetail {
	return &NoteDetail{Note: r.Note, Checksum: revision(r)}
}

func revision(r *index.NoteRow) string {
	return checksum.Revision(r.Title, r.Content, r.SourceRef, r.Tags)
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
