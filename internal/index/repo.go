package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/vector"
)

// NoteRow is a stored note plus the fingerprint of its embedded text.
type NoteRow struct {
	models.Note
	ContentHash string
}

// ScoredNote is a note with its similarity to a query vector.
type ScoredNote struct {
	Note       models.Note
	Similarity float64
}

// noteColumns excludes the embedding blob; listings never need it.
const noteColumns = `id, title, content, tags, source, source_ref, content_hash,
	embedding_model, embedding_dim, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(s rowScanner, extra ...any) (NoteRow, error) {
	var (
		r                NoteRow
		tagsJSON, source string
		created, updated int64
	)
	dest := []any{
		&r.ID, &r.Title, &r.Content, &tagsJSON, &source, &r.SourceRef, &r.ContentHash,
		&r.EmbeddingModel, &r.EmbeddingDim, &created, &updated,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return NoteRow{}, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &r.Tags); err != nil {
		return NoteRow{}, fmt.Errorf("index: decode tags of %s: %w", r.ID, err)
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	r.Source = models.Source(source)
	r.CreatedAt = fromUnix(created)
	r.UpdatedAt = fromUnix(updated)
	return r, nil
}

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("index: encode tags: %w", err)
	}
	return string(b), nil
}

// embeddingArgs maps an optional vector to its three column values.
func embeddingArgs(n *models.Note) (blob any, model string, dim int) {
	if !n.HasEmbedding() {
		return nil, "", 0
	}
	return vector.Encode(n.Embedding), n.EmbeddingModel, len(n.Embedding)
}

// InsertNote stores a new note.
func (db *DB) InsertNote(ctx context.Context, r NoteRow) error {
	tags, err := encodeTags(r.Tags)
	if err != nil {
		return err
	}
	blob, model, dim := embeddingArgs(&r.Note)
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO notes (id, title, content, tags, source, source_ref, content_hash,
		                   embedding, embedding_model, embedding_dim, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Title, r.Content, tags, string(r.Source), r.SourceRef, r.ContentHash,
		blob, model, dim, toUnix(r.CreatedAt), toUnix(r.UpdatedAt))
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return apperr.ErrAlreadyExists
		}
		return fmt.Errorf("index: insert note: %w", err)
	}
	return nil
}

// UpdateNote replaces every mutable column of an existing note, embedding
// included.
func (db *DB) UpdateNote(ctx context.Context, r NoteRow) error {
	return db.updateNote(ctx, r, nil)
}

// UpdateNoteIfUnchanged is UpdateNote guarded by the updated_at the caller
// read. It fails with apperr.ErrConflict when another write landed since.
func (db *DB) UpdateNoteIfUnchanged(ctx context.Context, r NoteRow, readAt time.Time) error {
	return db.updateNote(ctx, r, &readAt)
}

func (db *DB) updateNote(ctx context.Context, r NoteRow, readAt *time.Time) error {
	tags, err := encodeTags(r.Tags)
	if err != nil {
		return err
	}
	blob, model, dim := embeddingArgs(&r.Note)
	query := `
		UPDATE notes SET
			title           = ?,
			content         = ?,
			tags            = ?,
			source_ref      = ?,
			content_hash    = ?,
			embedding       = ?,
			embedding_model = ?,
			embedding_dim   = ?,
			updated_at      = ?
		WHERE id = ?`
	args := []any{r.Title, r.Content, tags, r.SourceRef, r.ContentHash, blob, model, dim, toUnix(r.UpdatedAt), r.ID}
	if readAt != nil {
		query += ` AND updated_at = ?`
		args = append(args, toUnix(*readAt))
	}
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("index: update note: %w", err)
	}
	if readAt == nil {
		return requireOneRow(res)
	}
	return db.guarded(ctx, res, r.ID)
}

// SetEmbedding replaces only the embedding of a note whose content hash is
// still contentHash; updated_at is kept so backfills do not reorder recency.
// It fails with apperr.ErrConflict when the text changed meanwhile.
func (db *DB) SetEmbedding(ctx context.Context, id, contentHash string, vec []float32, model string) error {
	n := models.Note{Embedding: vec, EmbeddingModel: model}
	blob, model, dim := embeddingArgs(&n)
	res, err := db.conn.ExecContext(ctx, `
		UPDATE notes SET embedding = ?, embedding_model = ?, embedding_dim = ?
		WHERE id = ? AND content_hash = ?
	`, blob, model, dim, id, contentHash)
	if err != nil {
		return fmt.Errorf("index: set embedding: %w", err)
	}
	return db.guarded(ctx, res, id)
}

// guarded maps a conditional write that matched nothing to ErrNotFound or
// ErrConflict.
func (db *DB) guarded(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("index: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := db.conn.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM notes WHERE id = ?)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("index: check note: %w", err)
	}
	if !exists {
		return apperr.ErrNotFound
	}
	return apperr.ErrConflict
}

// DeleteNote removes a note. Edges are derived on demand, so nothing else
// references it.
func (db *DB) DeleteNote(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("index: delete note: %w", err)
	}
	return requireOneRow(res)
}

// GetNote returns a note with its embedding.
func (db *DB) GetNote(ctx context.Context, id string) (*NoteRow, error) {
	var blob []byte
	row := db.conn.QueryRowContext(ctx, `SELECT `+noteColumns+`, embedding FROM notes WHERE id = ?`, id)
	r, err := scanNote(row, &blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("index: get note: %w", err)
	}
	if r.Embedding, err = vector.Decode(blob); err != nil {
		return nil, fmt.Errorf("index: get note %s: %w", id, err)
	}
	return &r, nil
}

// ListNotes returns a page of notes, most recently updated first, optionally
// filtered by tag, plus the total count matching the filter.
func (db *DB) ListNotes(ctx context.Context, limit, offset int, tag string) ([]models.Note, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := ""
	args := []any{}
	if tag != "" {
		where = `WHERE EXISTS (SELECT 1 FROM json_each(notes.tags) WHERE json_each.value = ?)`
		args = append(args, tag)
	}

	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM notes `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count notes: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+noteColumns+` FROM notes `+where+`
		ORDER BY updated_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list notes: %w", err)
	}
	defer rows.Close()

	out, err := collectNotes(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// NotesNeedingEmbedding returns notes that have no embedding or one whose
// dimension differs from dim. Rows carry their content hash so writers can
// detect edits made in between.
func (db *DB) NotesNeedingEmbedding(ctx context.Context, dim int) ([]NoteRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE embedding IS NULL OR embedding_dim != ?
		ORDER BY updated_at DESC, id ASC
	`, dim)
	if err != nil {
		return nil, fmt.Errorf("index: notes needing embedding: %w", err)
	}
	defer rows.Close()

	out := []NoteRow{}
	for rows.Next() {
		r, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EmbeddingStats counts notes per embedding dimension; key 0 is "no embedding".
func (db *DB) EmbeddingStats(ctx context.Context) (map[int]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT embedding_dim, count(*) FROM notes GROUP BY embedding_dim`)
	if err != nil {
		return nil, fmt.Errorf("index: embedding stats: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var dim, n int
		if err := rows.Scan(&dim, &n); err != nil {
			return nil, err
		}
		out[dim] = n
	}
	return out, rows.Err()
}

func collectNotes(rows *sql.Rows) ([]models.Note, error) {
	out := []models.Note{}
	for rows.Next() {
		r, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r.Note)
	}
	return out, rows.Err()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("index: rows affected: %w", err)
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
