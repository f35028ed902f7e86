package index

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/vector"
)

// SemanticSearch ranks every note whose embedding has the query's dimension
// by 1 - cosine distance, keeps similarity > threshold, and returns at most
// limit notes ordered by similarity, then recency, then id.
func (db *DB) SemanticSearch(ctx context.Context, query []float32, threshold float64, limit int) ([]ScoredNote, error) {
	if len(query) == 0 {
		return []ScoredNote{}, nil
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+noteColumns+`, similarity FROM (
			SELECT `+noteColumns+`,
			       1 - vec_distance_cosine(embedding, ?) AS similarity
			FROM notes
			WHERE embedding IS NOT NULL AND embedding_dim = ?
		)
		WHERE similarity > ?
		ORDER BY similarity DESC, updated_at DESC, id ASC
		LIMIT ?
	`, vector.Encode(query), len(query), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("index: semantic search: %w", err)
	}
	defer rows.Close()
	return collectScored(rows)
}

// TextSearch returns notes whose title or content contains query under
// Unicode case folding, most recently updated first.
func (db *DB) TextSearch(ctx context.Context, query string, limit int) ([]models.Note, error) {
	needle := foldCase(query)
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE text_contains(title, ?) OR text_contains(content, ?)
		ORDER BY updated_at DESC, id ASC
		LIMIT ?
	`, needle, needle, limit)
	if err != nil {
		return nil, fmt.Errorf("index: text search: %w", err)
	}
	defer rows.Close()
	return collectNotes(rows)
}

// GraphQuery selects graph candidates and the similarity pairs among them.
type GraphQuery struct {
	NodeLimit int
	// Dimension restricts pairs to embeddings of this length; 0 only requires
	// both ends of a pair to share a length.
	Dimension int
	Threshold float64
	MaxEdges  int
}

// SimilarityGraph returns up to q.NodeLimit candidate notes (most recently
// updated first) and every unordered candidate pair with similarity above
// q.Threshold, strongest first, capped at q.MaxEdges. Both reads share one
// transaction so candidates and edges describe the same snapshot.
func (db *DB) SimilarityGraph(ctx context.Context, q GraphQuery) ([]models.Note, []models.SimilarityEdge, error) {
	tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("index: begin graph tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	rows, err := tx.QueryContext(ctx, `
		SELECT `+noteColumns+` FROM notes
		ORDER BY updated_at DESC, id ASC
		LIMIT ?
	`, q.NodeLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("index: graph candidates: %w", err)
	}
	candidates, err := collectNotes(rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}

	rows, err = tx.QueryContext(ctx, `
		WITH candidates AS (
			SELECT id, embedding, embedding_dim
			FROM notes
			ORDER BY updated_at DESC, id ASC
			LIMIT ?
		)
		SELECT source, target, strength FROM (
			SELECT a.id AS source,
			       b.id AS target,
			       1 - vec_distance_cosine(a.embedding, b.embedding) AS strength
			FROM candidates a
			JOIN candidates b ON a.id < b.id
			WHERE a.embedding IS NOT NULL
			  AND b.embedding IS NOT NULL
			  AND a.embedding_dim = b.embedding_dim
			  AND (? = 0 OR a.embedding_dim = ?)
		)
		WHERE strength > ?
		ORDER BY strength DESC, source ASC, target ASC
		LIMIT ?
	`, q.NodeLimit, q.Dimension, q.Dimension, q.Threshold, q.MaxEdges)
	if err != nil {
		return nil, nil, fmt.Errorf("index: graph pairs: %w", err)
	}
	defer rows.Close()

	edges := []models.SimilarityEdge{}
	for rows.Next() {
		e := models.SimilarityEdge{Type: models.EdgeTypeSemantic}
		if err := rows.Scan(&e.Source, &e.Target, &e.Strength); err != nil {
			return nil, nil, err
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return candidates, edges, nil
}

// Neighbors returns notes similar to the note id, comparing against its
// stored embedding. A note without an embedding has no neighbours.
func (db *DB) Neighbors(ctx context.Context, id string, threshold float64, limit int) ([]ScoredNote, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+noteColumns+`, similarity FROM (
			SELECT n.id, n.title, n.content, n.tags, n.source, n.source_ref, n.content_hash,
			       n.embedding_model, n.embedding_dim, n.created_at, n.updated_at,
			       1 - vec_distance_cosine(n.embedding, s.embedding) AS similarity
			FROM notes n
			JOIN notes s ON s.id = ?
			WHERE n.id != s.id
			  AND n.embedding IS NOT NULL
			  AND s.embedding IS NOT NULL
			  AND n.embedding_dim = s.embedding_dim
		)
		WHERE similarity > ?
		ORDER BY similarity DESC, updated_at DESC, id ASC
		LIMIT ?
	`, id, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("index: neighbors: %w", err)
	}
	defer rows.Close()
	return collectScored(rows)
}

func collectScored(rows *sql.Rows) ([]ScoredNote, error) {
	out := []ScoredNote{}
	for rows.Next() {
		var sim float64
		r, err := scanNote(rows, &sim)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredNote{Note: r.Note, Similarity: sim})
	}
	return out, rows.Err()
}
