// Package index provides the SQLite-backed note store. Vector similarity is
// evaluated inside SQL through functions registered on every connection.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/text/cases"

	"github.com/starford/sowilo/internal/vector"
)

// driverName is a sqlite3 driver with the vector and text helpers attached.
const driverName = "sqlite3_sowilo"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc("vec_distance_cosine", sqlDistanceCosine, true); err != nil {
				return err
			}
			return conn.RegisterFunc("text_contains", sqlTextContains, true)
		},
	})
}

// sqlDistanceCosine is vec_distance_cosine(a, b). NULL, malformed or
// mismatched inputs yield distance 1 (similarity 0) so they never pass a
// non-negative threshold.
func sqlDistanceCosine(a, b any) float64 {
	ab, ok := a.([]byte)
	if !ok {
		return 1
	}
	bb, ok := b.([]byte)
	if !ok {
		return 1
	}
	va, err := vector.Decode(ab)
	if err != nil {
		return 1
	}
	vb, err := vector.Decode(bb)
	if err != nil {
		return 1
	}
	return vector.CosineDistance(va, vb)
}

// folder applies full Unicode case folding; it is stateless and shared
// across connections.
var folder = cases.Fold()

func foldCase(s string) string { return folder.String(s) }

// sqlTextContains is text_contains(haystack, needle): substring match of a
// case-folded needle in the case-folded haystack. Unlike LIKE it folds
// non-ASCII letters and treats % and _ literally.
func sqlTextContains(haystack, foldedNeedle string) int64 {
	if strings.Contains(foldCase(haystack), foldedNeedle) {
		return 1
	}
	return 0
}

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	content         TEXT NOT NULL,
	tags            TEXT NOT NULL DEFAULT '[]',
	source          TEXT NOT NULL DEFAULT 'human',
	source_ref      TEXT NOT NULL DEFAULT '',
	content_hash    TEXT NOT NULL DEFAULT '',
	embedding       BLOB,
	embedding_model TEXT NOT NULL DEFAULT '',
	embedding_dim   INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(updated_at DESC, id);
CREATE INDEX IF NOT EXISTS idx_notes_embedding_dim ON notes(embedding_dim);
`

// DB wraps a sql.DB with index-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open(driverName, dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply core schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
