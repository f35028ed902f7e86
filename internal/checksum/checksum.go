// Package checksum fingerprints notes: the embeddable text for re-embed
// decisions and the whole editable state for optimistic concurrency.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// EmbeddingText is the text submitted to the embedding provider for a note.
// Tags are not part of it: tag-only edits keep the vector.
func EmbeddingText(title, content string) string {
	return title + "\n\n" + content
}

// NoteHash fingerprints the title and content of a note.
func NoteHash(title, content string) string {
	return Sum([]byte(EmbeddingText(title, content)))
}

// Revision fingerprints every user-editable field of a note. It changes on
// any edit, tag-only ones included.
func Revision(title, content, sourceRef string, tags []string) string {
	h := sha256.New()
	for _, s := range []string{title, content, sourceRef} {
		fmt.Fprintf(h, "%d:%s", len(s), s)
	}
	fmt.Fprintf(h, "%d", len(tags))
	for _, tag := range tags {
		fmt.Fprintf(h, "|%d:%s", len(tag), tag)
	}
	return hex.EncodeToString(h.Sum(nil))
}
