package api

import (
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/noteservice"
)

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest = noteservice.NewNote

// UpdateNoteRequest is the request body for a partial update. The If-Match
// header carries the expected checksum.
type UpdateNoteRequest struct {
	Title     *string   `json:"title" example:"Renamed"`
	Content   *string   `json:"content" example:"# Updated\nContent"`
	Tags      *[]string `json:"tags"`
	SourceRef *string   `json:"source_ref"`
}

// NoteDetail is the full note response type (aliased from the domain layer).
type NoteDetail = noteservice.NoteDetail

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes  []models.Note `json:"notes"`
	Total  int           `json:"total" example:"42"`
	Limit  int           `json:"limit" example:"50"`
	Offset int           `json:"offset" example:"0"`
}
