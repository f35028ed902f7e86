package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/sowilo/internal/embedding"
	"github.com/starford/sowilo/internal/graph"
	"github.com/starford/sowilo/internal/noteservice"
	"github.com/starford/sowilo/internal/search"
)

const (
	maxBodyBytes    = 10 << 20
	defaultPageSize = 50
	maxPageSize     = 200
	defaultRelatedN = 10
)

// StatusReporter describes the embedding backend.
type StatusReporter interface {
	Status() embedding.Status
}

// Handler holds API route handlers.
type Handler struct {
	notes  *noteservice.Service
	search *search.Engine
	graph  *graph.Builder
	status StatusReporter
}

// NewHandler creates a new Handler.
func NewHandler(notes *noteservice.Service, engine *search.Engine, builder *graph.Builder, status StatusReporter) *Handler {
	return &Handler{notes: notes, search: engine, graph: builder, status: status}
}

// ListNotes handles GET /api/notes.
//
//	@Summary	List notes, most recently updated first
//	@Tags		notes
//	@Produce	json
//	@Param		limit	query		int		false	"Page size"
//	@Param		offset	query		int		false	"Page offset"
//	@Param		tag		query		string	false	"Filter by tag"
//	@Success	200		{object}	NoteListResponse
//	@Security	BearerAuth
//	@Router		/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q, "limit", defaultPageSize)
	if err != nil {
		writeError(w, r, "list notes", err)
		return
	}
	offset, err := queryInt(q, "offset", 0)
	if err != nil {
		writeError(w, r, "list notes", err)
		return
	}
	limit = min(max(limit, 1), maxPageSize)
	offset = max(offset, 0)

	notes, total, err := h.notes.ListNotes(r.Context(), limit, offset, q.Get("tag"))
	if err != nil {
		writeError(w, r, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: total, Limit: limit, Offset: offset})
}

// GetNote handles GET /api/notes/{id}.
//
//	@Summary	Get a single note
//	@Tags		notes
//	@Produce	json
//	@Param		id	path		string	true	"Note id"
//	@Success	200	{object}	NoteDetail
//	@Failure	404	{object}	errResponse
//	@Security	BearerAuth
//	@Router		/notes/{id} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.notes.GetNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get note", err)
		return
	}
	w.Header().Set("ETag", `"`+note.Checksum+`"`)
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
//
//	@Summary	Create a note and index it for semantic search
//	@Tags		notes
//	@Accept		json
//	@Produce	json
//	@Param		body	body		CreateNoteRequest	true	"Note to create"
//	@Success	201		{object}	NoteDetail
//	@Failure	400		{object}	errResponse
//	@Security	BearerAuth
//	@Router		/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	note, err := h.notes.CreateNote(r.Context(), req)
	if err != nil {
		writeError(w, r, "create note", err)
		return
	}
	w.Header().Set("ETag", `"`+note.Checksum+`"`)
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/{id}.
//
//	@Summary	Partially update a note with optimistic concurrency
//	@Tags		notes
//	@Accept		json
//	@Produce	json
//	@Param		id			path		string				true	"Note id"
//	@Param		If-Match	header		string				false	"Checksum from a previous read"
//	@Param		body		body		UpdateNoteRequest	true	"Fields to change"
//	@Success	200			{object}	NoteDetail
//	@Failure	400			{object}	errResponse
//	@Failure	404			{object}	errResponse
//	@Failure	409			{object}	errResponse
//	@Security	BearerAuth
//	@Router		/notes/{id} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req UpdateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	patch := noteservice.NotePatch{
		Title:     req.Title,
		Content:   req.Content,
		Tags:      req.Tags,
		SourceRef: req.SourceRef,
		// Strip surrounding quotes if present (standard ETag format).
		IfMatch: strings.Trim(r.Header.Get("If-Match"), `"`),
	}
	note, err := h.notes.UpdateNote(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "update note", err)
		return
	}
	w.Header().Set("ETag", `"`+note.Checksum+`"`)
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id}.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.notes.DeleteNote(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search.
//
//	@Summary	Semantic search, degrading to text search without embeddings
//	@Tags		search
//	@Produce	json
//	@Param		q			query		string	true	"Search query"
//	@Param		limit		query		int		false	"Max results (1-100)"
//	@Param		threshold	query		number	false	"Minimum similarity (0-1)"
//	@Success	200			{object}	search.Response
//	@Failure	400			{object}	errResponse
//	@Security	BearerAuth
//	@Router		/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	defLimit, defThreshold := h.search.Defaults()
	p, err := parseSimilarity(r.URL.Query(), true, defLimit, defThreshold)
	if err != nil {
		writeError(w, r, "search", err)
		return
	}
	resp, err := h.search.Search(r.Context(), p.Query, p.Limit, p.Threshold)
	if err != nil {
		writeError(w, r, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// TextSearch handles GET /api/search/text.
func (h *Handler) TextSearch(w http.ResponseWriter, r *http.Request) {
	defLimit, _ := h.search.Defaults()
	p, err := parseSimilarity(r.URL.Query(), true, defLimit, 0)
	if err != nil {
		writeError(w, r, "text search", err)
		return
	}
	resp, err := h.search.TextSearch(r.Context(), p.Query, p.Limit)
	if err != nil {
		writeError(w, r, "text search", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Graph handles GET /api/graph.
//
//	@Summary	Similarity graph of recently updated notes
//	@Tags		graph
//	@Produce	json
//	@Param		threshold	query		number	false	"Minimum edge strength (0-1)"
//	@Param		limit		query		int		false	"Candidate node limit"
//	@Success	200			{object}	graph.Graph
//	@Security	BearerAuth
//	@Router		/graph [get]
func (h *Handler) Graph(w http.ResponseWriter, r *http.Request) {
	defThreshold, defLimit := h.graph.Defaults()
	p, err := parseSimilarity(r.URL.Query(), false, defLimit, defThreshold)
	if err != nil {
		writeError(w, r, "graph", err)
		return
	}
	g, err := h.graph.Build(r.Context(), p.Threshold, p.Limit)
	if err != nil {
		writeError(w, r, "graph", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Related handles GET /api/notes/{id}/related.
func (h *Handler) Related(w http.ResponseWriter, r *http.Request) {
	defThreshold, _ := h.graph.Defaults()
	p, err := parseSimilarity(r.URL.Query(), false, defaultRelatedN, defThreshold)
	if err != nil {
		writeError(w, r, "related", err)
		return
	}
	related, err := h.graph.Related(r.Context(), chi.URLParam(r, "id"), p.Threshold, min(max(p.Limit, 1), search.MaxLimit))
	if err != nil {
		writeError(w, r, "related", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": related})
}

// EmbeddingStatus handles GET /api/embedding/status.
func (h *Handler) EmbeddingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status())
}
