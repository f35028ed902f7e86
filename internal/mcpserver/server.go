// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Sowilo tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/graph"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/noteservice"
	"github.com/starford/sowilo/internal/search"
)

// NoteFormatURI is the resource holding NoteFormatContract.
const NoteFormatURI = "sowilo://note-format"

// Server wraps the MCP server with Sowilo tools.
type Server struct {
	mcp    *server.MCPServer
	notes  *noteservice.Service
	search *search.Engine
	graph  *graph.Builder
}

// New creates a new MCP server with all Sowilo tools registered.
func New(notes *noteservice.Service, engine *search.Engine, builder *graph.Builder, version string) *Server {
	s := &Server{notes: notes, search: engine, graph: builder}

	s.mcp = server.NewMCPServer(
		"Sowilo",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Find notes by meaning. Falls back to case-insensitive text matching "+
			"when embeddings are unavailable; the result mode tells which was used."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language query")),
		mcp.WithNumber("limit", mcp.Description("Max results, 1-100 (default 10)")),
		mcp.WithNumber("threshold", mcp.Description("Minimum similarity, 0-1 (default 0.3)")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("text_search",
		mcp.WithDescription("Case-insensitive substring search over note titles and content."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Text to look for")),
		mcp.WithNumber("limit", mcp.Description("Max results, 1-100 (default 10)")),
	), s.textSearch)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a note. Read the contract first via the get_note_contract "+
			"tool or the "+NoteFormatURI+" resource."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Title, at most 500 characters")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Markdown body")),
		mcp.WithArray("tags", mcp.Description("Optional tags"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("source_ref", mcp.Description("Optional reference to where the content came from")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note by id, including its checksum for later updates."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("update_note",
		mcp.WithDescription("Change the title, content or tags of a note. Omitted fields are kept."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("content", mcp.Description("New Markdown body")),
		mcp.WithArray("tags", mcp.Description("Replacement tag list"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("checksum", mcp.Description("Checksum from read_note; the update fails if the note changed since")),
	), s.updateNote)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List notes, most recently updated first."),
		mcp.WithString("tag", mcp.Description("Only notes carrying this tag")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("related_notes",
		mcp.WithDescription("Notes whose meaning is closest to the given note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
		mcp.WithNumber("threshold", mcp.Description("Minimum similarity, 0-1")),
		mcp.WithNumber("limit", mcp.Description("Max results (default 10)")),
	), s.relatedNotes)

	s.mcp.AddTool(mcp.NewTool("note_graph",
		mcp.WithDescription("Similarity graph over recently updated notes: connected nodes, "+
			"weighted edges and summary stats."),
		mcp.WithNumber("threshold", mcp.Description("Minimum edge strength, 0-1")),
		mcp.WithNumber("limit", mcp.Description("Number of candidate notes")),
	), s.noteGraph)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the Sowilo note format contract. "+
			"Call this before creating or updating notes to ensure correct structure."),
	), s.getNoteContract)

	s.mcp.AddResource(
		mcp.NewResource(NoteFormatURI, "Note Format Contract",
			mcp.WithResourceDescription("How notes are structured and what the server does with them."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

// toolError turns domain failures into tool errors the model can act on.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("note not found")
	case errors.Is(err, apperr.ErrConflict):
		return mcp.NewToolResultError("note changed since it was read; read it again and retry")
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defLimit, defThreshold := s.search.Defaults()
	resp, err := s.search.Search(ctx, query, req.GetInt("limit", defLimit), req.GetFloat("threshold", defThreshold))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(resp)
}

func (s *Server) textSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defLimit, _ := s.search.Defaults()
	resp, err := s.search.TextSearch(ctx, query, req.GetInt("limit", defLimit))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(resp)
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.notes.CreateNote(ctx, noteservice.NewNote{
		Title:     title,
		Content:   content,
		Tags:      req.GetStringSlice("tags", nil),
		Source:    models.SourceAI,
		SourceRef: req.GetString("source_ref", ""),
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(note)
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.notes.GetNote(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(note)
}

func (s *Server) updateNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := req.GetArguments()
	patch := noteservice.NotePatch{IfMatch: req.GetString("checksum", "")}
	if _, ok := args["title"]; ok {
		v := req.GetString("title", "")
		patch.Title = &v
	}
	if _, ok := args["content"]; ok {
		v := req.GetString("content", "")
		patch.Content = &v
	}
	if _, ok := args["tags"]; ok {
		v := req.GetStringSlice("tags", []string{})
		patch.Tags = &v
	}
	note, err := s.notes.UpdateNote(ctx, id, patch)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(note)
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes, total, err := s.notes.ListNotes(ctx, req.GetInt("limit", 50), req.GetInt("offset", 0), req.GetString("tag", ""))
	if err != nil {
		return toolError(err), nil
	}
	type item struct {
		ID    string   `json:"id"`
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}
	items := make([]item, len(notes))
	for i, n := range notes {
		items[i] = item{ID: n.ID, Title: n.Title, Tags: n.Tags}
	}
	return jsonResult(map[string]any{"notes": items, "total": total})
}

func (s *Server) relatedNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defThreshold, _ := s.graph.Defaults()
	related, err := s.graph.Related(ctx, id, req.GetFloat("threshold", defThreshold), min(req.GetInt("limit", 10), search.MaxLimit))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(related)
}

func (s *Server) noteGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defThreshold, defLimit := s.graph.Defaults()
	g, err := s.graph.Build(ctx, req.GetFloat("threshold", defThreshold), req.GetInt("limit", defLimit))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(g)
}

func (s *Server) getNoteContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      NoteFormatURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
