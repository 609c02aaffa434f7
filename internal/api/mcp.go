package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/ingest"
)

// NewMCPServer creates an MCP server with all folio tools registered.
func NewMCPServer(svc *Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"folio",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("folio — personal research library: ingest PDFs, search their contents semantically, and read pages."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest_propose",
			mcp.WithDescription("Stage a PDF for ingestion and return the proposed key and extracted metadata for review."),
			mcp.WithString("path", mcp.Description("Path to the PDF file"), mcp.Required()),
		),
		mcpIngestPropose(svc),
	)

	s.AddTool(
		mcp.NewTool("ingest_commit",
			mcp.WithDescription("Commit a staged proposal into the library. Metadata fields override the extracted values."),
			mcp.WithString("id", mcp.Description("Proposal ID returned by ingest_propose"), mcp.Required()),
			mcp.WithString("key", mcp.Description("Override for the document key")),
			mcp.WithString("title", mcp.Description("Override for the title")),
			mcp.WithArray("authors", mcp.Description("Override for the author list")),
			mcp.WithNumber("year", mcp.Description("Override for the publication year")),
			mcp.WithString("journal", mcp.Description("Journal or venue")),
			mcp.WithString("doi", mcp.Description("DOI")),
			mcp.WithArray("tags", mcp.Description("Tags for the document")),
		),
		mcpIngestCommit(svc),
	)

	s.AddTool(
		mcp.NewTool("ingest_discard",
			mcp.WithDescription("Discard a staged proposal without ingesting it."),
			mcp.WithString("id", mcp.Description("Proposal ID"), mcp.Required()),
		),
		mcpIngestDiscard(svc),
	)

	s.AddTool(
		mcp.NewTool("list_staged",
			mcp.WithDescription("List proposals currently staged for ingestion."),
		),
		mcpListStaged(svc),
	)

	s.AddTool(
		mcp.NewTool("inbox",
			mcp.WithDescription("List PDFs waiting in the inbox directory."),
		),
		mcpInbox(svc),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Semantically search the library and return the most relevant text chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("key", mcp.Description("Restrict the search to one document key")),
		),
		mcpSearch(svc),
	)

	s.AddTool(
		mcp.NewTool("get_page",
			mcp.WithDescription("Return the full text of one page of a document."),
			mcp.WithString("key", mcp.Description("Document key"), mcp.Required()),
			mcp.WithNumber("page", mcp.Description("Page number, 1-based"), mcp.Required()),
		),
		mcpGetPage(svc),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List all documents in the library with their metadata."),
		),
		mcpListDocuments(svc),
	)

	s.AddTool(
		mcp.NewTool("stats",
			mcp.WithDescription("Return library summary counts: archived, valorized, pending, inconsistent."),
		),
		mcpStats(svc),
	)

	s.AddTool(
		mcp.NewTool("rebuild",
			mcp.WithDescription("Rebuild the catalog and vector index from the archives. Scope is a document key or 'all'."),
			mcp.WithString("scope", mcp.Description("Document key to rebuild, or 'all' (default)")),
		),
		mcpRebuild(svc),
	)

	s.AddTool(
		mcp.NewTool("remove_document",
			mcp.WithDescription("Remove a document and all its derived state from the library."),
			mcp.WithString("key", mcp.Description("Document key"), mcp.Required()),
		),
		mcpRemoveDocument(svc),
	)

	return s
}

func mcpIngestPropose(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		prop, err := svc.Ingest.Propose(ctx, path)
		if err != nil {
			return mcpError(fmt.Sprintf("propose failed: %v", err)), nil
		}

		return mcpJSON(prop)
	}
}

func mcpIngestCommit(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		input := ingest.CommitInput{
			Key:     req.GetString("key", ""),
			Title:   req.GetString("title", ""),
			Authors: req.GetStringSlice("authors", nil),
			Year:    req.GetInt("year", 0),
			Journal: req.GetString("journal", ""),
			DOI:     req.GetString("doi", ""),
			Tags:    req.GetStringSlice("tags", nil),
		}

		key, err := svc.Ingest.Commit(ctx, id, input)
		var dup *archive.DuplicateContentError
		switch {
		case errors.As(err, &dup):
			return mcpError(fmt.Sprintf("already archived as %s", dup.ExistingKey)), nil
		case errors.Is(err, ingest.ErrDuplicateKey):
			return mcpError(fmt.Sprintf("key already in use: %v", err)), nil
		case errors.Is(err, ingest.ErrProposalNotFound):
			return mcpError(fmt.Sprintf("no staged proposal %s", id)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("commit failed: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Archived as %s", key)), nil
	}
}

func mcpIngestDiscard(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		if err := svc.Ingest.Discard(id); err != nil {
			if errors.Is(err, ingest.ErrProposalNotFound) {
				return mcpError(fmt.Sprintf("no staged proposal %s", id)), nil
			}
			return mcpError(fmt.Sprintf("discard failed: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Discarded proposal %s", id)), nil
	}
}

func mcpListStaged(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		props, err := svc.Ingest.ListStaged()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list staged proposals: %v", err)), nil
		}
		if props == nil {
			props = []ingest.Proposal{}
		}
		return mcpJSON(props)
	}
}

func mcpInbox(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if svc.Inbox == nil {
			return mcpText("[]"), nil
		}
		entries := svc.Inbox.List()
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(entries)
	}
}

func mcpSearch(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		key := req.GetString("key", "")

		hits, err := svc.Search(ctx, query, limit, key)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(hits)
	}
}

func mcpGetPage(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		page, err := req.RequireInt("page")
		if err != nil {
			return mcpError("page is required"), nil
		}

		text, err := svc.Page(key, page)
		if errors.Is(err, archive.ErrNotFound) {
			return mcpError(fmt.Sprintf("no such document or page: %s p.%d", key, page)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read page: %v", err)), nil
		}

		return mcpText(text), nil
	}
}

func mcpListDocuments(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docs, err := svc.Catalog.List()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}

		type docResult struct {
			Key         string `json:"key"`
			Title       string `json:"title"`
			FirstAuthor string `json:"first_author,omitempty"`
			Year        int    `json:"year,omitempty"`
			PageCount   int    `json:"page_count"`
			Valorized   bool   `json:"valorized"`
		}
		results := make([]docResult, len(docs))
		for i, d := range docs {
			results[i] = docResult{
				Key:         d.Key,
				Title:       d.Title,
				FirstAuthor: d.FirstAuthor,
				Year:        d.Year,
				PageCount:   d.PageCount,
				Valorized:   d.Valorized(),
			}
		}
		return mcpJSON(results)
	}
}

func mcpStats(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := svc.Stats()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read stats: %v", err)), nil
		}
		return mcpJSON(stats)
	}
}

func mcpRebuild(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scope := req.GetString("scope", "")

		res, err := svc.RunRebuild(scope)
		if errors.Is(err, archive.ErrNotFound) {
			return mcpError(fmt.Sprintf("no archive for scope %q", scope)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("rebuild failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpRemoveDocument(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		if err := svc.Remove(key); err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				return mcpError(fmt.Sprintf("document not found: %s", key)), nil
			}
			return mcpError(fmt.Sprintf("remove failed: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Removed %s", key)), nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
