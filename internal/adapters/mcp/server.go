package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
)

const (
	toolSearchPassages = "search_passages"
	toolDocumentStatus = "document_status"
)

// Tools exposes retrieval to MCP clients.
type Tools struct {
	search          ports.PassageSearcher
	docs            ports.DocumentReader
	defaultMinScore float64
}

func NewTools(search ports.PassageSearcher, docs ports.DocumentReader, defaultMinScore float64) *Tools {
	return &Tools{search: search, docs: docs, defaultMinScore: defaultMinScore}
}

func NewServer(name, version string, tools *Tools) *server.MCPServer {
	s := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	tools.Register(s)
	return s
}

func (t *Tools) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool(toolSearchPassages,
		mcp.WithDescription("Find indexed passages semantically similar to a query."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language query.")),
		mcp.WithNumber("top_k", mcp.Description("Maximum number of passages to return.")),
		mcp.WithNumber("min_score", mcp.Description("Minimum cosine similarity in [0, 1].")),
		mcp.WithBoolean("include_metadata", mcp.Description("Attach document metadata to each passage.")),
	), t.handleSearch)

	if t.docs != nil {
		s.AddTool(mcp.NewTool(toolDocumentStatus,
			mcp.WithDescription("Report ingestion progress of a document."),
			mcp.WithString("doc_id", mcp.Required(), mcp.Description("Document identifier.")),
		), t.handleDocumentStatus)
	}
}

func (t *Tools) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := t.search.Search(ctx, domain.SearchQuery{
		Text:            query,
		TopK:            int(request.GetFloat("top_k", 0)),
		MinScore:        request.GetFloat("min_score", t.defaultMinScore),
		IncludeMetadata: request.GetBool("include_metadata", false),
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(resp)
}

func (t *Tools) handleDocumentStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("doc_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := t.docs.GetByID(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(doc)
}

// toolError reports domain failures inside the result so the calling model sees them.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return mcp.NewToolResultError("invalid request: " + err.Error())
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		return mcp.NewToolResultError("not found: " + err.Error())
	case domain.IsKind(err, domain.ErrEmbeddingUnavailable), domain.IsKind(err, domain.ErrTemporary):
		return mcp.NewToolResultError("temporarily unavailable: " + err.Error())
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
