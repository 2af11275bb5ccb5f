package api

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/kbsync/internal/retrieval"
	"github.com/kalambet/kbsync/internal/watermark"
)

const maxSnippetRunes = 2000

// NewMCPServer creates an MCP server exposing search and sync tools over svc.
func NewMCPServer(svc Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"kbsync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("kbsync: search resolved ServiceNow tickets and uploaded documentation."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Semantically search resolved tickets and documentation chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("collection",
				mcp.Description("Restrict to one collection; both are searched when omitted"),
				mcp.Enum(retrieval.TicketCollection, retrieval.DocumentCollection),
			),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearch(svc),
	)

	s.AddTool(
		mcp.NewTool("sync_tickets",
			mcp.WithDescription("Pull tickets changed since the last sync into the ticket collection."),
		),
		mcpSyncTickets(svc),
	)

	s.AddTool(
		mcp.NewTool("list_collections",
			mcp.WithDescription("List vector store collections with their record counts."),
		),
		mcpListCollections(svc),
	)

	s.AddTool(
		mcp.NewTool("last_sync_time",
			mcp.WithDescription("Return the ticket sync watermark: tickets modified after it are fetched by the next sync."),
		),
		mcpLastSyncTime(svc),
	)

	s.AddResource(
		mcp.NewResource(
			"kbsync://status",
			"Sync Status",
			mcp.WithResourceDescription("Sync state, watermark, collection sizes and recent runs as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(svc),
	)

	return s
}

type searchResult struct {
	ID           string  `json:"id"`
	Collection   string  `json:"collection"`
	Score        float32 `json:"score"`
	Text         string  `json:"text"`
	TicketNumber string  `json:"ticket_number,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	URL          string  `json:"url,omitempty"`
}

func mcpSearch(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}
		collection := req.GetString("collection", "")

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		matches, err := svc.Search(ctx, query, collection, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		results := make([]searchResult, len(matches))
		for i, m := range matches {
			text := m.Text
			if utf8.RuneCountInString(text) > maxSnippetRunes {
				text = string([]rune(text)[:maxSnippetRunes]) + "..."
			}
			results[i] = searchResult{
				ID:           m.ID,
				Collection:   m.Collection,
				Score:        m.Score,
				Text:         text,
				TicketNumber: m.Metadata.TicketNumber,
				Filename:     m.Metadata.Filename,
				URL:          m.Metadata.URL,
			}
		}
		return mcpJSON(results)
	}
}

func mcpSyncTickets(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := svc.SyncTickets(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Synced %d ticket(s); watermark now %s",
			res.TicketsSynced, watermark.Format(res.WatermarkAdvancedTo))), nil
	}
}

func mcpListCollections(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		infos, err := svc.ListCollections(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing collections failed: %v", err)), nil
		}
		return mcpJSON(infos)
	}
}

func mcpLastSyncTime(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t, err := svc.GetLastUpdateTime(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reading watermark failed: %v", err)), nil
		}
		return mcpText(watermark.Format(t)), nil
	}
}

func mcpResourceStatus(svc Service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := svc.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get status: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
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
