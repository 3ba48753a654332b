package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *catalog.Store
	Version string
}

// NewMCPServer creates an MCP server exposing the local karaoke library as
// read-only tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"vibesync",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vibesync — local catalog of purchased karaoke tracks, downloads, and sync history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_library",
			mcp.WithDescription("Search the local karaoke library by artist, title, or track ID."),
			mcp.WithString("query", mcp.Description("Substring to match against artist, title, or track ID"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchLibrary(deps),
	)

	s.AddTool(
		mcp.NewTool("library_status",
			mcp.WithDescription("Report library totals: tracks in the catalog, pending downloads, newest track."),
		),
		mcpLibraryStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("operation_logs",
			mcp.WithDescription("List recent sync and download operations with their outcomes."),
			mcp.WithString("operation", mcp.Description("Filter by operation name (e.g. sync, download)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 10)")),
		),
		mcpOperationLogs(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"library://pending",
			"Pending Downloads",
			mcp.WithResourceDescription("Tracks purchased but not yet downloaded, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpSearchLibrary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		tracks, err := deps.Store.ListTracks()
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		needle := strings.ToLower(query)
		matches := make([]catalog.Track, 0, limit)
		for _, t := range tracks {
			if len(matches) >= limit {
				break
			}
			if strings.Contains(strings.ToLower(t.Artist), needle) ||
				strings.Contains(strings.ToLower(t.Title), needle) ||
				strings.Contains(strings.ToLower(t.ID), needle) {
				matches = append(matches, t)
			}
		}

		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(matches)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpLibraryStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		total, err := deps.Store.TrackCount()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count tracks: %v", err)), nil
		}
		pending, err := deps.Store.PendingTracks()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list pending tracks: %v", err)), nil
		}
		last, err := deps.Store.LastTrackID()
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return mcpError(fmt.Sprintf("failed to read last track: %v", err)), nil
		}

		b, err := json.Marshal(StatusResponse{
			Version:       deps.Version,
			TotalTracks:   total,
			PendingTracks: len(pending),
			LastTrackID:   last,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpOperationLogs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		logs, err := deps.Store.RecentOperations(catalog.LogFilter{
			Operation: req.GetString("operation", ""),
			Page:      1,
			PageSize:  limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list operation logs: %v", err)), nil
		}

		if len(logs) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(logs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal logs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		pending, err := deps.Store.PendingTracks()
		if err != nil {
			return nil, fmt.Errorf("failed to list pending tracks: %w", err)
		}

		b, err := json.Marshal(pending)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending tracks: %w", err)
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
