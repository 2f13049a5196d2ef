package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docent/internal/feed"
	"github.com/kalambet/docent/internal/pipeline"
	"github.com/kalambet/docent/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Feed     *feed.Store
	Pipeline Pipeline
	Tours    *storage.Store
	// BaseContext outlives tool calls; submissions started without waiting
	// run under it.
	BaseContext context.Context
	// WaitLimit bounds how long submit_photos waits when asked to.
	WaitLimit time.Duration
}

// NewMCPServer creates an MCP server with the docent tools registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.WaitLimit <= 0 {
		deps.WaitLimit = 5 * time.Minute
	}

	s := server.NewMCPServer(
		"docent",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docent turns photos of museum objects into narrated tour items."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_items",
			mcp.WithDescription("List the tour items of the current session with their generation status."),
			mcp.WithString("status", mcp.Description("Filter: all (default), pending or finished")),
		),
		mcpListItems(deps),
	)

	s.AddTool(
		mcp.NewTool("get_item",
			mcp.WithDescription("Get one tour item, including narrative text and audio URL once ready."),
			mcp.WithString("id", mcp.Description("Item id"), mcp.Required()),
		),
		mcpGetItem(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_photos",
			mcp.WithDescription("Start generating a tour item from photos of one object."),
			mcp.WithArray("photos", mcp.Description("Local paths of the photos"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Known title of the object")),
			mcp.WithString("artist", mcp.Description("Known artist")),
			mcp.WithString("year", mcp.Description("Known year or period")),
			mcp.WithString("material", mcp.Description("Known material")),
			mcp.WithString("description", mcp.Description("Free-form notes about the object")),
			mcp.WithString("voice", mcp.Description("Narration voice")),
			mcp.WithBoolean("wait", mcp.Description("Wait for the item to finish before returning")),
		),
		mcpSubmitPhotos(deps),
	)

	s.AddTool(
		mcp.NewTool("save_tour",
			mcp.WithDescription("Save the finished items of the current session as a tour."),
			mcp.WithString("title", mcp.Description("Tour title"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Tour description")),
			mcp.WithString("museum_name", mcp.Description("Museum name")),
			mcp.WithString("museum_id", mcp.Description("Museum identifier")),
		),
		mcpSaveTour(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tours",
			mcp.WithDescription("List saved tours, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tours (default 10)")),
		),
		mcpListTours(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docent://items",
			"Current tour items",
			mcp.WithResourceDescription("All items of the current session as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceItems(deps),
	)

	return s
}

func mcpListItems(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var items []feed.Item
		switch status := req.GetString("status", "all"); status {
		case "all", "":
			items = deps.Feed.Items()
		case "pending":
			items = deps.Feed.Pending()
		case "finished":
			items = deps.Feed.Finished()
		default:
			return mcpError(fmt.Sprintf("unknown status filter %q", status)), nil
		}

		type itemSummary struct {
			ID       string      `json:"id"`
			Status   feed.Status `json:"status"`
			ObjectID string      `json:"objectId,omitempty"`
			Title    string      `json:"title,omitempty"`
			Progress float64     `json:"audioStreamProgress"`
			Error    string      `json:"error,omitempty"`
		}
		summaries := make([]itemSummary, len(items))
		for i, it := range items {
			summaries[i] = itemSummary{
				ID:       it.ID,
				Status:   it.Status,
				ObjectID: it.ObjectID,
				Progress: it.AudioStreamProgress,
				Error:    it.Error,
			}
			if it.Metadata != nil {
				summaries[i].Title = it.Metadata.Title
			}
		}
		return mcpJSON(summaries)
	}
}

func mcpGetItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		it, ok := deps.Feed.Get(id)
		if !ok {
			return mcpError(fmt.Sprintf("item %s not found", id)), nil
		}
		// Audio payloads are large and useless to a model.
		it.AudioChunks = nil
		return mcpJSON(it)
	}
}

func mcpSubmitPhotos(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		photos := req.GetStringSlice("photos", nil)
		if len(photos) == 0 {
			return mcpError("photos is required"), nil
		}
		for _, p := range photos {
			if _, err := os.Stat(p); err != nil {
				return mcpError(fmt.Sprintf("cannot read photo %s: %v", p, err)), nil
			}
		}

		meta := &feed.Metadata{
			Title:       req.GetString("title", ""),
			Artist:      req.GetString("artist", ""),
			Year:        req.GetString("year", ""),
			Material:    req.GetString("material", ""),
			Description: req.GetString("description", ""),
		}
		if meta.IsZero() {
			meta = nil
		}
		var opts []pipeline.SubmitOption
		if voice := req.GetString("voice", ""); voice != "" {
			opts = append(opts, pipeline.WithVoice(voice))
		}

		id, errc := deps.Pipeline.Start(deps.BaseContext, photos, meta, opts...)
		if !req.GetBool("wait", false) {
			return mcpText(fmt.Sprintf("Started item %s", id)), nil
		}

		timer := time.NewTimer(deps.WaitLimit)
		defer timer.Stop()
		select {
		case err := <-errc:
			if err != nil {
				return mcpError(fmt.Sprintf("item %s failed: %v", id, err)), nil
			}
		case <-ctx.Done():
			return mcpText(fmt.Sprintf("Item %s is still generating", id)), nil
		case <-timer.C:
			return mcpText(fmt.Sprintf("Item %s is still generating", id)), nil
		}

		it, ok := deps.Feed.Get(id)
		if !ok {
			return mcpError(fmt.Sprintf("item %s was cleared before it finished", id)), nil
		}
		it.AudioChunks = nil
		return mcpJSON(it)
	}
}

func mcpSaveTour(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		id, err := deps.Tours.SaveTour(ctx, storage.TourParams{
			Title:       title,
			Description: req.GetString("description", ""),
			MuseumName:  req.GetString("museum_name", ""),
			MuseumID:    req.GetString("museum_id", ""),
			FeedItems:   deps.Feed.Finished(),
		})
		if errors.Is(err, storage.ErrEmptyTour) {
			return mcpError("no finished items to save"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save tour: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Saved tour %s", id)), nil
	}
}

func mcpListTours(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		tours, err := deps.Tours.ListTours(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list tours: %v", err)), nil
		}
		return mcpJSON(tours)
	}
}

func mcpResourceItems(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items := deps.Feed.Items()
		for i := range items {
			items[i].AudioChunks = nil
		}
		b, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal items: %w", err)
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
