package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/scatterbrain-app/scatterbrain/internal/capture"
	"github.com/scatterbrain-app/scatterbrain/internal/pipeline"
	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

// MCPDeps holds dependencies for the MCP server. The MCP transport is local,
// so every call acts for a single configured user.
type MCPDeps struct {
	Store    *storage.Store
	Pipeline *pipeline.Pipeline
	Meter    *usage.Meter
	Capturer *capture.Capturer
	UserID   string
}

func (d MCPDeps) user() string {
	if d.UserID == "" {
		return DefaultUserID
	}
	return d.UserID
}

// NewMCPServer creates an MCP server with all scatterbrain tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"scatterbrain",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("scatterbrain turns scattered thoughts into themes, next actions and ready-to-post content."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("capture_thought",
			mcp.WithDescription("Capture a raw thought for later synthesis."),
			mcp.WithString("content", mcp.Description("The thought, as typed or dictated"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional short title")),
		),
		mcpCaptureThought(deps),
	)

	s.AddTool(
		mcp.NewTool("synthesize_thought",
			mcp.WithDescription("Synthesize a stored thought (by id) or free text into key themes, action items and content suggestions."),
			mcp.WithString("thought_id", mcp.Description("ID of a captured thought")),
			mcp.WithString("content", mcp.Description("Text to synthesize when no thought_id is given")),
			mcp.WithString("depth", mcp.Description("Insight depth: brief, detailed or deep")),
			mcp.WithArray("platforms", mcp.Description("Platforms to draft content for, e.g. twitter, linkedin")),
		),
		mcpSynthesizeThought(deps),
	)

	s.AddTool(
		mcp.NewTool("list_thoughts",
			mcp.WithDescription("List recently captured thoughts, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of thoughts (default 10)")),
		),
		mcpListThoughts(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"user://usage",
			"Usage",
			mcp.WithResourceDescription("Current tier, limits and usage this month as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceUsage(deps),
	)

	return s
}

func mcpCaptureThought(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		uid := deps.user()
		if err := deps.Meter.CheckThought(uid, capture.MethodText); err != nil {
			var limitErr *usage.LimitError
			if errors.As(err, &limitErr) {
				return mcpError(fmt.Sprintf("upgrade required: %v", limitErr)), nil
			}
			return mcpInternal("failed to check usage", err), nil
		}

		c, err := deps.Capturer.FromText(content, capture.MethodText)
		if errors.Is(err, capture.ErrEmpty) || errors.Is(err, capture.ErrTooLarge) {
			return mcpError(fmt.Sprintf("cannot capture: %v", err)), nil
		}
		if err != nil {
			return mcpInternal("cannot capture", err), nil
		}
		if t := strings.TrimSpace(req.GetString("title", "")); t != "" {
			c.Title = t
		}

		th := storage.Thought{
			ID:          uuid.New().String(),
			UserID:      uid,
			Title:       c.Title,
			Content:     c.Content,
			InputMethod: c.InputMethod,
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.SaveThought(th); err != nil {
			return mcpInternal("failed to save thought", err), nil
		}
		if err := deps.Meter.Record(uid, usage.FeatureThought); err != nil {
			slog.Error("failed to record thought usage", "user", uid, "error", err)
		}

		return mcpText(fmt.Sprintf("Captured thought %s", th.ID)), nil
	}
}

func mcpSynthesizeThought(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		uid := deps.user()
		thoughtID := req.GetString("thought_id", "")
		input := req.GetString("content", "")
		inputMethod := capture.MethodText

		if thoughtID != "" {
			th, err := deps.Store.GetThought(uid, thoughtID)
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError("thought not found"), nil
			}
			if err != nil {
				return mcpInternal("failed to load thought", err), nil
			}
			input = th.Content
			inputMethod = th.InputMethod
		}
		if strings.TrimSpace(input) == "" {
			return mcpError("thought_id or content is required"), nil
		}

		platforms := req.GetStringSlice("platforms", nil)
		sreq := synthesis.SynthesizeRequest{
			Input:   input,
			Context: synthesis.Context{InputMethod: inputMethod},
			Preferences: synthesis.Preferences{
				InsightDepth: req.GetString("depth", ""),
				Platforms:    platforms,
			},
			Features:  synthesis.Features{GenerateContent: len(platforms) > 0},
			SessionID: "mcp_" + uuid.New().String(),
		}

		res, _, err := deps.Pipeline.Synthesize(ctx, uid, thoughtID, sreq, nil)
		if err != nil {
			var limitErr *usage.LimitError
			if errors.As(err, &limitErr) {
				return mcpError(fmt.Sprintf("upgrade required: %v", limitErr)), nil
			}
			_, payload := synthesisFailure(err)
			slog.Warn("MCP synthesis failed", "user", uid, "error", err)
			return mcpError(payload.Error), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpInternal("failed to encode result", err), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListThoughts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		thoughts, err := deps.Store.ListThoughts(deps.user(), limit, 0)
		if err != nil {
			return mcpInternal("failed to list thoughts", err), nil
		}

		type thoughtSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
			Preview   string `json:"preview"`
		}

		summaries := make([]thoughtSummary, len(thoughts))
		for i, th := range thoughts {
			preview := th.Content
			if utf8.RuneCountInString(preview) > 200 {
				runes := []rune(preview)
				preview = string(runes[:200]) + "..."
			}
			summaries[i] = thoughtSummary{
				ID:        th.ID,
				Title:     th.Title,
				Status:    th.Status,
				CreatedAt: th.CreatedAt.Format(time.RFC3339),
				Preview:   preview,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpInternal("failed to encode thoughts", err), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceUsage(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		summary, err := deps.Meter.Summary(deps.user())
		if err != nil {
			slog.Error("MCP failed to load usage", "error", err)
			return nil, errors.New("failed to load usage")
		}

		b, err := json.Marshal(summary)
		if err != nil {
			slog.Error("MCP failed to encode usage", "error", err)
			return nil, errors.New("failed to encode usage")
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

// mcpInternal logs err and returns a tool error carrying msg alone.
func mcpInternal(msg string, err error) *mcp.CallToolResult {
	slog.Error("MCP "+msg, "error", err)
	return mcpError(msg)
}
