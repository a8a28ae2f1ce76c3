package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	deps, store := newTestDeps(t, &fakeEngine{})
	return MCPDeps{
		Store:    deps.Store,
		Pipeline: deps.Pipeline,
		Meter:    deps.Meter,
		Capturer: deps.Capturer,
		UserID:   "mcp-user",
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_CaptureThought(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	handler := mcpCaptureThought(deps)

	req := makeCallToolRequest("capture_thought", map[string]interface{}{
		"title":   "Newsletter",
		"content": "weekly letter on deep work",
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %s", toolText(t, result))
	}

	text := toolText(t, result)
	if !strings.HasPrefix(text, "Captured thought ") {
		t.Fatalf("text = %q", text)
	}
	id := strings.TrimPrefix(text, "Captured thought ")

	th, err := store.GetThought("mcp-user", id)
	if err != nil {
		t.Fatalf("GetThought: %v", err)
	}
	if th.Title != "Newsletter" || th.Content != "weekly letter on deep work" {
		t.Errorf("thought = %+v", th)
	}
	s, _ := deps.Meter.Summary("mcp-user")
	if s.Used[usage.FeatureThought] != 1 {
		t.Errorf("usage = %v", s.Used)
	}
}

func TestMCPTool_CaptureThought_MissingContent(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpCaptureThought(deps)

	result, err := handler(context.Background(), makeCallToolRequest("capture_thought", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result")
	}
}

func TestMCPTool_SynthesizeContent(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSynthesizeThought(deps)

	req := makeCallToolRequest("synthesize_thought", map[string]interface{}{
		"content":   "slow productivity newsletter",
		"platforms": []interface{}{"twitter"},
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %s", toolText(t, result))
	}

	var res synthesis.SynthesizeResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(res.Insights.KeyThemes) != 1 || res.Insights.KeyThemes[0].Theme != "Slow productivity" {
		t.Errorf("result = %+v", res)
	}
}

func TestMCPTool_SynthesizeStoredThought(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	captured, _ := mcpCaptureThought(deps)(context.Background(), makeCallToolRequest("capture_thought", map[string]interface{}{
		"content": "learn to draw",
	}))
	id := strings.TrimPrefix(toolText(t, captured), "Captured thought ")

	result, err := mcpSynthesizeThought(deps)(context.Background(), makeCallToolRequest("synthesize_thought", map[string]interface{}{
		"thought_id": id,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %s", toolText(t, result))
	}

	th, _ := store.GetThought("mcp-user", id)
	if th.Status != storage.ThoughtSynthesized {
		t.Errorf("thought status = %q, want synthesized", th.Status)
	}
}

func TestMCPTool_SynthesizeErrors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSynthesizeThought(deps)

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"nothing to synthesize", map[string]interface{}{}, "thought_id or content is required"},
		{"unknown thought", map[string]interface{}{"thought_id": "nope"}, "thought not found"},
		{"deep on free tier", map[string]interface{}{"content": "x", "depth": "deep"}, "upgrade required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("synthesize_thought", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected error result")
			}
			if text := toolText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("text = %q, want it to contain %q", text, tt.want)
			}
		})
	}
}

func TestMCPTool_ListThoughts(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	capture := mcpCaptureThought(deps)
	long := strings.Repeat("é", 250)
	for _, c := range []string{"short one", long} {
		if r, _ := capture(context.Background(), makeCallToolRequest("capture_thought", map[string]interface{}{"content": c})); r.IsError {
			t.Fatalf("capture failed: %s", toolText(t, r))
		}
	}

	result, err := mcpListThoughts(deps)(context.Background(), makeCallToolRequest("list_thoughts", map[string]interface{}{"limit": float64(5)}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var items []struct {
		ID      string `json:"id"`
		Preview string `json:"preview"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &items); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	for _, it := range items {
		if strings.HasPrefix(it.Preview, "é") && it.Preview != strings.Repeat("é", 200)+"..." {
			t.Errorf("long preview not truncated to 200 runes: %d runes", len([]rune(it.Preview)))
		}
	}
}

func TestMCPResource_Usage(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpResourceUsage(deps)

	contents, err := handler(context.Background(), makeReadResourceRequest("user://usage"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var s usage.Summary
	if err := json.Unmarshal([]byte(tc.Text), &s); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if s.UserID != "mcp-user" || s.Tier != usage.Free {
		t.Errorf("summary = %+v", s)
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)

	tools := s.ListTools()
	for _, name := range []string{"capture_thought", "synthesize_thought", "list_thoughts"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestMCPTool_StorageErrorsStayGeneric(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	store.Close()

	result, err := mcpListThoughts(deps)(context.Background(), makeCallToolRequest("list_thoughts", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if text := toolText(t, result); text != "failed to list thoughts" {
		t.Errorf("text = %q", text)
	}
}
