package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ShayFeldboy1010/lustchatbot/internal/conversation"
	"github.com/ShayFeldboy1010/lustchatbot/internal/retrieval"
)

type mockSearcher struct {
	chunks []retrieval.KnowledgeChunk
	err    error
	gotK   int
}

func (m *mockSearcher) Retrieve(_ context.Context, _ string, k int) ([]retrieval.KnowledgeChunk, error) {
	m.gotK = k
	return m.chunks, m.err
}

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	deps, _ := setupDeps(t)
	return MCPDeps{
		Conversation: deps.Conversation,
		Knowledge:    deps.Knowledge,
		Retriever: &mockSearcher{chunks: []retrieval.KnowledgeChunk{
			{SourceID: "d1", SourceType: "faq", Title: "משלוחים", Text: "משלוח חינם מעל 200 ₪", Score: 0.91},
		}},
		Version: "test",
	}
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

func TestMCPTool_Chat(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpChat(deps)

	result, err := handler(context.Background(), makeCallToolRequest("chat", map[string]interface{}{
		"message":    "כמה עולה משלוח?",
		"session_id": "mcp-1",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var resp ChatResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.SessionID != "mcp-1" || resp.Response != "המחיר הוא 149 ₪" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMCPTool_ChatMissingMessage(t *testing.T) {
	deps := newTestMCPDeps(t)
	result, err := mcpChat(deps)(context.Background(), makeCallToolRequest("chat", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error")
	}
}

func TestMCPTool_SearchKnowledge(t *testing.T) {
	deps := newTestMCPDeps(t)
	result, err := mcpSearchKnowledge(deps)(context.Background(), makeCallToolRequest("search_knowledge", map[string]interface{}{
		"query": "משלוח",
		"limit": float64(3),
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if got := deps.Retriever.(*mockSearcher).gotK; got != 3 {
		t.Errorf("k = %d, want 3", got)
	}

	var chunks []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &chunks); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(chunks) != 1 || chunks[0]["source_id"] != "d1" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestMCPTool_SearchKnowledgeErrors(t *testing.T) {
	deps := newTestMCPDeps(t)
	deps.Retriever = &mockSearcher{err: errors.New("embedder down")}
	result, _ := mcpSearchKnowledge(deps)(context.Background(), makeCallToolRequest("search_knowledge", map[string]interface{}{"query": "x"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "embedder down") {
		t.Errorf("result = %+v", result)
	}

	deps.Retriever = nil
	result, _ = mcpSearchKnowledge(deps)(context.Background(), makeCallToolRequest("search_knowledge", map[string]interface{}{"query": "x"}))
	if !result.IsError {
		t.Error("expected error without retriever")
	}
}

func TestMCPTool_ListEscalations(t *testing.T) {
	deps := newTestMCPDeps(t)
	if _, err := deps.Conversation.HandleTurn(context.Background(), "s-esc", "זה דחוף, תעבירו לנציג"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	result, err := mcpListEscalations(deps)(context.Background(), makeCallToolRequest("list_escalations", map[string]interface{}{
		"session_id": "s-esc",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var events []escalationView
	if err := json.Unmarshal([]byte(toolText(t, result)), &events); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(events) != 1 || events[0].SessionID != "s-esc" {
		t.Errorf("events = %+v", events)
	}
}

func TestMCPTool_AddKnowledge(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpAddKnowledge(deps)

	result, err := handler(context.Background(), makeCallToolRequest("add_knowledge", map[string]interface{}{
		"title":   "החזרות",
		"content": "ניתן להחזיר מוצר סגור תוך 14 יום",
		"tags":    []interface{}{"returns"},
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError || !strings.HasPrefix(toolText(t, result), "Stored knowledge doc ") {
		t.Errorf("result = %q", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("add_knowledge", map[string]interface{}{"title": "ריק"}))
	if !result.IsError {
		t.Error("expected error without content or url")
	}
}

func TestMCPResource_Stats(t *testing.T) {
	deps := newTestMCPDeps(t)
	if _, err := deps.Conversation.HandleTurn(context.Background(), "s1", "שלום"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	contents, err := mcpResourceStats(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "support://stats"},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var st conversation.Stats
	if err := json.Unmarshal([]byte(tc.Text), &st); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if st.TotalSessions != 1 || st.TotalMessages != 2 {
		t.Errorf("stats = %+v", st)
	}
}
