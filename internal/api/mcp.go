package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ShayFeldboy1010/lustchatbot/internal/ingest"
)

// MCPDeps holds dependencies for the MCP server. Knowledge and Retriever are
// optional; their tools report an error when missing.
type MCPDeps struct {
	Conversation Conversation
	Knowledge    Knowledge
	Retriever    Searcher
	Version      string
}

// NewMCPServer creates an MCP server exposing the support agent to
// operator tooling.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"lustbot",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lustbot: LUST customer support agent. Chat as a customer, search the shop knowledge base, review escalations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a customer message to the support agent and return its reply."),
			mcp.WithString("message", mcp.Description("Customer message"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Existing session to continue; empty starts a new one")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Semantically search the shop knowledge base."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("list_escalations",
			mcp.WithDescription("List sessions handed off to a human, newest first."),
			mcp.WithString("session_id", mcp.Description("Only events for this session")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of events (default 20)")),
		),
		mcpListEscalations(deps),
	)

	s.AddTool(
		mcp.NewTool("add_knowledge",
			mcp.WithDescription("Add a text or URL to the knowledge base. Embedding happens in the background."),
			mcp.WithString("title", mcp.Description("Title for the entry")),
			mcp.WithString("content", mcp.Description("Text content to store")),
			mcp.WithString("url", mcp.Description("Page or PDF to fetch instead of content")),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
		),
		mcpAddKnowledge(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"support://stats",
			"Support statistics",
			mcp.WithResourceDescription("Session, message and escalation counters as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		res, err := deps.Conversation.HandleTurn(ctx, req.GetString("session_id", ""), message)
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}
		return mcpJSON(ChatResponse{
			Response:        res.Reply,
			SessionID:       res.SessionID,
			NeedsEscalation: res.Escalated,
		})
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Retriever == nil {
			return mcpError("search not available: no retriever configured"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 5)

		chunks, err := deps.Retriever.Retrieve(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type chunkResult struct {
			SourceID   string  `json:"source_id"`
			SourceType string  `json:"source_type"`
			Title      string  `json:"title,omitempty"`
			Text       string  `json:"text"`
			Score      float32 `json:"score"`
		}
		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{c.SourceID, c.SourceType, c.Title, c.Text, c.Score}
		}
		return mcpJSON(results)
	}
}

func mcpListEscalations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		events, err := deps.Conversation.Escalations(ctx, req.GetString("session_id", ""), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing escalations failed: %v", err)), nil
		}
		return mcpJSON(toEscalationViews(events))
	}
}

func mcpAddKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Knowledge == nil {
			return mcpError("knowledge ingestion not configured"), nil
		}
		doc := ingest.Document{
			Source:  "mcp",
			Title:   req.GetString("title", ""),
			Content: req.GetString("content", ""),
			URL:     req.GetString("url", ""),
			Tags:    req.GetStringSlice("tags", nil),
		}
		if doc.Content == "" && doc.URL == "" {
			return mcpError("content or url is required"), nil
		}
		if doc.Content == "" {
			doc.Type = ingest.TypeURL
		}

		stored, err := deps.Knowledge.Submit(ctx, doc)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add knowledge: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored knowledge doc %s", stored.ID)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Conversation.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
