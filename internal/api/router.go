// Package api exposes the conversation engine over HTTP, WebSocket and MCP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ShayFeldboy1010/lustchatbot/internal/conversation"
	"github.com/ShayFeldboy1010/lustchatbot/internal/ingest"
	"github.com/ShayFeldboy1010/lustchatbot/internal/retrieval"
	"github.com/ShayFeldboy1010/lustchatbot/internal/storage"
)

// Conversation is the orchestrator surface the transport layer uses.
type Conversation interface {
	HandleTurn(ctx context.Context, sessionID, text string) (conversation.TurnResult, error)
	History(ctx context.Context, id string) ([]storage.Message, error)
	Session(ctx context.Context, id string) (storage.Session, error)
	Clear(ctx context.Context, id string) error
	ClearAll(ctx context.Context) (int, error)
	ActiveSessions(ctx context.Context, since time.Time) ([]storage.SessionSummary, error)
	Escalations(ctx context.Context, sessionID string, limit int) ([]storage.EscalationEvent, error)
	Stats(ctx context.Context) (conversation.Stats, error)
}

// Knowledge stores and removes knowledge documents.
type Knowledge interface {
	Submit(ctx context.Context, d ingest.Document) (storage.KnowledgeDoc, error)
	Delete(ctx context.Context, id string) error
}

// DocLister lists stored knowledge documents.
type DocLister interface {
	ListKnowledgeDocs(ctx context.Context, limit, offset int) ([]storage.KnowledgeDoc, error)
}

// Searcher runs semantic search over the knowledge base.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.KnowledgeChunk, error)
}

// Deps holds everything the handlers need. Knowledge, Docs, Retriever, MCP
// and Ping are optional.
type Deps struct {
	Conversation   Conversation
	Knowledge      Knowledge
	Docs           DocLister
	Retriever      Searcher
	AdminToken     string
	AllowedOrigins []string
	Ping           func(ctx context.Context) error
	MCP            http.Handler
}

// NewRouter builds the public chat routes, the WebSocket endpoint and the
// bearer-protected admin routes.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(CORS(deps.AllowedOrigins))

	r.Get("/health", handleHealth(deps))
	r.Post("/api/chat", handleChat(deps))
	r.Get("/api/history/{id}", handleHistory(deps))
	r.Delete("/api/history/{id}", handleClearHistory(deps))
	r.Get("/api/session/{id}", handleSession(deps))
	r.Get("/ws/chat", NewChatSocket(deps.Conversation, deps.AllowedOrigins).ServeHTTP)

	r.Mount("/api/admin", newAdminRouter(deps))
	if deps.MCP != nil {
		r.With(BearerAuth(deps.AdminToken)).Handle("/mcp", deps.MCP)
	}
	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ping(ctx); err != nil {
				slog.Warn("api: health check failed", "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is returned by POST /api/chat and the WebSocket endpoint.
type ChatResponse struct {
	Response        string `json:"response"`
	SessionID       string `json:"session_id"`
	NeedsEscalation bool   `json:"needs_escalation"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Conversation.HandleTurn(r.Context(), req.SessionID, req.Message)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, ChatResponse{
			Response:        res.Reply,
			SessionID:       res.SessionID,
			NeedsEscalation: res.Escalated,
		})
	}
}

type messageView struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func toMessageViews(msgs []storage.Message) []messageView {
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = messageView{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
	}
	return out
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		msgs, err := deps.Conversation.History(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"session_id": id,
			"messages":   toMessageViews(msgs),
		})
	}
}

func handleClearHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Conversation.Clear(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "cleared", "session_id": id})
	}
}

type sessionView struct {
	SessionID     string        `json:"session_id"`
	Escalated     bool          `json:"escalated"`
	OrderCaptured bool          `json:"order_captured"`
	MessageCount  int           `json:"message_count"`
	Warnings      []string      `json:"warnings"`
	Messages      []messageView `json:"messages"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActiveAt  time.Time     `json:"last_active_at"`
}

func handleSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Conversation.Session(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		warnings := sess.Warnings
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, sessionView{
			SessionID:     sess.ID,
			Escalated:     sess.Escalated,
			OrderCaptured: sess.OrderCaptured,
			MessageCount:  len(sess.Messages),
			Warnings:      warnings,
			Messages:      toMessageViews(sess.Messages),
			CreatedAt:     sess.CreatedAt,
			LastActiveAt:  sess.LastActiveAt,
		})
	}
}
