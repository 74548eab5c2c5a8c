package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ShayFeldboy1010/lustchatbot/internal/ingest"
	"github.com/ShayFeldboy1010/lustchatbot/internal/storage"
)

func newAdminRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.AdminToken))

	r.Get("/sessions", handleListSessions(deps))
	r.Get("/escalations", handleListEscalations(deps))
	r.Get("/stats", handleStats(deps))
	r.Post("/clear-sessions", handleClearSessions(deps))
	r.Post("/knowledge", handleAddKnowledge(deps))
	r.Get("/knowledge", handleListKnowledge(deps))
	r.Delete("/knowledge/{id}", handleDeleteKnowledge(deps))
	return r
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since time.Time
		if s := r.URL.Query().Get("since"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "since must be RFC3339: %v", err)
				return
			}
			since = t
		}
		sessions, err := deps.Conversation.ActiveSessions(r.Context(), since)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if sessions == nil {
			sessions = []storage.SessionSummary{}
		}

		type summary struct {
			SessionID    string    `json:"session_id"`
			MessageCount int       `json:"message_count"`
			Escalated    bool      `json:"escalated"`
			CreatedAt    time.Time `json:"created_at"`
			LastActiveAt time.Time `json:"last_active_at"`
		}
		out := make([]summary, len(sessions))
		for i, s := range sessions {
			out[i] = summary{s.ID, s.MessageCount, s.Escalated, s.CreatedAt, s.LastActiveAt}
		}
		writeJSON(w, map[string]any{"sessions": out, "count": len(out)})
	}
}

type escalationView struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Message       string    `json:"message"`
	Reason        string    `json:"reason"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toEscalationViews(events []storage.EscalationEvent) []escalationView {
	out := make([]escalationView, len(events))
	for i, e := range events {
		out[i] = escalationView{e.ID, e.SessionID, e.Message, e.Reason, e.CustomerPhone, e.CreatedAt}
	}
	return out
}

func handleListEscalations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		events, err := deps.Conversation.Escalations(r.Context(), r.URL.Query().Get("session_id"), limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]any{"escalations": toEscalationViews(events), "count": len(events)})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Conversation.Stats(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, st)
	}
}

func handleClearSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Conversation.ClearAll(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		slog.Info("api: sessions cleared by admin", "count", n)
		writeJSON(w, map[string]any{"status": "cleared", "cleared": n})
	}
}

func handleAddKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Knowledge == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "knowledge ingestion not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var doc ingest.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if doc.Content == "" && doc.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}

		stored, err := deps.Knowledge.Submit(r.Context(), doc)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": stored.ID, "status": "queued"})
	}
}

type docView struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Source     string    `json:"source"`
	Tags       []string  `json:"tags"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func handleListKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Docs == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "knowledge listing not configured")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Docs.ListKnowledgeDocs(r.Context(), limit, offset)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		out := make([]docView, len(docs))
		for i, d := range docs {
			tags := []string{}
			_ = json.Unmarshal([]byte(d.Tags), &tags)
			out[i] = docView{d.ID, d.Title, d.Source, tags, d.ChunkCount, d.CreatedAt}
		}
		writeJSON(w, out)
	}
}

func handleDeleteKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Knowledge == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "knowledge ingestion not configured")
			return
		}
		if err := deps.Knowledge.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}
