package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayFeldboy1010/lustchatbot/internal/api"
	"github.com/ShayFeldboy1010/lustchatbot/internal/config"
	"github.com/ShayFeldboy1010/lustchatbot/internal/conversation"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the agent as a customer",
	Long: `Chat with the agent as a customer.

With a message argument a single turn is sent. Without one an interactive
session starts; an empty line or Ctrl-D ends it.

Examples:
  lustbot chat "מה מחיר המוצר?"
  lustbot chat --session web-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if len(args) > 0 {
			_, err := sendChat(ctx, client, sessionID, strings.Join(args, " "))
			return err
		}

		in := bufio.NewScanner(os.Stdin)
		for {
			fmt.Fprint(os.Stderr, colorize(colorCyan, "> "))
			if !in.Scan() {
				return in.Err()
			}
			line := strings.TrimSpace(in.Text())
			if line == "" {
				return nil
			}
			resp, err := sendChat(ctx, client, sessionID, line)
			if err != nil {
				return err
			}
			sessionID = resp.SessionID
		}
	},
}

func sendChat(ctx context.Context, client *apiClient, sessionID, message string) (api.ChatResponse, error) {
	resp, err := client.post(ctx, "/api/chat", api.ChatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return api.ChatResponse{}, err
	}
	var out api.ChatResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.ChatResponse{}, err
	}
	fmt.Println(out.Response)
	if out.NeedsEscalation {
		printWarning("session %s escalated to a human", out.SessionID)
	}
	if sessionID == "" {
		printStatus("Session", "%s", out.SessionID)
	}
	return out, nil
}

func init() {
	chatCmd.Flags().String("session", "", "session id to continue")
}

// --- history / clear ---

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the messages of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/history/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var out struct {
			Messages []struct {
				Role      string    `json:"role"`
				Content   string    `json:"content"`
				CreatedAt time.Time `json:"created_at"`
			} `json:"messages"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if len(out.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range out.Messages {
			role := colorize(colorGreen, "customer")
			if m.Role == "assistant" {
				role = colorize(colorCyan, "agent   ")
			}
			fmt.Printf("%s  %s  %s\n", formatTime(m.CreatedAt), role, m.Content)
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <session-id>",
	Short: "Clear the history of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/history/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Cleared session %s", args[0])
		return nil
	},
}

// --- admin views ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions active within the session TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/api/admin/sessions"
		if since > 0 {
			path += "?since=" + url.QueryEscape(time.Now().Add(-since).UTC().Format(time.RFC3339))
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var out struct {
			Sessions []struct {
				SessionID    string    `json:"session_id"`
				MessageCount int       `json:"message_count"`
				Escalated    bool      `json:"escalated"`
				LastActiveAt time.Time `json:"last_active_at"`
			} `json:"sessions"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if len(out.Sessions) == 0 {
			fmt.Println("No active sessions.")
			return nil
		}
		for _, s := range out.Sessions {
			flag := ""
			if s.Escalated {
				flag = colorize(colorYellow, " escalated")
			}
			fmt.Printf("%s  %s  %3d msgs%s\n", colorize(colorCyan, s.SessionID), formatTime(s.LastActiveAt), s.MessageCount, flag)
		}
		return nil
	},
}

func init() {
	sessionsCmd.Flags().Duration("since", 0, "only sessions active within this duration (default: server session TTL)")
}

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List escalation events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if sessionID != "" {
			q.Set("session_id", sessionID)
		}
		resp, err := client.get(cmd.Context(), "/api/admin/escalations?"+q.Encode())
		if err != nil {
			return err
		}

		var out struct {
			Escalations []struct {
				SessionID     string    `json:"session_id"`
				Message       string    `json:"message"`
				Reason        string    `json:"reason"`
				CustomerPhone string    `json:"customer_phone"`
				CreatedAt     time.Time `json:"created_at"`
			} `json:"escalations"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if len(out.Escalations) == 0 {
			fmt.Println("No escalations.")
			return nil
		}
		for _, e := range out.Escalations {
			phone := e.CustomerPhone
			if phone == "" {
				phone = "-"
			}
			fmt.Printf("%s  %s  %-24s %-14s %s\n",
				formatTime(e.CreatedAt),
				colorize(colorCyan, shortID(e.SessionID)),
				e.Reason,
				phone,
				truncate(e.Message, 60),
			)
		}
		return nil
	},
}

func init() {
	escalationsCmd.Flags().Int("limit", 20, "maximum number of events")
	escalationsCmd.Flags().String("session", "", "only events for this session")
}

func fetchStats(ctx context.Context, client *apiClient) (conversation.Stats, error) {
	resp, err := client.get(ctx, "/api/admin/stats")
	if err != nil {
		return conversation.Stats{}, err
	}
	var st conversation.Stats
	err = decodeJSON(resp, &st)
	return st, err
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show support statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := fetchStats(cmd.Context(), client)
		if err != nil {
			return err
		}
		printStatus("Active sessions", "%d", st.ActiveSessions)
		printStatus("Total sessions", "%d", st.TotalSessions)
		printStatus("Messages", "%d", st.TotalMessages)
		printStatus("Escalations", "%d", st.TotalEscalations)
		printStatus("Records", "%d", st.TotalRecords)
		printStatus("Escalation rate", "%.1f%%", st.EscalationRate*100)
		return nil
	},
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add content to the shop knowledge base",
	Long: `Add content to the shop knowledge base. Embedding runs in the background.

Examples:
  lustbot ingest --text "משלוח חינם בהזמנה מעל 200 ₪" --tags shipping
  lustbot ingest --url https://lust.co.il/shipping --tags shipping
  lustbot ingest --file ./catalogue.pdf --title "קטלוג 2025" --tags catalogue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		link, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		tagsStr, _ := cmd.Flags().GetString("tags")

		req, err := buildIngestRequest(text, link, file, title, tagsStr)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/admin/knowledge", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued doc %s", result["id"])
		return nil
	},
}

// buildIngestRequest turns the ingest flags into a knowledge submission.
// Files are sent base64 encoded so PDFs survive the JSON body.
func buildIngestRequest(text, link, file, title, tagsStr string) (map[string]any, error) {
	if text == "" && link == "" && file == "" {
		return nil, fmt.Errorf("one of --text, --url, or --file is required")
	}

	req := map[string]any{"source": "cli"}
	if tagsStr != "" {
		var tags []string
		for _, t := range strings.Split(tagsStr, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		req["tags"] = tags
	}
	if title != "" {
		req["title"] = title
	}

	switch {
	case text != "":
		req["type"] = "text"
		req["content"] = text
	case link != "":
		req["type"] = "url"
		req["url"] = link
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		req["type"] = "file"
		req["content"] = base64.StdEncoding.EncodeToString(data)
		if title == "" {
			req["title"] = filepath.Base(file)
		}
	}
	return req, nil
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "page or PDF URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "text, HTML or PDF file to ingest")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().String("tags", "", "comma-separated tags")
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "List or delete knowledge documents",
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/admin/knowledge?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []struct {
			ID         string    `json:"id"`
			Title      string    `json:"title"`
			Source     string    `json:"source"`
			Tags       []string  `json:"tags"`
			ChunkCount int       `json:"chunk_count"`
			CreatedAt  time.Time `json:"created_at"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents.")
			return nil
		}
		for _, d := range docs {
			chunks := fmt.Sprintf("%d chunks", d.ChunkCount)
			if d.ChunkCount == 0 {
				chunks = colorize(colorYellow, "pending")
			}
			fmt.Printf("%s  %s  %-8s %-12s %s\n",
				colorize(colorCyan, shortID(d.ID)),
				formatTime(d.CreatedAt),
				d.Source,
				chunks,
				truncate(d.Title, 60),
			)
		}
		return nil
	},
}

var knowledgeDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a knowledge document and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/admin/knowledge/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Deleted doc %s", args[0])
		return nil
	},
}

func init() {
	knowledgeListCmd.Flags().Int("limit", 20, "maximum number of documents")
	knowledgeCmd.AddCommand(knowledgeListCmd)
	knowledgeCmd.AddCommand(knowledgeDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadUnchecked()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		if err := cfg.Validate(); err != nil {
			printWarning("configuration is incomplete:\n%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.Path())
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configKeysCmd)
}
