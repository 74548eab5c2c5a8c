// Package notify sends support-team events to an outbound webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Event types.
const (
	EventEscalation = "escalation"
	EventOrder      = "order"
)

const defaultTimeout = 10 * time.Second

// Event is the JSON body posted to the webhook.
type Event struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Reason    string            `json:"reason,omitempty"`
	Message   string            `json:"message,omitempty"`
	Text      string            `json:"text"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Webhook posts events to a URL. A Webhook with an empty URL is a no-op.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
}

// Enabled reports whether a URL is configured.
func (w *Webhook) Enabled() bool { return w != nil && w.url != "" }

// Notify posts e. Callers treat failures as log-only.
func (w *Webhook) Notify(ctx context.Context, e Event) error {
	if !w.Enabled() {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Text == "" {
		e.Text = FormatText(e)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s notification: %w", e.Type, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("posting %s notification: unexpected status %d", e.Type, resp.StatusCode)
	}
	w.logger.Debug("notification sent", "type", e.Type, "session_id", e.SessionID)
	return nil
}

// FormatText renders a human-readable summary for chat-style receivers.
func FormatText(e Event) string {
	switch e.Type {
	case EventEscalation:
		return fmt.Sprintf("🚨 בקשה לנציג אנושי\n🆔 שיחה: %s\n📝 סיבה: %s\n💬 הודעה: %s", e.SessionID, e.Reason, e.Message)
	case EventOrder:
		f := e.Fields
		notes := f["delivery_notes"]
		if notes == "" {
			notes = "אין"
		}
		return fmt.Sprintf("🛒 הזמנה חדשה - תשלום לשליח!\n\n👤 שם: %s\n📱 טלפון: %s\n📦 מוצר: %s\n🔢 כמות: %s\n📍 כתובת: %s\n💳 אמצעי תשלום: %s\n📝 הערות: %s",
			f["customer_name"], f["customer_phone"], f["product_name"], f["quantity"], f["full_address"], f["payment_method"], notes)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.SessionID)
	}
}
