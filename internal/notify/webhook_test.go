package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNotify_PostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), Event{
		Type:      EventEscalation,
		SessionID: "s1",
		Reason:    "keyword:נציג",
		Message:   "אני רוצה לדבר עם נציג",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.SessionID != "s1" || got.Reason != "keyword:נציג" {
		t.Errorf("event = %+v", got)
	}
	if !strings.Contains(got.Text, "נציג אנושי") {
		t.Errorf("text = %q", got.Text)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestNotify_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).Notify(context.Background(), Event{Type: EventOrder}); err == nil {
		t.Fatal("expected error for 500")
	}
}

func TestNotify_DisabledIsNoop(t *testing.T) {
	if err := NewWebhook("").Notify(context.Background(), Event{Type: EventOrder}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	var nilHook *Webhook
	if nilHook.Enabled() {
		t.Error("nil webhook should be disabled")
	}
}

func TestFormatText_Order(t *testing.T) {
	text := FormatText(Event{Type: EventOrder, Fields: map[string]string{
		"customer_name":  "דנה",
		"customer_phone": "050",
		"product_name":   "LUST",
		"quantity":       "2",
		"payment_method": "מזומן",
	}})
	for _, want := range []string{"דנה", "050", "LUST", "🔢 כמות: 2", "מזומן", "📝 הערות: אין"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
}
