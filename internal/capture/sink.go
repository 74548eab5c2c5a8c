package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayFeldboy1010/lustchatbot/internal/storage"
)

// ErrDuplicate is returned by a Sink that already holds the payload's
// idempotency key.
var ErrDuplicate = errors.New("duplicate idempotency key")

// Sink appends a payload and returns the record identifier it assigned.
type Sink interface {
	Append(ctx context.Context, p RecordPayload) (string, error)
}

// permanentError marks a sink failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RecordStore is the subset of storage.Store used by SQLiteSink.
type RecordStore interface {
	SaveRecord(ctx context.Context, r storage.Record) error
}

// SQLiteSink writes payloads to the records table, whose unique index on
// idempotency_key rejects duplicates.
type SQLiteSink struct {
	store RecordStore
}

func NewSQLiteSink(store RecordStore) *SQLiteSink {
	return &SQLiteSink{store: store}
}

func (s *SQLiteSink) Append(ctx context.Context, p RecordPayload) (string, error) {
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return "", &permanentError{fmt.Errorf("encoding fields: %w", err)}
	}
	row, err := json.Marshal(p.Row())
	if err != nil {
		return "", &permanentError{fmt.Errorf("encoding row: %w", err)}
	}

	id := uuid.New().String()
	err = s.store.SaveRecord(ctx, storage.Record{
		ID:             id,
		IdempotencyKey: p.IdempotencyKey,
		SessionID:      p.SessionID,
		Kind:           p.Kind,
		FieldsJSON:     string(fields),
		RowJSON:        string(row),
		CreatedAt:      p.CreatedAt,
	})
	if errors.Is(err, storage.ErrDuplicateKey) {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// WebhookSink posts payloads to an external row-append endpoint, such as a
// spreadsheet bridge. The endpoint answers 409 for a key it already holds.
type WebhookSink struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewWebhookSink creates a WebhookSink. secret, when set, is sent as a bearer
// token.
func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type webhookRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	SessionID      string            `json:"session_id"`
	Kind           string            `json:"kind"`
	Fields         map[string]string `json:"fields"`
	Row            []string          `json:"row"`
}

type webhookResponse struct {
	RecordID string `json:"record_id"`
}

func (s *WebhookSink) Append(ctx context.Context, p RecordPayload) (string, error) {
	body, err := json.Marshal(webhookRequest{
		IdempotencyKey: p.IdempotencyKey,
		SessionID:      p.SessionID,
		Kind:           p.Kind,
		Fields:         p.Fields,
		Row:            p.Row(),
	})
	if err != nil {
		return "", &permanentError{err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", &permanentError{fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.IdempotencyKey)
	if s.secret != "" {
		req.Header.Set("Authorization", "Bearer "+s.secret)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting record: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return "", ErrDuplicate
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("record sink: unexpected status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", &permanentError{fmt.Errorf("record sink: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))}
	}

	// The row is stored once the sink answers 2xx; a body without a
	// record_id falls back to the key.
	var out webhookResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out)
	if out.RecordID == "" {
		out.RecordID = p.IdempotencyKey
	}
	return out.RecordID, nil
}
