package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ShayFeldboy1010/lustchatbot/internal/conversation"
	"github.com/ShayFeldboy1010/lustchatbot/internal/ingest"
	"github.com/ShayFeldboy1010/lustchatbot/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxIngestBodySize = 10 << 20 // 10MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeDomainError maps package sentinels to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrInvalidInput), errors.Is(err, ingest.ErrInvalidDocument):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, conversation.ErrStorageUnavailable), errors.Is(err, storage.ErrUnavailable):
		httpError(w, http.StatusServiceUnavailable, "unavailable_error", "service temporarily unavailable")
	case errors.Is(err, ingest.ErrFetchFailed):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		httpError(w, http.StatusServiceUnavailable, "timeout_error", "request cancelled or timed out")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
