package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable wraps driver and connection failures. Callers may retry.
var ErrUnavailable = errors.New("storage unavailable")

// ErrDuplicateKey is returned when a record with the same idempotency key
// has already been stored.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	ID        string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Session is one conversation with its full, ordered history.
type Session struct {
	ID string
	// Generation changes every time the session is created or cleared, so
	// turn indexes from before a clear never collide with later ones.
	Generation    string
	Messages      []Message
	Escalated     bool
	OrderCaptured bool
	Warnings      []string
	CreatedAt     time.Time
	LastActiveAt  time.Time
}

// SessionSummary is the listing view of a session, without messages.
type SessionSummary struct {
	ID           string
	MessageCount int
	Escalated    bool
	CreatedAt    time.Time
	LastActiveAt time.Time
}

type EscalationEvent struct {
	ID            string
	SessionID     string
	Message       string
	Reason        string
	CustomerPhone string
	CreatedAt     time.Time
}

// Record is a captured order or lead as persisted by the SQLite sink.
type Record struct {
	ID             string
	IdempotencyKey string
	SessionID      string
	Kind           string
	FieldsJSON     string // JSON object stored as text
	RowJSON        string // JSON array stored as text
	CreatedAt      time.Time
}

type Stats struct {
	ActiveSessions   int
	TotalSessions    int
	TotalMessages    int
	TotalEscalations int
	TotalRecords     int
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

type KnowledgeDoc struct {
	ID         string
	Title      string
	Content    string
	Source     string
	Tags       string // JSON array stored as text
	ChunkCount int
	CreatedAt  time.Time
}
