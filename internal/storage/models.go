package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotInitialized is returned by point lookups invoked before Initialize
// has run. Once a mode decision exists (durable or fallback) this error is
// never returned again for the lifetime of the engine.
var ErrNotInitialized = errors.New("database not initialized")

// ErrValidation wraps rejections of malformed write requests, such as an
// archive entry with an empty task ID or title.
var ErrValidation = errors.New("validation failed")

// Ticket types.
const (
	TicketAIToHuman = "ai_to_human"
	TicketHumanToAI = "human_to_ai"
)

// Ticket statuses. Open is the initial status; Resolved and Rejected are
// terminal.
const (
	StatusOpen      = "open"
	StatusInReview  = "in_review"
	StatusResolved  = "resolved"
	StatusEscalated = "escalated"
	StatusRejected  = "rejected"
)

// Ticket is one unit of asynchronous communication between a human and an
// AI agent. The thread is stored as a JSON array in a single TEXT column.
type Ticket struct {
	ID          string        `json:"ticket_id"`
	Type        string        `json:"type"`
	Status      string        `json:"status"`
	Priority    int           `json:"priority"` // 1 (highest) .. 3 (lowest)
	Creator     string        `json:"creator"`
	Assignee    string        `json:"assignee"`
	TaskID      string        `json:"task_id,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Thread      []TicketReply `json:"thread"`
	Resolution  string        `json:"resolution,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TicketReply is one message in a ticket's thread.
type TicketReply struct {
	ID           string    `json:"reply_id"`
	Author       string    `json:"author"`
	Content      string    `json:"content"`
	ClarityScore *int      `json:"clarity_score,omitempty"` // 0-100
	CreatedAt    time.Time `json:"created_at"`
}

// CompletedTask is an immutable archival snapshot of a finished unit of
// work, independent of whether the originating ticket still exists.
type CompletedTask struct {
	TaskID           string    `json:"task_id"`
	OriginalTicketID string    `json:"original_ticket_id,omitempty"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	Priority         int       `json:"priority"`
	CompletedAt      time.Time `json:"completed_at"`
	DurationMinutes  *int      `json:"duration_minutes,omitempty"`
	Outcome          string    `json:"outcome,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// CreateTicketParams carries the caller-supplied fields for a new ticket.
// Status, thread, and timestamps are filled in by the engine.
type CreateTicketParams struct {
	Type        string
	Priority    int
	Creator     string
	Assignee    string
	TaskID      string
	Title       string
	Description string
}

// ArchiveParams carries the fields for a new archive entry. TaskID and
// Title are required; Priority defaults to 2 when unset.
type ArchiveParams struct {
	TaskID           string
	Title            string
	Status           string
	OriginalTicketID string
	Priority         int
	DurationMinutes  *int
	Outcome          string
}

// CompletedFilter narrows ListCompleted results. Zero values mean "no
// filter".
type CompletedFilter struct {
	Status     string
	MinDaysAgo int
}

// TicketUpdate describes an in-place ticket mutation. Nil fields are left
// unchanged.
type TicketUpdate struct {
	Status     *string
	Assignee   *string
	Resolution *string
}

// Stats summarizes the ticket population and the engine's current mode.
type Stats struct {
	Total         int  `json:"total"`
	Open          int  `json:"open"`
	InReview      int  `json:"in_review"`
	Resolved      int  `json:"resolved"`
	Escalated     int  `json:"escalated"`
	UsingFallback bool `json:"using_fallback"`
}
