package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidState is returned when an operator action does not apply to a
// job in its current state.
var ErrInvalidState = errors.New("invalid state")

// Job states.
const (
	JobWaiting   = "waiting"
	JobDelayed   = "delayed"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobStates lists every state in lifecycle order.
var JobStates = []string{JobWaiting, JobDelayed, JobActive, JobCompleted, JobFailed}

// SelectorKnowledge is a resolved UI locator for a semantic key.
type SelectorKnowledge struct {
	ProjectID      string
	ApplicationID  string
	SemanticKey    string
	Selector       string // strategy-tagged, e.g. "role:button[name=Login]"
	Confidence     float64
	UsageCount     int
	LastVerifiedAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DataKnowledge is a generated test data value for a data key.
type DataKnowledge struct {
	ProjectID       string
	DataKey         string
	RequirementType string
	Scenario        string
	Role            string
	ValueJSON       string
	CreatedAt       time.Time
}

type Job struct {
	ID          string
	Queue       string
	EntityID    string
	PayloadJSON string
	State       string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  time.Time
	LastError   string
}

// Schedule is a repeatable job producer.
type Schedule struct {
	Name      string
	Queue     string
	Every     time.Duration
	NextRunAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type GenerationLog struct {
	ID           string
	Source       string
	Model        string
	RequestJSON  string
	ResponseText string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Error        string
	CreatedAt    time.Time
}

// TicketSnapshot is the narrative carried by a ticket-ready event.
type TicketSnapshot struct {
	ID                 string
	ProjectID          string
	ApplicationID      string
	Title              string
	Description        string
	AcceptanceCriteria string
	RequirementsJSON   string // JSON array of data requirements
	StepsJSON          string // JSON array of step descriptions
	UpdatedAt          time.Time
}
