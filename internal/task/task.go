// Package task defines the job record that flows through the service
// and its lifecycle states. Every move between states is guarded by the
// transition table.
package task

import (
	"time"
	"unicode/utf8"

	apperrors "github.com/vnmchuo/llm-taskd/internal/errors"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusRevoked    Status = "REVOKED"
)

// transitions is the single source of truth for the task lifecycle.
// Terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusRevoked},
	StatusProcessing: {StatusSuccess, StatusFailure, StatusRevoked},
	StatusSuccess:    {},
	StatusFailure:    {},
	StatusRevoked:    {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Statuses lists every lifecycle state, in progression order.
func Statuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusSuccess, StatusFailure, StatusRevoked}
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	MinPromptLength = 1
	MaxPromptLength = 10000
)

// ValidatePrompt enforces the submission bounds. Length is counted in
// runes so multibyte prompts are measured the same way their authors
// see them.
func ValidatePrompt(prompt string) error {
	n := utf8.RuneCountInString(prompt)
	if n < MinPromptLength {
		return apperrors.Validation("prompt must not be empty")
	}
	if n > MaxPromptLength {
		return apperrors.Validation("prompt exceeds %d characters (got %d)", MaxPromptLength, n)
	}
	return nil
}

// Task is the authoritative record of one submitted prompt.
// ID and Prompt never change after creation; Status only moves along
// the transition table.
type Task struct {
	ID         string
	Status     Status
	Prompt     string
	Result     *Result
	Error      *Failure
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Result is the payload of a task that reached SUCCESS.
type Result struct {
	Response       string    `json:"response"`
	Model          string    `json:"model"`
	Provider       string    `json:"provider"`
	Prompt         string    `json:"prompt"`
	PromptLength   int       `json:"prompt_length"`
	ResponseLength int       `json:"response_length"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	DurationMs     int64     `json:"duration_ms"`
	Timestamp      time.Time `json:"timestamp"`
	TaskID         string    `json:"task_id"`
}

// Failure is the payload of a task that reached FAILURE. Kind is one of
// the error kinds from internal/errors.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Clone returns a deep copy so callers can hand out records without
// sharing mutable state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		c.FinishedAt = &ts
	}
	return &c
}
