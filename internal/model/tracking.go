package model

import (
	"time"
)

// Run statuses
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Stage outcomes
const (
	OutcomeExecuted = "executed"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// RunSummary is the list view of a pipeline run
type RunSummary struct {
	ID        string    `json:"id"`
	Workflow  string    `json:"workflow"`
	Status    string    `json:"status"`
	Parent    string    `json:"parent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Run is the full record of a pipeline run, including the flattened context
// captured when it last changed state
type Run struct {
	RunSummary
	Payload map[string]interface{} `json:"payload"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// RunError is one error recorded against a run
type RunError struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// StageProgress is the persisted state of one stage of a run
type StageProgress struct {
	RunID      string     `json:"run_id"`
	Stage      string     `json:"stage"`
	Outcome    string     `json:"outcome"` // executed, skipped, failed
	Attempts   int        `json:"attempts"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
