// Package task implements the durable task queue: intake, queue
// discipline, and derived-state reads. Lease grants and transitions live
// in pkg/lease, which is the only writer of a task's lease-bound fields.
package task

import "time"

// Status is a task's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Task is the mutable queue row backing one obligation. Unlike a receipt,
// a task is updated in place as it moves through its lifecycle; the
// receipts emitted alongside each transition are the durable record of
// why it moved.
type Task struct {
	TaskID       string `json:"task_id"`
	TenantID     string `json:"tenant_id"`
	ParentTaskID string `json:"parent_task_id"`

	TaskType    string                 `json:"task_type"`
	TaskSummary string                 `json:"task_summary"`
	TaskBody    string                 `json:"task_body"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`

	RecipientAI   string `json:"recipient_ai"`
	FromPrincipal string `json:"from_principal"`
	ForPrincipal  string `json:"for_principal"`

	// RetryPrincipal is who the escalate receipt is routed to on fail,
	// release, or lease expiry. Set at submission time; when the request
	// leaves it empty, ToTask falls back to RecipientAI.
	RetryPrincipal string `json:"retry_principal"`

	ExpectedOutcomeKind  string `json:"expected_outcome_kind"`
	ExpectedArtifactMIME string `json:"expected_artifact_mime"`

	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	LeaseID        string     `json:"lease_id,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CreateRequest is the API input shape for submitting a task.
type CreateRequest struct {
	TaskType             string                 `json:"task_type"`
	TaskSummary          string                 `json:"task_summary"`
	TaskBody             string                 `json:"task_body"`
	Inputs               map[string]interface{} `json:"inputs,omitempty"`
	RecipientAI          string                 `json:"recipient_ai"`
	FromPrincipal        string                 `json:"from_principal"`
	ForPrincipal         string                 `json:"for_principal"`
	RetryPrincipal       string                 `json:"retry_principal"`
	ExpectedOutcomeKind  string                 `json:"expected_outcome_kind"`
	ExpectedArtifactMIME string                 `json:"expected_artifact_mime"`
	ParentTaskID         string                 `json:"parent_task_id"`
	Priority             int                    `json:"priority"`
	MaxAttempts          int                    `json:"max_attempts"`
}

const DefaultMaxAttempts = 3

// ToTask materializes a Task from a CreateRequest.
func (c *CreateRequest) ToTask(tenantID, taskID string, now time.Time) *Task {
	parent := c.ParentTaskID
	if parent == "" {
		parent = "NA"
	}
	retryPrincipal := c.RetryPrincipal
	if retryPrincipal == "" {
		retryPrincipal = c.RecipientAI
	}
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Task{
		TaskID:               taskID,
		TenantID:             tenantID,
		ParentTaskID:         parent,
		TaskType:             c.TaskType,
		TaskSummary:          c.TaskSummary,
		TaskBody:             c.TaskBody,
		Inputs:               c.Inputs,
		RecipientAI:          c.RecipientAI,
		FromPrincipal:        c.FromPrincipal,
		ForPrincipal:         c.ForPrincipal,
		RetryPrincipal:       retryPrincipal,
		ExpectedOutcomeKind:  orDefault(c.ExpectedOutcomeKind, "NA"),
		ExpectedArtifactMIME: orDefault(c.ExpectedArtifactMIME, "NA"),
		Status:               StatusQueued,
		Priority:             clampPriority(c.Priority),
		Attempt:              0,
		MaxAttempts:          maxAttempts,
		CreatedAt:            now,
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}
