// Package task defines the core data structures shared by the dispatch
// system: the Task lifecycle record, its status state machine, and the
// agent registration record tracked by the registry.
//
// A Task is a unit of agent work. It is created by a producer, carried
// through Redis as a serialized reference, claimed by the consumer loop of
// the runtime bound to its target agent, and finished with a Result.
package task

import (
	"time"
)

// Status is the lifecycle state of a Task. Transitions are monotonic:
// once a task reaches a terminal status it never leaves it.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step of
// the state machine:
//
//	pending    -> processing | cancelled
//	processing -> completed | failed | timeout | cancelled
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCancelled
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed ||
			next == StatusTimeout || next == StatusCancelled
	}
	return false
}

// TriggerType records what originated a task.
type TriggerType string

const (
	TriggerWebhook  TriggerType = "webhook"
	TriggerAPI      TriggerType = "api"
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
)

// Priority is advisory metadata carried on the task. The queue is strictly
// FIFO per agent and never consults it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Metadata carries ownership and execution-policy fields. TimeoutMS bounds
// the executor invocation; RetryCount/MaxRetries are consulted by the
// producer-level retry path, never by the consumer loop itself.
type Metadata struct {
	OwnerID    string `json:"owner_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	Source     string `json:"source,omitempty"`
	TimeoutMS  int64  `json:"timeout_ms"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

// Result is present only once a task is terminal.
type Result struct {
	// Output is the executor's opaque output (success only).
	Output interface{} `json:"output,omitempty"`

	// Error holds the failure description (failed/timeout only).
	Error string `json:"error,omitempty"`

	ExecutionTimeMS int64 `json:"execution_time_ms"`
	TokensUsed      int   `json:"tokens_used,omitempty"`
}

// Task represents a unit of agent work flowing through the dispatch system.
type Task struct {
	// ID is the producer-assigned unique identifier (UUID).
	ID string `json:"id"`

	// AgentID is the routing key: the agent identity this task is
	// addressed to. Only the runtime bound to that identity executes it.
	AgentID string `json:"agent_id"`

	TriggerType TriggerType `json:"trigger_type"`
	Priority    Priority    `json:"priority"`
	Status      Status      `json:"status"`

	// Input is the opaque execution payload (prompt/data/context).
	// Executors are responsible for interpreting it.
	Input interface{} `json:"input"`

	Metadata Metadata `json:"metadata"`
	Result   *Result  `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
