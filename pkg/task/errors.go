package task

import "errors"

// Sentinel errors shared across the dispatch components. Callers are
// expected to test with errors.Is; wrapped messages add context.
var (
	// ErrTaskNotFound indicates the task id is absent from the record store.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAgentNotFound indicates the agent id was never registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAlreadyTerminal rejects a transition or cancel on a task that has
	// already reached a terminal status.
	ErrAlreadyTerminal = errors.New("task already terminal")

	// ErrInvalidTransition rejects a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAgentOffline rejects task creation when the target agent has no
	// live heartbeat marker.
	ErrAgentOffline = errors.New("agent offline")

	// ErrRateLimited rejects task creation when the per-agent token
	// bucket is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")
)
