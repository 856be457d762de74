package task

import "time"

// AgentStatus is the registry-visible state of an agent identity.
// "offline" is inferred from heartbeat expiry and materialized by the
// registry reaper; there is no explicit deregistration path.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
	AgentError   AgentStatus = "error"
)

// AgentMetadata describes the runtime process serving an agent identity.
type AgentMetadata struct {
	Version   string    `json:"version,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// AgentPerformance is a running rollup of task outcomes, folded in by the
// registry as the consumer loop reports results.
type AgentPerformance struct {
	TotalTasks             int64   `json:"total_tasks"`
	CompletedTasks         int64   `json:"completed_tasks"`
	FailedTasks            int64   `json:"failed_tasks"`
	AverageExecutionTimeMS float64 `json:"average_execution_time_ms"`
}

// AgentHeartbeat tracks when the agent last proved liveness, how often it
// promises to, and the resource metrics of its last beat.
type AgentHeartbeat struct {
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	IntervalMS      int64     `json:"interval_ms"`
	Goroutines      int       `json:"goroutines,omitempty"`
	MemoryBytes     uint64    `json:"memory_bytes,omitempty"`
	QueueDepth      int64     `json:"queue_depth,omitempty"`
}

// AgentRegistration is the full registry record for one agent identity.
// It is written once at runtime startup and refreshed on every heartbeat.
type AgentRegistration struct {
	// ID is the stable agent identity tasks are routed by.
	ID string `json:"id"`

	// RuntimeID identifies the process currently serving this agent.
	RuntimeID string `json:"runtime_id"`

	Name         string      `json:"name,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Status       AgentStatus `json:"status"`

	Metadata    AgentMetadata    `json:"metadata"`
	Performance AgentPerformance `json:"performance"`
	Heartbeat   AgentHeartbeat   `json:"heartbeat"`
}

// HeartbeatSample is the per-beat metrics payload a runtime reports:
// local resource usage plus the depth of its own work queue.
type HeartbeatSample struct {
	Goroutines  int         `json:"goroutines"`
	MemoryBytes uint64      `json:"memory_bytes"`
	QueueDepth  int64       `json:"queue_depth"`
	Status      AgentStatus `json:"status"`
}
