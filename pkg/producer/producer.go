// Package producer implements the backend-facing entry points of the
// dispatch system: validated task creation, batch creation, cron-driven
// recurring tasks, producer-level retry, and the liveness/queue queries
// the API layer exposes.
package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mcastellan/agentdispatch/pkg/queue"
	"github.com/mcastellan/agentdispatch/pkg/registry"
	"github.com/mcastellan/agentdispatch/pkg/status"
	"github.com/mcastellan/agentdispatch/pkg/store"
	"github.com/mcastellan/agentdispatch/pkg/task"
)

// ErrInvalidSpec rejects a task-creation request missing required fields.
var ErrInvalidSpec = errors.New("invalid task spec")

// CreateSpec is a validated task-creation request.
type CreateSpec struct {
	AgentID     string           `json:"agent_id"`
	TriggerType task.TriggerType `json:"trigger_type,omitempty"`
	Priority    task.Priority    `json:"priority,omitempty"`
	Input       interface{}      `json:"input"`
	OwnerID     string           `json:"owner_id,omitempty"`
	ProjectID   string           `json:"project_id,omitempty"`
	Source      string           `json:"source,omitempty"`

	// TimeoutMS and MaxRetries fall back to the producer defaults when
	// left zero.
	TimeoutMS  int64 `json:"timeout_ms,omitempty"`
	MaxRetries int   `json:"max_retries,omitempty"`
}

// Config carries the producer's policy knobs.
type Config struct {
	DefaultTimeoutMS  int64
	DefaultMaxRetries int

	// RatePerAgent/RateBurst bound task creation per target agent via a
	// token bucket. Zero rate disables limiting.
	RatePerAgent int
	RateBurst    int
}

// Producer validates task requests, writes the canonical record, and
// enqueues the reference onto the target agent's queue.
type Producer struct {
	queue  *queue.Queue
	store  *store.Store
	reg    *registry.Registry
	facade *status.Facade
	log    zerolog.Logger
	cfg    Config
	cron   *cron.Cron
}

// New builds a producer over injected collaborators.
func New(q *queue.Queue, st *store.Store, reg *registry.Registry, fc *status.Facade, log zerolog.Logger, cfg Config) *Producer {
	if cfg.DefaultTimeoutMS <= 0 {
		cfg.DefaultTimeoutMS = 300000
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	return &Producer{
		queue:  q,
		store:  st,
		reg:    reg,
		facade: fc,
		log:    log,
		cfg:    cfg,
		cron:   cron.New(),
	}
}

// CreateTask validates the spec, rejects targets without a live heartbeat,
// writes the pending record, and enqueues the reference. Returns the
// producer-assigned task id.
func (p *Producer) CreateTask(ctx context.Context, spec CreateSpec) (string, error) {
	if spec.AgentID == "" {
		return "", fmt.Errorf("agent id is required: %w", ErrInvalidSpec)
	}
	if spec.Input == nil {
		return "", fmt.Errorf("input is required: %w", ErrInvalidSpec)
	}

	online, err := p.reg.IsOnline(ctx, spec.AgentID)
	if err != nil {
		return "", fmt.Errorf("liveness check for %s: %w", spec.AgentID, err)
	}
	if !online {
		return "", fmt.Errorf("agent %s: %w", spec.AgentID, task.ErrAgentOffline)
	}

	if p.cfg.RatePerAgent > 0 {
		allowed, err := p.queue.Allow(ctx, "ratelimit:agent:"+spec.AgentID, p.cfg.RatePerAgent, p.cfg.RateBurst)
		if err != nil {
			return "", fmt.Errorf("rate limit check for %s: %w", spec.AgentID, err)
		}
		if !allowed {
			return "", fmt.Errorf("agent %s: %w", spec.AgentID, task.ErrRateLimited)
		}
	}

	t := p.build(spec)
	if err := p.facade.Create(ctx, t); err != nil {
		return "", err
	}
	if err := p.queue.Enqueue(ctx, *t); err != nil {
		return "", err
	}

	p.log.Info().
		Str("task_id", t.ID).
		Str("agent_id", t.AgentID).
		Str("trigger", string(t.TriggerType)).
		Msg("Task created")
	return t.ID, nil
}

// CreateTasks creates a batch of tasks, aborting on the first failure and
// returning the ids created so far.
func (p *Producer) CreateTasks(ctx context.Context, specs []CreateSpec) ([]string, error) {
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		id, err := p.CreateTask(ctx, spec)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetTaskStatus returns the task's current record via the status facade.
func (p *Producer) GetTaskStatus(ctx context.Context, id string) (*task.Task, error) {
	return p.facade.Get(ctx, id)
}

// RetryTask re-dispatches a failed or timed-out task. The settled record
// stays terminal and untouched; the retry is a fresh task (new id) cloned
// from it with the retry count advanced, delivered after an exponential
// backoff. Returns the new task id.
func (p *Producer) RetryTask(ctx context.Context, id string) (string, error) {
	prev, err := p.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if prev.Status != task.StatusFailed && prev.Status != task.StatusTimeout {
		return "", fmt.Errorf("retry task %s: status is %s, not retryable", id, prev.Status)
	}
	if prev.Metadata.RetryCount >= prev.Metadata.MaxRetries {
		return "", fmt.Errorf("retry task %s: %d retries exhausted", id, prev.Metadata.MaxRetries)
	}

	now := time.Now()
	next := *prev
	next.ID = uuid.New().String()
	next.Status = task.StatusPending
	next.Result = nil
	next.StartedAt = nil
	next.CompletedAt = nil
	next.CreatedAt = now
	next.UpdatedAt = now
	next.Metadata.RetryCount++

	if err := p.facade.Create(ctx, &next); err != nil {
		return "", err
	}

	backoff := time.Duration(1<<next.Metadata.RetryCount) * 100 * time.Millisecond
	if err := p.queue.EnqueueDelayed(ctx, next, backoff); err != nil {
		return "", err
	}

	p.log.Info().
		Str("task_id", next.ID).
		Str("retry_of", id).
		Int("retry_count", next.Metadata.RetryCount).
		Dur("backoff", backoff).
		Msg("Task retry scheduled")
	return next.ID, nil
}

// IsAgentOnline reports whether the agent's liveness marker exists.
func (p *Producer) IsAgentOnline(ctx context.Context, agentID string) (bool, error) {
	return p.reg.IsOnline(ctx, agentID)
}

// GetOnlineAgents returns the ids of all agents with a live heartbeat.
func (p *Producer) GetOnlineAgents(ctx context.Context) ([]string, error) {
	return p.reg.ListOnline(ctx)
}

// GetQueueSize returns the pending depth of one agent's queue.
func (p *Producer) GetQueueSize(ctx context.Context, agentID string) (int64, error) {
	return p.queue.Size(ctx, agentID)
}

// CleanupExpiredTasks prunes terminal audit entries past the retention
// window, returning the pruned count.
func (p *Producer) CleanupExpiredTasks(ctx context.Context) (int, error) {
	return p.store.CleanupExpired(ctx)
}

// ScheduleRecurring registers a cron entry that creates a fresh task from
// the spec on every firing. Each run gets its own id; the trigger type is
// forced to schedule.
func (p *Producer) ScheduleRecurring(cronSpec string, spec CreateSpec) (cron.EntryID, error) {
	spec.TriggerType = task.TriggerSchedule
	return p.cron.AddFunc(cronSpec, func() {
		id, err := p.CreateTask(context.Background(), spec)
		if err != nil {
			p.log.Error().Err(err).Str("cron", cronSpec).Str("agent_id", spec.AgentID).Msg("Scheduled task creation failed")
			return
		}
		p.log.Info().Str("task_id", id).Str("cron", cronSpec).Msg("Scheduled task enqueued")
	})
}

// StartCron starts the recurring-task scheduler.
func (p *Producer) StartCron() { p.cron.Start() }

// StopCron stops the recurring-task scheduler.
func (p *Producer) StopCron() { p.cron.Stop() }

func (p *Producer) build(spec CreateSpec) *task.Task {
	now := time.Now()

	trigger := spec.TriggerType
	if trigger == "" {
		trigger = task.TriggerAPI
	}
	priority := spec.Priority
	if priority == "" {
		priority = task.PriorityNormal
	}
	timeout := spec.TimeoutMS
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeoutMS
	}
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.DefaultMaxRetries
	}

	return &task.Task{
		ID:          uuid.New().String(),
		AgentID:     spec.AgentID,
		TriggerType: trigger,
		Priority:    priority,
		Status:      task.StatusPending,
		Input:       spec.Input,
		Metadata: task.Metadata{
			OwnerID:    spec.OwnerID,
			ProjectID:  spec.ProjectID,
			Source:     spec.Source,
			TimeoutMS:  timeout,
			MaxRetries: maxRetries,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
