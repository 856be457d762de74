// Package registry tracks agent registrations and liveness. Liveness is
// TTL-inferred: every heartbeat refreshes an expiring marker, and an agent
// is online exactly while its marker exists. A reaper sweep additionally
// materializes the offline state into the stored registration so readers
// of the registry hash see a hard transition, not just an absent key.
//
// Key namespace:
//   - agents                   hash of agentId -> serialized registration
//   - agent:<id>:heartbeat     expiring liveness marker
//   - agent:<id>:status        expiring last-reported status
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mcastellan/agentdispatch/pkg/task"
)

const agentsKey = "agents"

const defaultLivenessWindow = 30 * time.Second

func heartbeatKey(agentID string) string {
	return "agent:" + agentID + ":heartbeat"
}

func statusKey(agentID string) string {
	return "agent:" + agentID + ":status"
}

// DepthFunc reports the current depth of the agent's work queue for
// inclusion in heartbeat samples.
type DepthFunc func(ctx context.Context) (int64, error)

// Registry reads and writes agent registrations over a shared Redis
// instance.
type Registry struct {
	rdb    *redis.Client
	log    zerolog.Logger
	window time.Duration
}

// New wraps an injected Redis client. The liveness window is the TTL on
// the heartbeat marker and must comfortably exceed the heartbeat interval
// so a single missed beat does not flap the agent offline. Zero selects a
// 30s default.
func New(rdb *redis.Client, log zerolog.Logger, window time.Duration) *Registry {
	if window <= 0 {
		window = defaultLivenessWindow
	}
	return &Registry{rdb: rdb, log: log, window: window}
}

// Register writes the full registration and seeds the liveness markers.
// Called once at runtime startup; there is no deregistration path, the
// markers simply expire when heartbeats stop.
func (r *Registry) Register(ctx context.Context, reg *task.AgentRegistration) error {
	now := time.Now()
	if reg.Status == "" {
		reg.Status = task.AgentOnline
	}
	reg.Heartbeat.LastHeartbeatAt = now

	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration %s: %w", reg.ID, err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, agentsKey, reg.ID, data)
	pipe.Set(ctx, heartbeatKey(reg.ID), now.Format(time.RFC3339Nano), r.window)
	pipe.Set(ctx, statusKey(reg.ID), string(reg.Status), r.window)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns the stored registration, or ErrAgentNotFound.
func (r *Registry) Get(ctx context.Context, agentID string) (*task.AgentRegistration, error) {
	raw, err := r.rdb.HGet(ctx, agentsKey, agentID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, task.ErrAgentNotFound)
	}
	if err != nil {
		return nil, err
	}

	var reg task.AgentRegistration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return nil, fmt.Errorf("decode registration %s: %w", agentID, err)
	}
	return &reg, nil
}

// Heartbeat refreshes the expiring liveness markers and merges the sample
// into the stored registration. The agent must have been registered.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, sample task.HeartbeatSample) error {
	reg, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}

	now := time.Now()
	reg.Heartbeat.LastHeartbeatAt = now
	reg.Heartbeat.Goroutines = sample.Goroutines
	reg.Heartbeat.MemoryBytes = sample.MemoryBytes
	reg.Heartbeat.QueueDepth = sample.QueueDepth
	if sample.Status != "" {
		reg.Status = sample.Status
	} else {
		reg.Status = task.AgentOnline
	}

	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration %s: %w", agentID, err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, agentsKey, agentID, data)
	pipe.Set(ctx, heartbeatKey(agentID), now.Format(time.RFC3339Nano), r.window)
	pipe.Set(ctx, statusKey(agentID), string(reg.Status), r.window)
	_, err = pipe.Exec(ctx)
	return err
}

// IsOnline reports whether the agent's liveness marker still exists.
func (r *Registry) IsOnline(ctx context.Context, agentID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, heartbeatKey(agentID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListOnline returns the ids of all registered agents whose liveness
// marker has not expired.
func (r *Registry) ListOnline(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.HKeys(ctx, agentsKey).Result()
	if err != nil {
		return nil, err
	}

	online := make([]string, 0, len(ids))
	for _, id := range ids {
		alive, err := r.IsOnline(ctx, id)
		if err != nil {
			return nil, err
		}
		if alive {
			online = append(online, id)
		}
	}
	return online, nil
}

// RecordResult folds one task outcome into the stored performance rollup.
func (r *Registry) RecordResult(ctx context.Context, agentID string, ok bool, execTime time.Duration) error {
	reg, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}

	p := &reg.Performance
	ms := float64(execTime.Milliseconds())
	p.AverageExecutionTimeMS = (p.AverageExecutionTimeMS*float64(p.TotalTasks) + ms) / float64(p.TotalTasks+1)
	p.TotalTasks++
	if ok {
		p.CompletedTasks++
	} else {
		p.FailedTasks++
	}

	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration %s: %w", agentID, err)
	}
	return r.rdb.HSet(ctx, agentsKey, agentID, data).Err()
}

// StartHeartbeat drives the agent's liveness from a local ticker: every
// interval it samples process metrics plus the agent's queue depth and
// calls Heartbeat. A failed beat is logged and the ticker continues; the
// liveness window tolerates a missed beat. Runs until ctx is cancelled.
func (r *Registry) StartHeartbeat(ctx context.Context, agentID string, interval time.Duration, depth DepthFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx, agentID, r.sample(ctx, depth)); err != nil {
				r.log.Error().Err(err).Str("agent_id", agentID).Msg("Heartbeat failed")
			}
		}
	}
}

func (r *Registry) sample(ctx context.Context, depth DepthFunc) task.HeartbeatSample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s := task.HeartbeatSample{
		Goroutines:  runtime.NumGoroutine(),
		MemoryBytes: mem.Alloc,
		Status:      task.AgentOnline,
	}
	if depth != nil {
		if n, err := depth(ctx); err == nil {
			s.QueueDepth = n
		}
	}
	return s
}

// StartReaper periodically sweeps the registry and materializes
// status=offline on every registration whose liveness marker has expired.
// Runs until ctx is cancelled.
func (r *Registry) StartReaper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reap(ctx); err != nil {
				r.log.Error().Err(err).Msg("Registry sweep failed")
			}
		}
	}
}

func (r *Registry) reap(ctx context.Context) error {
	entries, err := r.rdb.HGetAll(ctx, agentsKey).Result()
	if err != nil {
		return err
	}

	for id, raw := range entries {
		var reg task.AgentRegistration
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			continue
		}
		if reg.Status == task.AgentOffline {
			continue
		}
		alive, err := r.IsOnline(ctx, id)
		if err != nil {
			return err
		}
		if alive {
			continue
		}

		reg.Status = task.AgentOffline
		data, err := json.Marshal(reg)
		if err != nil {
			continue
		}
		if err := r.rdb.HSet(ctx, agentsKey, id, data).Err(); err != nil {
			return err
		}
		r.log.Info().Str("agent_id", id).Msg("Agent marked offline")
	}
	return nil
}
