// Package store implements the canonical task record store: one Redis key
// per task holding the whole serialized record, plus per-status audit
// lists of terminal tasks.
//
// Key namespace:
//   - task:<id>          current serialized Task (expiring)
//   - tasks:<status>     terminal audit list, one per terminal status
//
// Writes are whole-record overwrites; there is no optimistic versioning.
// By convention only the consumer loop owning a claim writes non-pending
// statuses for its task, so concurrent writers do not normally collide.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mcastellan/agentdispatch/pkg/task"
)

const (
	taskKeyPrefix = "task:"

	// historyLimit bounds each terminal audit list.
	historyLimit = 1000

	defaultRetention = 24 * time.Hour
)

// TaskKey returns the Redis key of one task record.
func TaskKey(id string) string {
	return taskKeyPrefix + id
}

func terminalListKey(s task.Status) string {
	return "tasks:" + string(s)
}

// Store reads and writes canonical task records. It is the single source
// of truth for task status; every other view is a cache over it.
type Store struct {
	rdb       *redis.Client
	log       zerolog.Logger
	retention time.Duration
}

// New wraps an injected Redis client. Records expire after retention;
// zero selects a 24h default.
func New(rdb *redis.Client, log zerolog.Logger, retention time.Duration) *Store {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Store{rdb: rdb, log: log, retention: retention}
}

// Put writes the whole record, refreshing UpdatedAt and the retention TTL.
func (s *Store) Put(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return s.rdb.Set(ctx, TaskKey(t.ID), data, s.retention).Err()
}

// Get returns the record for id, or ErrTaskNotFound.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	raw, err := s.rdb.Get(ctx, TaskKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}

	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// UpdateStatus transitions the record to status, enforcing the state
// machine: ErrTaskNotFound for an absent id, ErrAlreadyTerminal when the
// record has already settled, ErrInvalidTransition for any other illegal
// step. A transition to processing stamps StartedAt; a transition to a
// terminal status stamps CompletedAt, attaches the result, and appends
// the serialized record to that status's audit list in the same
// transaction. The updated record is returned.
func (s *Store) UpdateStatus(ctx context.Context, id string, status task.Status, result *task.Result) (*task.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, task.ErrAlreadyTerminal)
	}
	if !t.Status.CanTransition(status) {
		return nil, fmt.Errorf("task %s: %s -> %s: %w", id, t.Status, status, task.ErrInvalidTransition)
	}

	now := time.Now()
	t.Status = status
	t.UpdatedAt = now
	switch {
	case status == task.StatusProcessing:
		t.StartedAt = &now
	case status.Terminal():
		t.CompletedAt = &now
		t.Result = result
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", id, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, TaskKey(id), data, s.retention)
	if status.Terminal() {
		key := terminalListKey(status)
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -historyLimit, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// CleanupExpired removes terminal audit entries whose completion time
// predates the retention window, returning how many were pruned. The live
// task:<id> keys expire on their own TTL; this sweep keeps the audit
// lists from accumulating stale history below the trim limit.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.retention)
	pruned := 0

	for _, status := range []task.Status{
		task.StatusCompleted, task.StatusFailed, task.StatusCancelled, task.StatusTimeout,
	} {
		key := terminalListKey(status)
		entries, err := s.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return pruned, err
		}
		for _, raw := range entries {
			var t task.Task
			if err := json.Unmarshal([]byte(raw), &t); err != nil {
				// Unreadable history is as good as expired.
				s.log.Warn().Str("list", key).Err(err).Msg("Dropping unreadable audit entry")
				if s.rdb.LRem(ctx, key, 1, raw).Val() > 0 {
					pruned++
				}
				continue
			}
			if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				if err := s.rdb.LRem(ctx, key, 1, raw).Err(); err != nil {
					return pruned, err
				}
				pruned++
			}
		}
	}
	return pruned, nil
}
