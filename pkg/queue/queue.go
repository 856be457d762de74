// Package queue implements the Redis-backed work queue of the dispatch
// system. Each agent identity owns one FIFO list; the producer selects the
// list at enqueue time, so a consumer normally only ever sees work
// addressed to its own agent.
//
// Key namespace:
//   - queue:agent:<agentId>  pending references for one agent (list)
//   - tasks:processing       references currently claimed (list)
//   - tasks:delayed          references scheduled for later delivery (zset)
//   - tasks:delayed:dead     undecodable delayed entries (list)
//
// A dequeue atomically moves the head reference onto the processing list
// with BLMove; settling a reference (ack or requeue) removes it from the
// processing list again. Entries are whole serialized Tasks, so a claimed
// reference survives a consumer crash on the processing list where an
// operator can requeue it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mcastellan/agentdispatch/pkg/task"
)

const (
	processingKey    = "tasks:processing"
	delayedKey       = "tasks:delayed"
	delayedDeadKey   = "tasks:delayed:dead"
	agentQueuePrefix = "queue:agent:"
)

// ErrEmpty is returned by DequeueBlocking when the wait expires with no
// reference available.
var ErrEmpty = errors.New("queue empty")

// AgentQueueKey returns the Redis key of the pending list for one agent.
func AgentQueueKey(agentID string) string {
	return agentQueuePrefix + agentID
}

// Queue provides enqueue/dequeue operations over a shared Redis instance.
// All operations are context-aware; the blocking dequeue honours context
// cancellation, which is what makes the consumer loop stoppable.
type Queue struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New wraps an injected Redis client. The client is owned by the caller
// and constructed once per process.
func New(rdb *redis.Client, log zerolog.Logger) *Queue {
	return &Queue{rdb: rdb, log: log}
}

// Enqueue appends the serialized task to the tail of its agent's queue.
// Ordering is FIFO by enqueue order; Priority is carried as metadata only
// and never consulted here.
func (q *Queue) Enqueue(ctx context.Context, t task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return q.rdb.RPush(ctx, AgentQueueKey(t.AgentID), data).Err()
}

// DequeueBlocking pops the head reference of the agent's queue, atomically
// moving it onto the processing list. It blocks for up to timeout and
// returns ErrEmpty when nothing arrived. The raw serialized form is
// returned alongside the decoded task; settle the claim by passing it to
// Ack or Requeue.
func (q *Queue) DequeueBlocking(ctx context.Context, agentID string, timeout time.Duration) (*task.Task, string, error) {
	raw, err := q.rdb.BLMove(ctx, AgentQueueKey(agentID), processingKey, "LEFT", "RIGHT", timeout).Result()
	if err == redis.Nil {
		return nil, "", ErrEmpty
	}
	if err != nil {
		return nil, "", err
	}

	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// A malformed entry would wedge the head forever; drop it.
		q.rdb.LRem(ctx, processingKey, 1, raw)
		return nil, "", fmt.Errorf("decode queue entry: %w", err)
	}
	return &t, raw, nil
}

// Ack settles a claimed reference by removing it from the processing list.
func (q *Queue) Ack(ctx context.Context, raw string) error {
	return q.rdb.LRem(ctx, processingKey, 1, raw).Err()
}

// Requeue settles a claimed reference by pushing it back onto the tail of
// its agent's queue. This is the misrouted-delivery path: the reference,
// not a new task, moves queues, so the task stays visible to exactly one
// queue entry.
func (q *Queue) Requeue(ctx context.Context, raw string) error {
	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return fmt.Errorf("decode queue entry: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, raw)
	pipe.RPush(ctx, AgentQueueKey(t.AgentID), raw)
	_, err := pipe.Exec(ctx)
	return err
}

// EnqueueDelayed schedules the task for delivery after delay. The entry
// sits on the delayed zset scored by its due time until the promoter moves
// it onto the agent queue.
func (q *Queue) EnqueueDelayed(ctx context.Context, t task.Task, delay time.Duration) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return q.rdb.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixNano()),
		Member: data,
	}).Err()
}

// promoteScript atomically drains due entries from the delayed zset onto
// their agent queues. Running inside Lua keeps concurrent promoters from
// delivering the same entry twice. Each member is removed individually and
// decoded under pcall so one undecodable entry cannot abort the batch; such
// entries are dead-lettered instead of dropped.
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	local promoted = 0
	for _, raw in ipairs(due) do
		redis.call('ZREM', KEYS[1], raw)
		local ok, t = pcall(cjson.decode, raw)
		if ok and type(t) == 'table' and t.agent_id then
			redis.call('RPUSH', 'queue:agent:' .. t.agent_id, raw)
			promoted = promoted + 1
		else
			redis.call('RPUSH', KEYS[2], raw)
		end
	end
	return promoted
`)

// PromoteDue moves every delayed entry whose due time has passed onto its
// agent queue, returning how many were promoted.
func (q *Queue) PromoteDue(ctx context.Context) (int64, error) {
	res, err := promoteScript.Run(ctx, q.rdb,
		[]string{delayedKey, delayedDeadKey},
		float64(time.Now().UnixNano()),
	).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// StartPromoter runs PromoteDue every interval until the context is
// cancelled. Promotion failures are logged and the ticker continues.
func (q *Queue) StartPromoter(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(ctx); err != nil {
				q.log.Error().Err(err).Msg("Delayed task promotion failed")
			}
		}
	}
}

// Size returns the number of pending references for one agent.
func (q *Queue) Size(ctx context.Context, agentID string) (int64, error) {
	return q.rdb.LLen(ctx, AgentQueueKey(agentID)).Result()
}

// TotalSize returns the number of pending references across every agent
// queue.
func (q *Queue) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	iter := q.rdb.Scan(ctx, 0, agentQueuePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := q.rdb.LLen(ctx, iter.Val()).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, iter.Err()
}

// Depths reports the depth of every known queue: each agent's pending
// list, the processing list, and the delayed zset. Used by the metrics
// collector and the stats endpoint.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64)

	iter := q.rdb.Scan(ctx, 0, agentQueuePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if n, err := q.rdb.LLen(ctx, key).Result(); err == nil {
			depths[key] = n
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	if n, err := q.rdb.LLen(ctx, processingKey).Result(); err == nil {
		depths[processingKey] = n
	}
	if n, err := q.rdb.ZCard(ctx, delayedKey).Result(); err == nil {
		depths[delayedKey] = n
	}
	return depths, nil
}
