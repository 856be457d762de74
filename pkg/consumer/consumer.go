// Package consumer implements the execution engine of one agent runtime:
// a single long-lived loop that claims references from the agent's queue,
// runs them through an injected executor, and writes status transitions
// back to the record store.
//
// The loop is strictly sequential. One task runs to completion before the
// next dequeue, and the executor invocation is bounded by the task's
// timeout so a hung executor cannot wedge the runtime forever.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcastellan/agentdispatch/pkg/queue"
	"github.com/mcastellan/agentdispatch/pkg/registry"
	"github.com/mcastellan/agentdispatch/pkg/store"
	"github.com/mcastellan/agentdispatch/pkg/task"
)

// defaultDequeueWait bounds each blocking dequeue so the loop wakes
// periodically even when idle.
const defaultDequeueWait = 10 * time.Second

// ExecutionResult is what an executor reports on success.
type ExecutionResult struct {
	Output     interface{}
	TokensUsed int
}

// Executor is the injected task-execution callback. It receives the
// claimed task and a context carrying the task's execution deadline; the
// callback should honour cancellation, but the loop enforces the deadline
// regardless.
type Executor func(ctx context.Context, t *task.Task) (*ExecutionResult, error)

// DoneFunc observes each settled task, for metrics.
type DoneFunc func(t *task.Task, status task.Status, execTime time.Duration)

// Listener is the consumer loop for one agent identity.
type Listener struct {
	agentID string
	queue   *queue.Queue
	store   *store.Store
	reg     *registry.Registry
	log     zerolog.Logger

	wait   time.Duration
	onDone DoneFunc
}

// New builds a listener bound to one agent identity. All collaborators
// are injected; the listener owns no connections of its own.
func New(agentID string, q *queue.Queue, st *store.Store, reg *registry.Registry, log zerolog.Logger) *Listener {
	return &Listener{
		agentID: agentID,
		queue:   q,
		store:   st,
		reg:     reg,
		log:     log.With().Str("agent_id", agentID).Logger(),
		wait:    defaultDequeueWait,
	}
}

// SetDequeueWait overrides the per-iteration blocking-dequeue bound.
func (l *Listener) SetDequeueWait(d time.Duration) {
	l.wait = d
}

// OnTaskDone registers a hook invoked after every settled task.
func (l *Listener) OnTaskDone(fn DoneFunc) {
	l.onDone = fn
}

// Listen runs the consumer loop until ctx is cancelled. Individual task
// failures, misrouted deliveries, and transient store errors never
// terminate the loop.
func (l *Listener) Listen(ctx context.Context, exec Executor) {
	l.log.Info().Msg("Consumer loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("Consumer loop stopped")
			return
		default:
		}

		t, raw, err := l.queue.DequeueBlocking(ctx, l.agentID, l.wait)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info().Msg("Consumer loop stopped")
				return
			}
			l.log.Error().Err(err).Msg("Dequeue failed")
			// Back off briefly so a dead connection does not spin the loop.
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		// Cooperative filter: a reference addressed elsewhere moves back
		// to the tail of its own agent's queue. With per-agent queues this
		// only fires on operator error or manual requeues.
		if t.AgentID != l.agentID {
			l.log.Warn().Str("task_id", t.ID).Str("addressed_to", t.AgentID).Msg("Misrouted task, requeueing")
			if err := l.queue.Requeue(ctx, raw); err != nil {
				l.log.Error().Err(err).Str("task_id", t.ID).Msg("Requeue failed")
			}
			continue
		}

		l.process(ctx, t, raw, exec)
	}
}

func (l *Listener) process(ctx context.Context, t *task.Task, raw string, exec Executor) {
	claimed, err := l.store.UpdateStatus(ctx, t.ID, task.StatusProcessing, nil)
	if err != nil {
		if errors.Is(err, task.ErrAlreadyTerminal) || errors.Is(err, task.ErrTaskNotFound) {
			// Cancelled before the claim, or the record expired. Either
			// way there is nothing to execute; drop the reference.
			l.log.Warn().Err(err).Str("task_id", t.ID).Msg("Dropping unclaimable task")
			if ackErr := l.queue.Ack(ctx, raw); ackErr != nil {
				l.log.Error().Err(ackErr).Str("task_id", t.ID).Msg("Ack failed")
			}
			return
		}
		// Transient store failure. The reference is the task's only queue
		// presence, so it must survive: put it back and back off. If the
		// requeue fails too it stays claimed on the processing list for
		// recovery.
		l.log.Error().Err(err).Str("task_id", t.ID).Msg("Claim failed, requeueing")
		if rqErr := l.queue.Requeue(ctx, raw); rqErr != nil {
			l.log.Error().Err(rqErr).Str("task_id", t.ID).Msg("Requeue failed, reference left claimed")
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if claimed.Metadata.TimeoutMS > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(claimed.Metadata.TimeoutMS)*time.Millisecond)
	}
	defer cancel()

	start := time.Now()
	type outcome struct {
		res *ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := exec(execCtx, claimed)
		done <- outcome{res, err}
	}()

	var status task.Status
	var result *task.Result
	select {
	case o := <-done:
		elapsed := time.Since(start)
		switch {
		case o.err != nil && errors.Is(o.err, context.DeadlineExceeded):
			status = task.StatusTimeout
			result = &task.Result{Error: "execution deadline exceeded", ExecutionTimeMS: elapsed.Milliseconds()}
		case o.err != nil:
			status = task.StatusFailed
			result = &task.Result{Error: o.err.Error(), ExecutionTimeMS: elapsed.Milliseconds()}
		default:
			status = task.StatusCompleted
			result = &task.Result{ExecutionTimeMS: elapsed.Milliseconds()}
			if o.res != nil {
				result.Output = o.res.Output
				result.TokensUsed = o.res.TokensUsed
			}
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Process shutdown mid-task: leave the record processing and
			// the reference claimed for recovery.
			l.log.Warn().Str("task_id", t.ID).Msg("Shutdown during execution, leaving task claimed")
			return
		}
		// Hard deadline: the executor ignored its context.
		status = task.StatusTimeout
		result = &task.Result{Error: "execution deadline exceeded", ExecutionTimeMS: time.Since(start).Milliseconds()}
	}

	if _, err := l.store.UpdateStatus(ctx, t.ID, status, result); err != nil {
		// A concurrent cancel can win the race; the record stays as is.
		l.log.Warn().Err(err).Str("task_id", t.ID).Str("status", string(status)).Msg("Status write rejected")
	}
	if err := l.queue.Ack(ctx, raw); err != nil {
		l.log.Error().Err(err).Str("task_id", t.ID).Msg("Ack failed")
	}
	execTime := time.Duration(result.ExecutionTimeMS) * time.Millisecond
	if err := l.reg.RecordResult(ctx, l.agentID, status == task.StatusCompleted, execTime); err != nil {
		l.log.Error().Err(err).Msg("Performance rollup failed")
	}

	event := l.log.Info()
	if status != task.StatusCompleted {
		event = l.log.Error().Str("error", result.Error)
	}
	event.Str("task_id", t.ID).Str("status", string(status)).Dur("exec_time", execTime).Msg("Task settled")

	if l.onDone != nil {
		l.onDone(claimed, status, execTime)
	}
}
