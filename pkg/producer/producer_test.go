package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mcastellan/agentdispatch/pkg/logger"
	"github.com/mcastellan/agentdispatch/pkg/queue"
	"github.com/mcastellan/agentdispatch/pkg/registry"
	"github.com/mcastellan/agentdispatch/pkg/status"
	"github.com/mcastellan/agentdispatch/pkg/store"
	"github.com/mcastellan/agentdispatch/pkg/task"
)

type fixture struct {
	mini     *miniredis.Miniredis
	rdb      *redis.Client
	queue    *queue.Queue
	store    *store.Store
	registry *registry.Registry
	producer *Producer
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	log := logger.For("test")
	q := queue.New(rdb, log)
	st := store.New(rdb, log, 0)
	reg := registry.New(rdb, log, 30*time.Second)
	fc := status.New(st)

	return &fixture{
		mini:     s,
		rdb:      rdb,
		queue:    q,
		store:    st,
		registry: reg,
		producer: New(q, st, reg, fc, log, cfg),
	}
}

func (f *fixture) registerOnline(t *testing.T, agentID string) {
	t.Helper()
	err := f.registry.Register(context.Background(), &task.AgentRegistration{
		ID:        agentID,
		RuntimeID: "runtime-1",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func spec(agentID string) CreateSpec {
	return CreateSpec{
		AgentID: agentID,
		Input:   map[string]interface{}{"message": "hi"},
	}
}

func TestCreateTaskRejectsOfflineAgent(t *testing.T) {
	f := setup(t, Config{})

	_, err := f.producer.CreateTask(context.Background(), spec("agent-a"))
	if !errors.Is(err, task.ErrAgentOffline) {
		t.Errorf("Expected ErrAgentOffline, got %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	if _, err := f.producer.CreateTask(ctx, CreateSpec{Input: "x"}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("Expected ErrInvalidSpec for missing agent, got %v", err)
	}
	if _, err := f.producer.CreateTask(ctx, CreateSpec{AgentID: "agent-a"}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("Expected ErrInvalidSpec for missing input, got %v", err)
	}
}

func TestCreateTaskWritesRecordAndEnqueues(t *testing.T) {
	f := setup(t, Config{DefaultTimeoutMS: 5000, DefaultMaxRetries: 2})
	ctx := context.Background()

	f.registerOnline(t, "agent-a")

	id, err := f.producer.CreateTask(ctx, spec("agent-a"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("Expected pending, got %s", got.Status)
	}
	if got.TriggerType != task.TriggerAPI || got.Priority != task.PriorityNormal {
		t.Errorf("Expected defaults applied, got trigger=%s priority=%s", got.TriggerType, got.Priority)
	}
	if got.Metadata.TimeoutMS != 5000 || got.Metadata.MaxRetries != 2 {
		t.Errorf("Expected policy defaults, got %+v", got.Metadata)
	}

	if n, _ := f.queue.Size(ctx, "agent-a"); n != 1 {
		t.Errorf("Expected 1 queued reference, got %d", n)
	}
}

func TestCreateTasksBatch(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	f.registerOnline(t, "agent-a")
	f.registerOnline(t, "agent-b")

	ids, err := f.producer.CreateTasks(ctx, []CreateSpec{
		spec("agent-a"), spec("agent-b"), spec("agent-a"),
	})
	if err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("Expected 3 ids, got %d", len(ids))
	}

	if n, _ := f.queue.Size(ctx, "agent-a"); n != 2 {
		t.Errorf("Expected 2 on agent-a queue, got %d", n)
	}
	if n, _ := f.queue.Size(ctx, "agent-b"); n != 1 {
		t.Errorf("Expected 1 on agent-b queue, got %d", n)
	}
}

func TestCreateTasksBatchAbortsOnFailure(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	f.registerOnline(t, "agent-a")

	ids, err := f.producer.CreateTasks(ctx, []CreateSpec{
		spec("agent-a"), spec("agent-offline"), spec("agent-a"),
	})
	if !errors.Is(err, task.ErrAgentOffline) {
		t.Fatalf("Expected ErrAgentOffline, got %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("Expected 1 id created before abort, got %d", len(ids))
	}
}

func TestRateLimit(t *testing.T) {
	f := setup(t, Config{RatePerAgent: 1, RateBurst: 1})
	ctx := context.Background()

	f.registerOnline(t, "agent-a")

	if _, err := f.producer.CreateTask(ctx, spec("agent-a")); err != nil {
		t.Fatalf("First create failed: %v", err)
	}
	_, err := f.producer.CreateTask(ctx, spec("agent-a"))
	if !errors.Is(err, task.ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
}

func TestGetTaskStatus(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	f.registerOnline(t, "agent-a")
	id, _ := f.producer.CreateTask(ctx, spec("agent-a"))

	got, err := f.producer.GetTaskStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetTaskStatus failed: %v", err)
	}
	if got.ID != id || got.Status != task.StatusPending {
		t.Errorf("Unexpected status record: %+v", got)
	}

	if _, err := f.producer.GetTaskStatus(ctx, "missing"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestRetryTask(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	f.registerOnline(t, "agent-a")
	id, _ := f.producer.CreateTask(ctx, spec("agent-a"))
	f.store.UpdateStatus(ctx, id, task.StatusProcessing, nil)
	f.store.UpdateStatus(ctx, id, task.StatusFailed, &task.Result{Error: "boom"})

	newID, err := f.producer.RetryTask(ctx, id)
	if err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	if newID == id {
		t.Error("Expected a fresh task id for the retry")
	}

	// The settled record stays terminal and untouched.
	prev, _ := f.store.Get(ctx, id)
	if prev.Status != task.StatusFailed {
		t.Errorf("Expected original still failed, got %s", prev.Status)
	}

	next, err := f.store.Get(ctx, newID)
	if err != nil {
		t.Fatalf("Get retry failed: %v", err)
	}
	if next.Status != task.StatusPending || next.Metadata.RetryCount != 1 {
		t.Errorf("Unexpected retry record: status=%s retries=%d", next.Status, next.Metadata.RetryCount)
	}

	// Delivered via the delayed queue, not directly.
	if card, _ := f.rdb.ZCard(ctx, "tasks:delayed").Result(); card != 1 {
		t.Errorf("Expected retry on delayed queue, got %d", card)
	}
}

func TestRetryTaskRejectsNonRetryable(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	f.registerOnline(t, "agent-a")
	id, _ := f.producer.CreateTask(ctx, spec("agent-a"))

	if _, err := f.producer.RetryTask(ctx, id); err == nil {
		t.Error("Expected retry of a pending task to be rejected")
	}
}

func TestRetryTaskExhausted(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	f.registerOnline(t, "agent-a")
	s := spec("agent-a")
	s.MaxRetries = 1
	id, _ := f.producer.CreateTask(ctx, s)
	f.store.UpdateStatus(ctx, id, task.StatusProcessing, nil)
	f.store.UpdateStatus(ctx, id, task.StatusFailed, &task.Result{Error: "boom"})

	retryID, err := f.producer.RetryTask(ctx, id)
	if err != nil {
		t.Fatalf("First retry failed: %v", err)
	}
	f.store.UpdateStatus(ctx, retryID, task.StatusProcessing, nil)
	f.store.UpdateStatus(ctx, retryID, task.StatusFailed, &task.Result{Error: "boom"})

	if _, err := f.producer.RetryTask(ctx, retryID); err == nil {
		t.Error("Expected retry rejection once retries are exhausted")
	}
}

func TestAgentQueries(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	f.registerOnline(t, "agent-a")

	online, err := f.producer.IsAgentOnline(ctx, "agent-a")
	if err != nil || !online {
		t.Errorf("Expected agent-a online, got %v (%v)", online, err)
	}
	online, _ = f.producer.IsAgentOnline(ctx, "agent-b")
	if online {
		t.Error("Expected unregistered agent offline")
	}

	agents, err := f.producer.GetOnlineAgents(ctx)
	if err != nil || len(agents) != 1 || agents[0] != "agent-a" {
		t.Errorf("Expected [agent-a], got %v (%v)", agents, err)
	}
}

func TestScheduleRecurring(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	f.registerOnline(t, "agent-a")

	f.producer.StartCron()
	defer f.producer.StopCron()

	if _, err := f.producer.ScheduleRecurring("@every 1s", spec("agent-a")); err != nil {
		t.Fatalf("ScheduleRecurring failed: %v", err)
	}

	time.Sleep(2100 * time.Millisecond)

	n, _ := f.queue.Size(ctx, "agent-a")
	if n < 1 {
		t.Fatalf("Expected at least 1 scheduled task, got %d", n)
	}

	// Scheduled tasks carry the schedule trigger and fresh ids.
	got, _, err := f.queue.DequeueBlocking(ctx, "agent-a", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.TriggerType != task.TriggerSchedule {
		t.Errorf("Expected schedule trigger, got %s", got.TriggerType)
	}
}
