package status

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mcastellan/agentdispatch/pkg/logger"
	"github.com/mcastellan/agentdispatch/pkg/store"
	"github.com/mcastellan/agentdispatch/pkg/task"
)

func setupTestFacade(t *testing.T) (*miniredis.Miniredis, *store.Store, *Facade) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	st := store.New(rdb, logger.For("test"), 0)
	return s, st, New(st)
}

func seedTask(t *testing.T, fc *Facade, id string) {
	t.Helper()
	now := time.Now()
	err := fc.Create(context.Background(), &task.Task{
		ID:          id,
		AgentID:     "agent-a",
		TriggerType: task.TriggerAPI,
		Priority:    task.PriorityNormal,
		Status:      task.StatusPending,
		Input:       map[string]interface{}{"message": "hi"},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

func TestCancelPending(t *testing.T) {
	_, st, fc := setupTestFacade(t)
	ctx := context.Background()

	seedTask(t, fc, "t1")

	got, err := fc.Cancel(ctx, "t1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}

	// The canonical record agrees.
	stored, _ := st.Get(ctx, "t1")
	if stored.Status != task.StatusCancelled {
		t.Errorf("Expected canonical record cancelled, got %s", stored.Status)
	}
}

func TestCancelCompletedIsRejected(t *testing.T) {
	_, st, fc := setupTestFacade(t)
	ctx := context.Background()

	seedTask(t, fc, "t1")
	st.UpdateStatus(ctx, "t1", task.StatusProcessing, nil)
	st.UpdateStatus(ctx, "t1", task.StatusCompleted, &task.Result{ExecutionTimeMS: 5})

	_, err := fc.Cancel(ctx, "t1")
	if !errors.Is(err, task.ErrAlreadyTerminal) {
		t.Errorf("Expected ErrAlreadyTerminal, got %v", err)
	}

	// Record is left unchanged.
	stored, _ := st.Get(ctx, "t1")
	if stored.Status != task.StatusCompleted || stored.Result.ExecutionTimeMS != 5 {
		t.Errorf("Expected record untouched, got %+v", stored)
	}
}

func TestGetReadsThrough(t *testing.T) {
	_, st, fc := setupTestFacade(t)
	ctx := context.Background()

	seedTask(t, fc, "t1")

	// Another component advances the canonical record; the facade must
	// not serve the stale pending view.
	st.UpdateStatus(ctx, "t1", task.StatusProcessing, nil)

	got, err := fc.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != task.StatusProcessing {
		t.Errorf("Expected read-through processing, got %s", got.Status)
	}
}

func TestGetServesTerminalFromCache(t *testing.T) {
	s, st, fc := setupTestFacade(t)
	ctx := context.Background()

	seedTask(t, fc, "t1")
	st.UpdateStatus(ctx, "t1", task.StatusProcessing, nil)
	st.UpdateStatus(ctx, "t1", task.StatusCompleted, &task.Result{})

	// Warm the cache with the terminal record.
	if _, err := fc.Get(ctx, "t1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Even with the backing key gone, the settled record is served.
	s.Del(store.TaskKey("t1"))

	got, err := fc.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Expected cache hit, got error: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("Expected completed from cache, got %s", got.Status)
	}

	// Invalidation forces the read through, which now misses.
	fc.Invalidate("t1")
	if _, err := fc.Get(ctx, "t1"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound after invalidation, got %v", err)
	}
}

func TestCacheStaysBounded(t *testing.T) {
	_, _, fc := setupTestFacade(t)

	for i := 0; i <= maxCacheEntries; i++ {
		seedTask(t, fc, fmt.Sprintf("t%d", i))
	}

	fc.mu.RLock()
	size := len(fc.cache)
	fc.mu.RUnlock()
	if size > maxCacheEntries {
		t.Errorf("Expected cache bounded at %d entries, got %d", maxCacheEntries, size)
	}
}

func TestGetNotFound(t *testing.T) {
	_, _, fc := setupTestFacade(t)

	_, err := fc.Get(context.Background(), "missing")
	if !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestLocalTransitions(t *testing.T) {
	_, _, fc := setupTestFacade(t)
	ctx := context.Background()

	seedTask(t, fc, "t1")

	if _, err := fc.Start(ctx, "t1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	got, err := fc.Complete(ctx, "t1", &task.Result{Output: map[string]interface{}{"message": "ok"}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}

	seedTask(t, fc, "t2")
	fc.Start(ctx, "t2")
	got, err = fc.Fail(ctx, "t2", "boom")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if got.Status != task.StatusFailed || got.Result.Error != "boom" {
		t.Errorf("Expected failed with error, got %+v", got)
	}
}
