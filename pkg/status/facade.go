// Package status provides the synchronous task-status facade used by
// request handlers. The record store stays the single source of truth;
// the facade keeps a process-local read cache in front of it so repeated
// polls of settled tasks skip the round trip. Terminal records are
// immutable, which is what makes them safe to serve from cache.
package status

import (
	"context"
	"sync"

	"github.com/mcastellan/agentdispatch/pkg/store"
	"github.com/mcastellan/agentdispatch/pkg/task"
)

// maxCacheEntries bounds the local cache. The store stays canonical, so
// evicted entries just cost a read-through on the next poll.
const maxCacheEntries = 1024

// Facade caches task records in front of the canonical store.
type Facade struct {
	store *store.Store

	mu    sync.RWMutex
	cache map[string]*task.Task
}

// New builds a facade over the injected store.
func New(st *store.Store) *Facade {
	return &Facade{store: st, cache: make(map[string]*task.Task)}
}

// Create seeds the canonical record and the local cache for a task
// originated by this process.
func (f *Facade) Create(ctx context.Context, t *task.Task) error {
	if err := f.store.Put(ctx, t); err != nil {
		return err
	}
	f.put(t)
	return nil
}

// Get returns the task's current record. Terminal records are served from
// cache; anything else reads through to the store and refreshes the cache.
func (f *Facade) Get(ctx context.Context, id string) (*task.Task, error) {
	f.mu.RLock()
	cached, ok := f.cache[id]
	f.mu.RUnlock()
	if ok && cached.Status.Terminal() {
		return cached, nil
	}

	t, err := f.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f.put(t)
	return t, nil
}

// Cancel transitions the task to cancelled. It returns ErrAlreadyTerminal
// (leaving the record untouched) when the task has already settled.
// Cancellation is status-only: an executor already running the task is
// not signalled and runs to its deadline.
func (f *Facade) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := f.store.UpdateStatus(ctx, id, task.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	f.put(t)
	return t, nil
}

// Start mirrors the consumer's pending->processing transition for tasks
// driven by this process.
func (f *Facade) Start(ctx context.Context, id string) (*task.Task, error) {
	return f.transition(ctx, id, task.StatusProcessing, nil)
}

// Complete settles the task as completed with the given result.
func (f *Facade) Complete(ctx context.Context, id string, result *task.Result) (*task.Task, error) {
	return f.transition(ctx, id, task.StatusCompleted, result)
}

// Fail settles the task as failed with the given error description.
func (f *Facade) Fail(ctx context.Context, id string, errMsg string) (*task.Task, error) {
	return f.transition(ctx, id, task.StatusFailed, &task.Result{Error: errMsg})
}

// Invalidate drops the cache entry for id, forcing the next Get to read
// through.
func (f *Facade) Invalidate(id string) {
	f.mu.Lock()
	delete(f.cache, id)
	f.mu.Unlock()
}

func (f *Facade) transition(ctx context.Context, id string, s task.Status, result *task.Result) (*task.Task, error) {
	t, err := f.store.UpdateStatus(ctx, id, s, result)
	if err != nil {
		return nil, err
	}
	f.put(t)
	return t, nil
}

func (f *Facade) put(t *task.Task) {
	f.mu.Lock()
	if _, ok := f.cache[t.ID]; !ok && len(f.cache) >= maxCacheEntries {
		for id := range f.cache {
			delete(f.cache, id)
			if len(f.cache) < maxCacheEntries {
				break
			}
		}
	}
	f.cache[t.ID] = t
	f.mu.Unlock()
}
