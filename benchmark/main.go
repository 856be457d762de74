// Package main benchmarks dispatch throughput: it floods one agent's
// queue with tasks and measures how fast a running runtime drains it.
// Start a runtime bound to the target agent first.
//
// Usage:
//
//	go run benchmark/main.go -tasks 100000 -agent agent-a
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mcastellan/agentdispatch/pkg/logger"
	"github.com/mcastellan/agentdispatch/pkg/queue"
	"github.com/mcastellan/agentdispatch/pkg/task"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to enqueue")
	numProducers := flag.Int("producers", 10, "Number of concurrent enqueuers")
	agentID := flag.String("agent", "agent-a", "Target agent identity")
	addr := flag.String("redis", "localhost:6379", "Redis address")
	flag.Parse()

	rdb := redis.NewClient(&redis.Options{Addr: *addr})
	q := queue.New(rdb, logger.For("benchmark"))
	ctx := context.Background()

	fmt.Printf("agentdispatch benchmark\n")
	fmt.Printf("=======================\n")
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Target agent: %s\n", *agentID)
	fmt.Printf("Concurrent producers: %d\n\n", *numProducers)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	perProducer := *numTasks / *numProducers

	for i := 0; i < *numProducers; i++ {
		wg.Add(1)
		go func(producerID int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				now := time.Now()
				t := task.Task{
					ID:          uuid.New().String(),
					AgentID:     *agentID,
					TriggerType: task.TriggerAPI,
					Priority:    task.PriorityNormal,
					Status:      task.StatusPending,
					Input:       map[string]interface{}{"producer": producerID, "task": j},
					Metadata:    task.Metadata{TimeoutMS: 60000, MaxRetries: 0},
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := q.Enqueue(ctx, t); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("Enqueued %d tasks in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("Waiting for the runtime to drain the queue...\n")
	startProcess := time.Now()

	agentQueue := queue.AgentQueueKey(*agentID)
	for {
		depths, err := q.Depths(ctx)
		if err != nil {
			fmt.Printf("Error reading depths: %v\n", err)
			time.Sleep(2 * time.Second)
			continue
		}
		remaining := depths[agentQueue] + depths["tasks:processing"]
		if remaining == 0 {
			break
		}

		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d tasks\n", remaining)
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\nAll tasks drained in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(*numTasks)/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(*numTasks)/totalTime.Seconds())
}
