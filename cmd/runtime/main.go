// Package main implements the agent runtime process. It binds to one
// agent identity, registers it, keeps it alive with periodic heartbeats,
// and runs the consumer loop that executes tasks addressed to it.
//
// Features:
//   - Single sequential consumer loop with graceful shutdown
//   - Prometheus metrics exposed on METRICS_ADDR/metrics
//   - Heartbeat ticker publishing local resource metrics
//   - Background promoter delivering delayed (retried) tasks
//
// Usage:
//
//	AGENT_ID=agent-a go run cmd/runtime/main.go
//
// The bundled executor is a stand-in for the real agent: it echoes its
// input and supports sleep/failure directives for exercising the
// timeout and failure paths.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mcastellan/agentdispatch/pkg/config"
	"github.com/mcastellan/agentdispatch/pkg/consumer"
	"github.com/mcastellan/agentdispatch/pkg/logger"
	"github.com/mcastellan/agentdispatch/pkg/queue"
	"github.com/mcastellan/agentdispatch/pkg/registry"
	"github.com/mcastellan/agentdispatch/pkg/store"
	"github.com/mcastellan/agentdispatch/pkg/task"
)

// Prometheus metrics for monitoring task execution.
var (
	// tasksSettled tracks settled tasks by terminal status and trigger.
	tasksSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdispatch_tasks_settled_total",
		Help: "The total number of settled tasks",
	}, []string{"status", "trigger"})

	// taskDuration tracks executor latency in seconds.
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentdispatch_task_duration_seconds",
		Help:    "Duration of task execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"trigger"})

	// queueLatency tracks the time a task waited before being claimed.
	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentdispatch_queue_latency_seconds",
		Help:    "Time spent in queue before execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"trigger"})

	// queueDepth tracks the number of references in each queue.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentdispatch_queue_depth",
		Help: "Number of references in each queue",
	}, []string{"queue"})
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.AgentID == "" {
		logger.Log.Fatal().Msg("AGENT_ID is required")
	}
	log := logger.For("runtime").With().Str("agent_id", cfg.AgentID).Logger()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	q := queue.New(rdb, log)
	st := store.New(rdb, log, cfg.ResultRetention)
	reg := registry.New(rdb, log, cfg.LivenessWindow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, _ := os.Hostname()
	if err := reg.Register(ctx, &task.AgentRegistration{
		ID:           cfg.AgentID,
		RuntimeID:    cfg.RuntimeID,
		Name:         cfg.AgentID,
		Capabilities: []string{"execute"},
		Metadata: task.AgentMetadata{
			Host:      host,
			PID:       os.Getpid(),
			StartedAt: time.Now(),
		},
		Heartbeat: task.AgentHeartbeat{
			IntervalMS: cfg.HeartbeatInterval.Milliseconds(),
		},
	}); err != nil {
		log.Fatal().Err(err).Msg("Agent registration failed")
	}

	// Heartbeats run on their own ticker, never serialized behind task
	// execution.
	go reg.StartHeartbeat(ctx, cfg.AgentID, cfg.HeartbeatInterval, func(ctx context.Context) (int64, error) {
		return q.Size(ctx, cfg.AgentID)
	})
	go q.StartPromoter(ctx, 500*time.Millisecond)
	go collectQueueMetrics(ctx, q)

	// Prometheus metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		http.ListenAndServe(cfg.MetricsAddr, nil)
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutting down runtime...")
		cancel()
	}()

	listener := consumer.New(cfg.AgentID, q, st, reg, log)
	listener.OnTaskDone(func(t *task.Task, status task.Status, execTime time.Duration) {
		trigger := string(t.TriggerType)
		tasksSettled.WithLabelValues(string(status), trigger).Inc()
		taskDuration.WithLabelValues(trigger).Observe(execTime.Seconds())
		if t.StartedAt != nil {
			queueLatency.WithLabelValues(trigger).Observe(t.StartedAt.Sub(t.CreatedAt).Seconds())
		}
	})

	log.Info().Msg("Runtime started. Waiting for tasks...")
	listener.Listen(ctx, executeTask)
}

// executeTask is the bundled demo executor. Input directives:
//
//	{"sleep_ms": N}  - simulate N milliseconds of work
//	{"fail": "msg"}  - report a failure
//
// Anything else is echoed back as {"message": ...}.
func executeTask(ctx context.Context, t *task.Task) (*consumer.ExecutionResult, error) {
	input, _ := t.Input.(map[string]interface{})

	if ms, ok := input["sleep_ms"].(float64); ok {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if msg, ok := input["fail"].(string); ok {
		return nil, errors.New(msg)
	}

	output := map[string]interface{}{"message": "ok"}
	if msg, ok := input["message"]; ok {
		output["message"] = msg
	}
	return &consumer.ExecutionResult{Output: output}, nil
}

// collectQueueMetrics periodically samples queue depths into the gauge.
func collectQueueMetrics(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := q.Depths(ctx)
			if err != nil {
				continue
			}
			for name, depth := range depths {
				queueDepth.WithLabelValues(name).Set(float64(depth))
			}
		}
	}
}
