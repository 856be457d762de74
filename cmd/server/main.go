// Package main implements the dispatch API server: the producer-side HTTP
// surface the backend uses to create tasks, poll status, cancel, and query
// agent liveness.
//
// API Endpoints:
//
//	POST /tasks          - create one task
//	POST /tasks/batch    - create a batch of tasks
//	GET  /tasks/status   - current record for ?id=
//	POST /tasks/cancel   - cancel the task ?id=
//	POST /tasks/retry    - re-dispatch the failed task ?id=
//	POST /schedule       - register a cron-driven recurring task
//	GET  /agents/online  - online agent ids, or liveness of ?id=
//	GET  /queue/size     - pending depth for ?agent=
//	GET  /stats          - depth of every queue
//	POST /cleanup        - prune expired terminal history
//
// Configuration comes from the environment (see pkg/config). Requests are
// authenticated with the X-API-Key header when API_KEY is set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/mcastellan/agentdispatch/pkg/config"
	"github.com/mcastellan/agentdispatch/pkg/logger"
	"github.com/mcastellan/agentdispatch/pkg/producer"
	"github.com/mcastellan/agentdispatch/pkg/queue"
	"github.com/mcastellan/agentdispatch/pkg/registry"
	"github.com/mcastellan/agentdispatch/pkg/status"
	"github.com/mcastellan/agentdispatch/pkg/store"
	"github.com/mcastellan/agentdispatch/pkg/task"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the dispatch error taxonomy onto HTTP statuses.
// Anything unrecognized is treated as a connectivity failure.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, task.ErrAgentNotFound):
		code = http.StatusNotFound
	case errors.Is(err, task.ErrAlreadyTerminal), errors.Is(err, task.ErrAgentOffline):
		code = http.StatusConflict
	case errors.Is(err, task.ErrRateLimited):
		code = http.StatusTooManyRequests
	case errors.Is(err, producer.ErrInvalidSpec):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// setupRouter configures the HTTP handlers and returns the mux.
// Middleware order is CORS -> Auth -> Handler so preflight requests never
// fail auth.
func setupRouter(p *producer.Producer, fc *status.Facade, q *queue.Queue, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	handle := func(path string, h http.HandlerFunc) {
		mux.HandleFunc(path, enableCORS(authMiddleware(h, apiKey)))
	}

	handle("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var spec producer.CreateSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		id, err := p.CreateTask(r.Context(), spec)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"task_id": id})
	})

	handle("/tasks/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Tasks []producer.CreateSpec `json:"tasks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ids, err := p.CreateTasks(r.Context(), req.Tasks)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string][]string{"task_ids": ids})
	})

	handle("/tasks/status", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}

		t, err := p.GetTaskStatus(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	})

	handle("/tasks/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}

		t, err := fc.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	})

	handle("/tasks/retry", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}

		newID, err := p.RetryTask(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"task_id": newID, "retry_of": id})
	})

	handle("/schedule", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Cron string `json:"cron"`
			producer.CreateSpec
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		entryID, err := p.ScheduleRecurring(req.Cron, req.CreateSpec)
		if err != nil {
			http.Error(w, "Invalid cron spec: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"entry_id": int(entryID)})
	})

	handle("/agents/online", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("id"); id != "" {
			online, err := p.IsAgentOnline(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"agent_id": id, "online": online})
			return
		}

		agents, err := p.GetOnlineAgents(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"agents": agents})
	})

	handle("/queue/size", func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent")
		if agentID == "" {
			http.Error(w, "Missing agent parameter", http.StatusBadRequest)
			return
		}

		size, err := p.GetQueueSize(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"agent_id": agentID, "size": size})
	})

	handle("/stats", func(w http.ResponseWriter, r *http.Request) {
		depths, err := q.Depths(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, depths)
	})

	handle("/cleanup", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		removed, err := p.CleanupExpiredTasks(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	})

	return mux
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log := logger.For("server")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	q := queue.New(rdb, log)
	st := store.New(rdb, log, cfg.ResultRetention)
	reg := registry.New(rdb, log, cfg.LivenessWindow)
	fc := status.New(st)
	p := producer.New(q, st, reg, fc, log, producer.Config{
		DefaultTimeoutMS:  cfg.DefaultTaskTimeoutMS,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The server side owns the offline sweep so registry readers see a
	// materialized state even when every runtime is gone.
	go reg.StartReaper(ctx, cfg.HeartbeatInterval)

	p.StartCron()
	defer p.StopCron()

	if cfg.APIKey == "" {
		log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: setupRouter(p, fc, q, cfg.APIKey),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutting down server...")
		cancel()
		srv.Shutdown(context.Background())
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("Dispatch API listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
