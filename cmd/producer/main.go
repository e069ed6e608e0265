// Package main implements the distriq HTTP API for enqueuing messages.
//
// API Endpoints:
//
//	POST /enqueue  - enqueue a message onto a queue, optional explicit priority
//	GET  /qsize    - this worker-id's view of a queue's size (test/debug only)
//	POST /purge    - delete a queue and its DLQ mirrors
//	POST /schedule - register a cron spec that periodically enqueues a template message
//
// Usage:
//
//	go run ./cmd/producer
//
// The producer listens on :8081 and connects to Redis at 127.0.0.1:6379 by
// default (override with REDIS_ADDR).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/guido-cesarano/distriq/pkg/broker"
	"github.com/guido-cesarano/distriq/pkg/logger"
	"github.com/robfig/cron/v3"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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

// enableCORS wraps an http.HandlerFunc and adds CORS headers, answering
// preflight requests before auth runs so OPTIONS never needs a key.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// cronScheduler wraps a *cron.Cron so the producer can register templated
// enqueues on a schedule without blocking the HTTP handler.
type cronScheduler struct {
	cron   *cron.Cron
	client *broker.Client
}

func newCronScheduler(client *broker.Client) *cronScheduler {
	return &cronScheduler{cron: cron.New(cron.WithSeconds()), client: client}
}

func (s *cronScheduler) schedule(spec, queue string, payload []byte, priority *int64) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		id := uuid.New().String()
		var err error
		if priority != nil {
			err = s.client.EnqueueWithPriority(context.Background(), queue, id, payload, *priority)
		} else {
			err = s.client.Enqueue(context.Background(), queue, id, payload)
		}
		if err != nil {
			logger.Log.Error().Err(err).Str("spec", spec).Str("queue", queue).Msg("scheduled enqueue failed")
			return
		}
		logger.Log.Info().Str("queue", queue).Str("spec", spec).Msg("scheduled message enqueued")
	})
}

func setupRouter(client *broker.Client, scheduler *cronScheduler, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/enqueue", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Queue    string          `json:"queue"`
			Payload  json.RawMessage `json:"payload"`
			Priority *int64          `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Queue == "" {
			http.Error(w, "missing queue", http.StatusBadRequest)
			return
		}

		id := uuid.New().String()
		var err error
		if req.Priority != nil {
			err = client.EnqueueWithPriority(r.Context(), req.Queue, id, req.Payload, *req.Priority)
		} else {
			err = client.Enqueue(r.Context(), req.Queue, id, req.Payload)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		fmt.Fprintf(w, "message enqueued: %s\n", id)
	}, apiKey)))

	mux.HandleFunc("/qsize", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		queue := r.URL.Query().Get("queue")
		if queue == "" {
			http.Error(w, "missing queue parameter", http.StatusBadRequest)
			return
		}
		size, err := client.QSize(r.Context(), queue)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"size": size})
	}, apiKey)))

	mux.HandleFunc("/purge", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		queue := r.URL.Query().Get("queue")
		if queue == "" {
			http.Error(w, "missing queue parameter", http.StatusBadRequest)
			return
		}
		if err := client.Purge(r.Context(), queue); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "queue purged: %s\n", queue)
	}, apiKey)))

	mux.HandleFunc("/schedule", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Spec     string          `json:"spec"`
			Queue    string          `json:"queue"`
			Payload  json.RawMessage `json:"payload"`
			Priority *int64          `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		entryID, err := scheduler.schedule(req.Spec, req.Queue, req.Payload, req.Priority)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid cron spec: %v", err), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "job scheduled with entry id: %d\n", entryID)
	}, apiKey)))

	return mux
}

func main() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client, err := broker.NewClient(addr, broker.DefaultConfig())
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to connect to broker")
	}

	scheduler := newCronScheduler(client)
	scheduler.cron.Start()
	defer scheduler.cron.Stop()

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logger.Log.Warn().Msg("API_KEY not set, authentication disabled")
	} else {
		logger.Log.Info().Msg("API authentication enabled")
	}

	mux := setupRouter(client, scheduler, apiKey)

	logger.Log.Info().Msg("producer listening on :8081")
	if err := http.ListenAndServe(":8081", mux); err != nil {
		logger.Log.Fatal().Err(err).Msg("producer server failed")
	}
}
