// Package main implements the distriq worker process.
//
// A worker owns a pool of executor goroutines, one Consumer per subscribed
// queue, and the two restart middlewares (MaxTasksPerChild,
// RestartOnRequest). It connects to Redis, runs until SIGINT/SIGTERM or an
// internal restart request drains it, and exits with the process code an
// external supervisor should interpret:
//
//	0  clean shutdown
//	3  restart requested — relaunch me
//	*  abnormal
//
// Usage:
//
//	go run ./cmd/worker
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/guido-cesarano/distriq/pkg/broker"
	"github.com/guido-cesarano/distriq/pkg/consumer"
	"github.com/guido-cesarano/distriq/pkg/logger"
	"github.com/guido-cesarano/distriq/pkg/metrics"
	"github.com/guido-cesarano/distriq/pkg/middleware"
	"github.com/guido-cesarano/distriq/pkg/tasks"
	"github.com/guido-cesarano/distriq/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// envelope is the demo payload format used only by this binary's example
// handlers; the broker itself never looks inside Payload.
type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

func main() {
	addr := getenv("REDIS_ADDR", "127.0.0.1:6379")
	queues := strings.Split(getenv("QUEUES", "default"), ",")
	executors := getenvInt("EXECUTORS", 4)
	maxTasks := getenvInt("MAX_TASKS_PER_CHILD", 0)
	metricsAddr := getenv("METRICS_ADDR", ":8080")

	cfg := broker.DefaultConfig()
	client, err := broker.NewClient(addr, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to connect to broker")
	}

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Log.Info().Str("addr", metricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	handler := makeHandler(collectors)
	wcfg := worker.DefaultConfig()
	wcfg.Executors = executors
	w := worker.New(client, wcfg, handler)

	ccfg := consumer.DefaultConfig(executors)
	for _, q := range queues {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		c := consumer.New(client, q, ccfg)
		w.AddConsumer(c)
	}

	w.Use(middleware.MaxTasksPerChild(w, maxTasks))
	w.Use(middleware.RestartOnRequest(w))
	w.Use(worker.ListenerFunc(func(e worker.Event) {
		if e.Kind != worker.AfterProcess {
			return
		}
		collectors.Processed.WithLabelValues(outcomeLabel(e.Outcome), e.Message.Queue).Inc()
		if e.Outcome.Kind == worker.RestartRequested {
			collectors.Restarts.WithLabelValues("requested").Inc()
		}
	}))
	if maxTasks > 0 {
		var maxTasksFired sync.Once
		w.Use(worker.ListenerFunc(func(e worker.Event) {
			if e.Kind == worker.AfterProcess && e.Outcome.Kind != worker.RestartRequested && w.RestartState() == worker.RestartPending {
				maxTasksFired.Do(func() { collectors.Restarts.WithLabelValues("max_tasks").Inc() })
			}
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("shutdown signal received, draining")
		cancel()
		<-sigChan // second signal escalates to hard exit
		logger.Log.Warn().Msg("second signal received, forcing exit")
		os.Exit(1)
	}()

	go collectQueueDepths(ctx, client, collectors, queues)

	logger.Log.Info().Strs("queues", queues).Str("worker_id", client.WorkerID()).Msg("worker started")
	code := w.Run(ctx)
	logger.Log.Info().Int("exit_code", code).Msg("worker exiting")
	os.Exit(code)
}

func makeHandler(collectors *metrics.Collectors) worker.Handler {
	return func(ctx context.Context, msg tasks.Message) worker.Outcome {
		start := time.Now()
		collectors.QueueLatency.WithLabelValues(msg.Queue).Observe(start.Sub(msg.CreatedAt).Seconds())

		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			// Opaque/non-envelope payload: treat as a generic successful task.
			collectors.Duration.WithLabelValues(msg.Queue).Observe(time.Since(start).Seconds())
			return worker.Ok()
		}

		var outcome worker.Outcome
		switch env.Type {
		case "restart_request":
			logger.Log.Info().Str("msg_id", msg.ID).Msg("task requested worker restart")
			outcome = worker.Restart()
		case "poison":
			outcome = worker.Fail(fmt.Errorf("poison message"))
		case "slow":
			time.Sleep(200 * time.Millisecond)
			outcome = worker.Ok()
		default:
			outcome = worker.Ok()
		}

		collectors.Duration.WithLabelValues(msg.Queue).Observe(time.Since(start).Seconds())
		return outcome
	}
}

func outcomeLabel(o worker.Outcome) string {
	switch o.Kind {
	case worker.Success:
		return "success"
	case worker.Retryable:
		return "retry"
	case worker.Terminal:
		return "failed"
	case worker.RestartRequested:
		return "restart"
	default:
		return "unknown"
	}
}

func collectQueueDepths(ctx context.Context, client *broker.Client, collectors *metrics.Collectors, queues []string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				q = strings.TrimSpace(q)
				if q == "" {
					continue
				}
				if size, err := client.QSize(ctx, q); err == nil {
					collectors.QueueDepth.WithLabelValues(q).Set(float64(size))
				}
			}
		}
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
