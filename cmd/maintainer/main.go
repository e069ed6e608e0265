// Package main implements an operator-driven maintenance ticker.
//
// The broker script normally runs its maintenance sweep probabilistically
// on ordinary enqueue/fetch/ack/nack calls (Config.MaintenanceProbability).
// For a queue with low traffic that probability may rarely trigger, leaving
// dead workers' in-flight messages stranded longer than HeartbeatTimeout
// would suggest. cmd/maintainer forces the sweep on a fixed cron schedule
// for a configured queue list, independent of call volume.
//
// Usage:
//
//	QUEUES=default,high go run ./cmd/maintainer
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/guido-cesarano/distriq/pkg/broker"
	"github.com/guido-cesarano/distriq/pkg/logger"
	"github.com/robfig/cron/v3"
)

func main() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	spec := os.Getenv("MAINTENANCE_CRON")
	if spec == "" {
		spec = "*/30 * * * * *"
	}
	queues := strings.Split(os.Getenv("QUEUES"), ",")

	client, err := broker.NewClient(addr, broker.DefaultConfig())
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to connect to broker")
	}

	c := cron.New(cron.WithSeconds())
	_, err = c.AddFunc(spec, func() {
		ctx := context.Background()
		for _, q := range queues {
			q = strings.TrimSpace(q)
			if q == "" {
				continue
			}
			if err := client.Maintain(ctx, q); err != nil {
				logger.Log.Error().Err(err).Str("queue", q).Msg("forced maintenance failed")
			}
		}
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("invalid maintenance cron spec")
	}

	c.Start()
	defer c.Stop()

	logger.Log.Info().Strs("queues", queues).Str("spec", spec).Msg("maintainer started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Log.Info().Msg("maintainer shutting down")
}
