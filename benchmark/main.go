// Package main provides a benchmark tool for distriq to measure task
// enqueue and fetch/ack throughput end to end.
//
// Usage:
//
//	go run ./benchmark -tasks 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/distriq/pkg/broker"
)

const benchmarkQueue = "benchmark"

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to enqueue")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	prefetch := flag.Int("prefetch", 100, "Batch size used when draining the queue")
	flag.Parse()

	client, err := broker.NewClient("localhost:6379", broker.DefaultConfig())
	if err != nil {
		fmt.Printf("failed to connect to broker: %v\n", err)
		return
	}
	ctx := context.Background()

	if err := client.Purge(ctx, benchmarkQueue); err != nil {
		fmt.Printf("failed to reset benchmark queue: %v\n", err)
		return
	}

	fmt.Printf("distriq Benchmark\n")
	fmt.Printf("=================\n")
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Concurrent workers: %d\n\n", *numWorkers)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				id := uuid.New().String()
				payload := []byte(fmt.Sprintf(`{"worker":%d,"task":%d}`, workerID, j))
				if err := client.Enqueue(ctx, benchmarkQueue, id, payload); err != nil {
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

	fmt.Printf("Draining queue (fetch + ack)...\n")
	startProcess := time.Now()

	var processed int64
	for {
		msgs, err := client.Fetch(ctx, benchmarkQueue, *prefetch)
		if err != nil {
			fmt.Printf("Error fetching: %v\n", err)
			return
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if err := client.Ack(ctx, benchmarkQueue, m.ID); err != nil {
				fmt.Printf("Error acking %s: %v\n", m.ID, err)
				continue
			}
			processed++
		}
		if processed%10000 == 0 {
			fmt.Printf("  Processed: %d tasks\n", processed)
		}
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\nAll %d tasks processed in %s\n", processed, processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(processed)/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(processed)/totalTime.Seconds())
}
