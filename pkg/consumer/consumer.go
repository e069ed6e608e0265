// Package consumer implements the per-(worker, queue) fetch loop: it
// prefetches batches from the broker into a bounded in-memory buffer and
// feeds them to whatever drains NextMessage, backing off when the queue is
// empty and requeueing anything still buffered on Close.
package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/guido-cesarano/distriq/pkg/broker"
	"github.com/guido-cesarano/distriq/pkg/logger"
	"github.com/guido-cesarano/distriq/pkg/tasks"
)

// State is the Consumer's lifecycle stage.
type State int

const (
	Idle State = iota
	Fetching
	Serving
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Serving:
		return "serving"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes one Consumer's prefetch and backoff behavior.
type Config struct {
	// Prefetch is the upper bound on buffered-but-undispatched messages.
	Prefetch int

	// MinRefreshInterval gates how often a refill fetch may be issued even
	// when the buffer is below half-full.
	MinRefreshInterval time.Duration

	// MaxBackoff caps the exponential backoff applied after a fetch
	// returns nothing.
	MaxBackoff time.Duration
}

// DefaultConfig mirrors spec defaults: prefetch sized for the caller's
// executor pool, polling backoff capped at 1s.
func DefaultConfig(executors int) Config {
	return Config{
		Prefetch:           2 * executors,
		MinRefreshInterval: 50 * time.Millisecond,
		MaxBackoff:         1 * time.Second,
	}
}

// Consumer runs the fetch loop for one (worker, queue) pair on its own
// goroutine, feeding a bounded channel that Worker's executors drain.
type Consumer struct {
	client *broker.Client
	queue  string
	cfg    Config

	out chan tasks.Message

	mu    sync.Mutex
	state State

	lastFetch time.Time
	backoff   time.Duration

	stop chan struct{}
	done chan struct{}
}

// New creates a Consumer bound to client and queue. It does not start
// fetching until Run is called.
func New(client *broker.Client, queue string, cfg Config) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		client:  client,
		queue:   queue,
		cfg:     cfg,
		out:     make(chan tasks.Message, cfg.Prefetch),
		state:   Idle,
		backoff: 10 * time.Millisecond,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Queue returns the bound queue name.
func (c *Consumer) Queue() string { return c.queue }

// State returns the current lifecycle stage.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Messages returns the channel executors should range over to receive
// dispatched messages. Membership in this worker's Redis ack group is
// guaranteed for every message that comes out of it.
func (c *Consumer) Messages() <-chan tasks.Message {
	return c.out
}

// Run drives the fetch loop until ctx is cancelled or Close is called.
// Intended to be launched on its own goroutine by Worker.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.drain(context.Background())
			return
		case <-c.stop:
			c.drain(context.Background())
			return
		default:
		}

		buffered := len(c.out)
		needsRefill := buffered < c.cfg.Prefetch/2 || buffered == 0
		sinceLast := time.Since(c.lastFetch)
		if needsRefill && sinceLast >= c.cfg.MinRefreshInterval {
			c.setState(Fetching)
			n := c.cfg.Prefetch - buffered
			msgs, err := c.client.Fetch(ctx, c.queue, n)
			c.lastFetch = time.Now()
			if err != nil {
				logger.Log.Error().Err(err).Str("queue", c.queue).Msg("consumer fetch failed")
				c.sleepBackoff(ctx)
				continue
			}
			if len(msgs) == 0 {
				c.sleepBackoff(ctx)
				continue
			}
			c.backoff = 10 * time.Millisecond
			c.setState(Serving)
			for _, m := range msgs {
				select {
				case c.out <- m:
				case <-ctx.Done():
					// Undispatched message: requeue it rather than drop it.
					_ = c.client.RequeueBatch(context.Background(), c.queue, []tasks.Message{m})
					c.drain(context.Background())
					return
				case <-c.stop:
					_ = c.client.RequeueBatch(context.Background(), c.queue, []tasks.Message{m})
					c.drain(context.Background())
					return
				}
			}
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (c *Consumer) sleepBackoff(ctx context.Context) {
	select {
	case <-time.After(c.backoff):
	case <-ctx.Done():
	case <-c.stop:
	}
	c.backoff *= 2
	if c.backoff > c.cfg.MaxBackoff {
		c.backoff = c.cfg.MaxBackoff
	}
}

// drain empties the out channel back into the broker at each message's
// original priority, restoring ordering for anything buffered but not yet
// handed to an executor.
func (c *Consumer) drain(ctx context.Context) {
	c.setState(Draining)
	var batch []tasks.Message
	for {
		select {
		case m := <-c.out:
			batch = append(batch, m)
		default:
			if len(batch) > 0 {
				if err := c.client.RequeueBatch(ctx, c.queue, batch); err != nil {
					logger.Log.Error().Err(err).Str("queue", c.queue).Msg("failed to requeue buffered messages on close")
				}
			}
			c.setState(Closed)
			return
		}
	}
}

// Close stops the fetch loop and requeues any buffered, undispatched
// messages at their original priority. Blocks until Run has returned.
func (c *Consumer) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}
