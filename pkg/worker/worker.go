// Package worker is the process-level coordinator: it owns a pool of
// executor goroutines, the set of per-queue Consumers, the middleware
// chain, and the restart state machine that recycles the process on
// exhaustion (MaxTasksPerChild) or an explicit RestartRequested outcome.
package worker

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/distriq/pkg/broker"
	"github.com/guido-cesarano/distriq/pkg/consumer"
	"github.com/guido-cesarano/distriq/pkg/logger"
	"github.com/guido-cesarano/distriq/pkg/tasks"
)

// Handler processes one message and reports how it went.
type Handler func(ctx context.Context, msg tasks.Message) Outcome

// RestartState is the worker-level restart state machine (spec §4.4):
// Running -> RestartPending -> Draining -> Exit(code=3).
type RestartState int32

const (
	Running RestartState = iota
	RestartPending
	DrainingForRestart
	Exited
)

// ExitClean and ExitRestart are the two process exit codes the spec
// assigns meaning to; anything else is abnormal.
const (
	ExitClean   = 0
	ExitRestart = 3
)

// Config tunes a Worker.
type Config struct {
	Executors     int
	AckOnRestart  bool          // default true per spec §4.4.3
	ShutdownGrace time.Duration // default 10s
}

// DefaultConfig returns spec defaults.
func DefaultConfig() Config {
	return Config{
		Executors:     4,
		AckOnRestart:  true,
		ShutdownGrace: 10 * time.Second,
	}
}

// Worker coordinates executors across a set of Consumers, running handler
// for each dispatched message and routing its Outcome.
type Worker struct {
	client  *broker.Client
	cfg     Config
	handler Handler

	mu        sync.Mutex
	consumers []*consumer.Consumer

	listenersMu sync.Mutex
	listeners   []Listener

	restartState atomic.Int32
	restartOnce  sync.Once

	rrIndex atomic.Uint64
}

// New creates a Worker bound to client, driving handler for every message
// any of its consumers produces.
func New(client *broker.Client, cfg Config, handler Handler) *Worker {
	if cfg.Executors <= 0 {
		cfg.Executors = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Worker{client: client, cfg: cfg, handler: handler}
}

// AddConsumer subscribes the worker to an additional queue's Consumer.
func (w *Worker) AddConsumer(c *consumer.Consumer) {
	w.mu.Lock()
	w.consumers = append(w.consumers, c)
	w.mu.Unlock()
}

// Use registers a middleware listener.
func (w *Worker) Use(l Listener) {
	w.listenersMu.Lock()
	w.listeners = append(w.listeners, l)
	w.listenersMu.Unlock()
}

// RequestRestart is the one-shot entry point restart middlewares call to
// transition Running -> RestartPending. Subsequent calls are no-ops (spec:
// "exactly one RestartPending transition per process lifetime").
func (w *Worker) RequestRestart() {
	w.restartOnce.Do(func() {
		w.restartState.Store(int32(RestartPending))
		logger.Log.Info().Msg("restart requested, worker will drain and exit")
	})
}

// RestartState returns the current state-machine value.
func (w *Worker) RestartState() RestartState {
	return RestartState(w.restartState.Load())
}

func (w *Worker) fire(e Event) {
	w.listenersMu.Lock()
	ls := make([]Listener, len(w.listeners))
	copy(ls, w.listeners)
	w.listenersMu.Unlock()
	for _, l := range ls {
		l.OnEvent(e)
	}
}

// Run starts every consumer's fetch loop and the executor pool, blocking
// until ctx is cancelled or a restart is requested and fully drained. It
// returns the process exit code the caller should use.
func (w *Worker) Run(ctx context.Context) int {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	consumers := append([]*consumer.Consumer(nil), w.consumers...)
	w.mu.Unlock()

	var consumerWG sync.WaitGroup
	for _, c := range consumers {
		consumerWG.Add(1)
		go func(c *consumer.Consumer) {
			defer consumerWG.Done()
			c.Run(runCtx)
		}(c)
	}

	var execWG sync.WaitGroup
	for i := 0; i < w.cfg.Executors; i++ {
		execWG.Add(1)
		go func() {
			defer execWG.Done()
			w.executorLoop(runCtx, consumers)
		}()
	}

	// Watch for either external cancellation or an internal restart
	// request; both converge on draining consumers and waiting for
	// executors to finish their current message.
	restartCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if w.RestartState() == RestartPending {
					close(restartCh)
					return
				}
			}
		}
	}()

	exitCode := ExitClean
	select {
	case <-ctx.Done():
	case <-restartCh:
		w.restartState.Store(int32(DrainingForRestart))
		exitCode = ExitRestart
	}

	cancel()
	for _, c := range consumers {
		w.fire(Event{Kind: BeforeConsumerStop})
		c.Close()
	}
	consumerWG.Wait()

	done := make(chan struct{})
	go func() {
		execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		logger.Log.Warn().Msg("shutdown grace period exceeded, exiting without waiting for executors")
	}

	if exitCode == ExitRestart {
		w.restartState.Store(int32(Exited))
	}
	return exitCode
}

// executorLoop pulls the next ready message from any subscribed consumer
// (best-effort round-robin, skipping empty ones), runs the handler, and
// routes its Outcome.
func (w *Worker) executorLoop(ctx context.Context, consumers []*consumer.Consumer) {
	for {
		msg, src, ok := w.nextMessage(ctx, consumers)
		if !ok {
			return
		}
		w.process(ctx, src, msg)
	}
}

// nextMessage uses reflect.Select so the number of source channels can vary
// across Worker instances without hand-written N-way select statements; it
// rotates the starting index each call for best-effort fairness across
// queues (spec: "round-robin scanned", not a strict guarantee).
func (w *Worker) nextMessage(ctx context.Context, consumers []*consumer.Consumer) (tasks.Message, *consumer.Consumer, bool) {
	if len(consumers) == 0 {
		<-ctx.Done()
		return tasks.Message{}, nil, false
	}

	start := int(w.rrIndex.Add(1)) % len(consumers)
	cases := make([]reflect.SelectCase, 0, len(consumers)+1)
	order := make([]*consumer.Consumer, 0, len(consumers))
	for i := 0; i < len(consumers); i++ {
		c := consumers[(start+i)%len(consumers)]
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(c.Messages()),
		})
		order = append(order, c)
	}
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	})

	chosen, recv, recvOK := reflect.Select(cases)
	if chosen == len(order) || !recvOK {
		return tasks.Message{}, nil, false
	}
	return recv.Interface().(tasks.Message), order[chosen], true
}

func (w *Worker) process(ctx context.Context, src *consumer.Consumer, msg tasks.Message) {
	w.fire(Event{Kind: BeforeProcess, Message: msg})

	outcome := w.handler(ctx, msg)

	// A message whose handler completes during drain must still be
	// acked/nacked (spec §5: "executors finish their current message") even
	// though runCtx was just cancelled to stop fetching new work. Use a
	// context detached from runCtx, bounded by ShutdownGrace so a wedged
	// Redis call can't hang the process forever.
	ackCtx, ackCancel := context.WithTimeout(context.Background(), w.cfg.ShutdownGrace)
	defer ackCancel()

	switch outcome.Kind {
	case Success:
		if err := w.client.Ack(ackCtx, src.Queue(), msg.ID); err != nil && err != broker.ErrMessageNotFound {
			logger.Log.Error().Err(err).Str("msg_id", msg.ID).Msg("ack failed")
		}
	case Retryable:
		// Delegated to an external retry policy: the core does nothing
		// here beyond leaving the message unacked in its ack group, where
		// maintenance will eventually recover it if this worker dies
		// before a retry middleware acts.
	case Terminal:
		if err := w.client.Nack(ackCtx, src.Queue(), msg.ID); err != nil && err != broker.ErrMessageNotFound {
			logger.Log.Error().Err(err).Str("msg_id", msg.ID).Msg("nack failed")
		}
	case RestartRequested:
		var err error
		if w.cfg.AckOnRestart {
			err = w.client.Ack(ackCtx, src.Queue(), msg.ID)
		} else {
			err = w.client.Nack(ackCtx, src.Queue(), msg.ID)
		}
		if err != nil && err != broker.ErrMessageNotFound {
			logger.Log.Error().Err(err).Str("msg_id", msg.ID).Msg("restart completion ack/nack failed")
		}
	}

	w.fire(Event{Kind: AfterProcess, Message: msg, Outcome: outcome})
}
