// Package broker implements the Redis-resident data layout and atomic
// dispatch protocol for a priority-aware task queue: enqueue, fetch,
// requeue, ack, nack, purge, and the probabilistic maintenance sweep that
// recovers dead workers' in-flight messages and evicts expired
// dead-letters. Every mutation is funneled through one Lua script
// (script.go) so concurrent workers never observe partial state.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/distriq/pkg/logger"
	"github.com/guido-cesarano/distriq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// ErrScriptShapeMismatch is returned when the dispatch script replies with a
// shape the client does not recognize — a protocol error per spec, fatal at
// the call site.
var ErrScriptShapeMismatch = errors.New("broker: unexpected script reply shape")

// ErrMessageNotFound is returned by Ack/Nack when the message-id was not
// present in the caller's ack group (already acked, or never fetched by
// this worker).
var ErrMessageNotFound = errors.New("broker: message not in ack group")

// defaultPriorityEnvVar is read once at startup; see Config.DefaultPriority.
const defaultPriorityEnvVar = "dramatiq_actor_default_priority"

// Config holds every tunable the broker client and its consumers need.
type Config struct {
	// Namespace prefixes every Redis key this client touches.
	Namespace string

	// HeartbeatTimeout is how long a worker's heartbeat may go unrefreshed
	// before maintenance considers it dead and recovers its ack groups.
	HeartbeatTimeout time.Duration

	// DeadMessageTTL bounds how long a dead-lettered message survives
	// before maintenance evicts it.
	DeadMessageTTL time.Duration

	// MaintenanceProbability is the per-call chance of running the
	// maintenance sweep; keep this low, maintenance does O(dead workers +
	// DLQ size) work.
	MaintenanceProbability float64

	// DefaultPriority is used when a caller enqueues without specifying
	// one. DefaultConfig reads it once from the
	// dramatiq_actor_default_priority environment variable.
	DefaultPriority int64
}

// DefaultConfig returns the documented defaults (spec §6).
func DefaultConfig() Config {
	return Config{
		Namespace:              "dramatiq",
		HeartbeatTimeout:       60 * time.Second,
		DeadMessageTTL:         7 * 24 * time.Hour,
		MaintenanceProbability: 0.01,
		DefaultPriority:        defaultPriorityFromEnv(),
	}
}

// defaultPriorityFromEnv reads dramatiq_actor_default_priority once; absent
// or unparsable values fall back to 0.
func defaultPriorityFromEnv() int64 {
	raw := os.Getenv(defaultPriorityEnvVar)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Log.Warn().Str("value", raw).Msg("invalid dramatiq_actor_default_priority, using 0")
		return 0
	}
	return v
}

// Client is a process-singleton adapter over the dispatch script: it owns
// the connection pool, the namespace, the heartbeat/maintenance cadence,
// and this process's stable worker-id.
type Client struct {
	rdb       redis.UniversalClient
	cfg       Config
	workerID  string
	scriptSHA string
	rand      *rand.Rand
}

// NewClient connects to Redis at addr and generates a fresh worker-id for
// this process. The worker-id is shared by every Consumer built on this
// client.
func NewClient(addr string, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return newClientWithRedis(rdb, cfg)
}

// NewClientFromRedis wraps an already-constructed redis.UniversalClient
// (e.g. a cluster client, or a *redis.Client pointed at miniredis in
// tests).
func NewClientFromRedis(rdb redis.UniversalClient, cfg Config) (*Client, error) {
	return newClientWithRedis(rdb, cfg)
}

func newClientWithRedis(rdb redis.UniversalClient, cfg Config) (*Client, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "dramatiq"
	}
	c := &Client{
		rdb:      rdb,
		cfg:      cfg,
		workerID: uuid.New().String(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sha, err := rdb.ScriptLoad(ctx, dispatchScript).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: failed to load dispatch script: %w", err)
	}
	c.scriptSHA = sha
	return c, nil
}

// WorkerID returns this process's stable worker identity.
func (c *Client) WorkerID() string {
	return c.workerID
}

// shouldRunMaintenance decides, per call, whether this invocation also runs
// the probabilistic maintenance sweep.
func (c *Client) shouldRunMaintenance() bool {
	return c.rand.Float64() < c.cfg.MaintenanceProbability
}

// call invokes the dispatch script, retrying once via SCRIPT LOAD on
// NOSCRIPT (the same recovery the teacher's ScriptRegistry pattern uses for
// EVALSHA cache misses after a Redis restart or FLUSHSCRIPT).
func (c *Client) call(ctx context.Context, command, queue string, args ...interface{}) (interface{}, error) {
	return c.callMaintenance(ctx, command, queue, c.shouldRunMaintenance(), args...)
}

func (c *Client) callMaintenance(ctx context.Context, command, queue string, forceMaintenance bool, args ...interface{}) (interface{}, error) {
	now := time.Now().UnixMilli()
	maintenance := "0"
	if forceMaintenance {
		maintenance = "1"
	}

	fixed := []interface{}{
		c.cfg.Namespace,
		command,
		now,
		queue,
		c.workerID,
		c.cfg.HeartbeatTimeout.Milliseconds(),
		c.cfg.DeadMessageTTL.Milliseconds(),
		maintenance,
	}
	fixed = append(fixed, args...)

	res, err := c.rdb.EvalSha(ctx, c.scriptSHA, nil, fixed...).Result()
	if err != nil && isNoScript(err) {
		sha, loadErr := c.rdb.ScriptLoad(ctx, dispatchScript).Result()
		if loadErr != nil {
			return nil, fmt.Errorf("broker: failed to reload dispatch script: %w", loadErr)
		}
		c.scriptSHA = sha
		res, err = c.rdb.EvalSha(ctx, c.scriptSHA, nil, fixed...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("broker: dispatch %s on %q: %w", command, queue, err)
	}
	return res, nil
}

func isNoScript(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return len(msg) >= 8 && msg[:8] == "NOSCRIPT"
}

// Enqueue adds a message to queue, defaulting priority if unset by the
// caller (see EnqueueWithPriority). Idempotent on identical id: a second
// call updates priority and payload in place.
func (c *Client) Enqueue(ctx context.Context, queue string, id string, payload []byte) error {
	return c.EnqueueWithPriority(ctx, queue, id, payload, c.cfg.DefaultPriority)
}

// EnqueueWithPriority adds a message to queue at an explicit priority,
// overriding the configured default.
func (c *Client) EnqueueWithPriority(ctx context.Context, queue, id string, payload []byte, priority int64) error {
	_, err := c.call(ctx, "enqueue", queue, id, string(payload), priority)
	return err
}

// fetched is one message returned by a fetch call, still owned by this
// client's ack group until Ack/Nack/Requeue.
type fetched struct {
	Message  tasks.Message
	Priority int64
}

// fetch pulls up to n messages from queue, lowest-priority-first, placing
// them into this worker's ack group for that queue.
func (c *Client) fetch(ctx context.Context, queue string, n int) ([]fetched, error) {
	if n <= 0 {
		return nil, nil
	}
	res, err := c.call(ctx, "fetch", queue, n)
	if err != nil {
		return nil, err
	}
	rows, ok := res.([]interface{})
	if !ok {
		return nil, ErrScriptShapeMismatch
	}
	if len(rows)%3 != 0 {
		return nil, ErrScriptShapeMismatch
	}
	out := make([]fetched, 0, len(rows)/3)
	for i := 0; i < len(rows); i += 3 {
		id, ok := rows[i].(string)
		if !ok {
			return nil, ErrScriptShapeMismatch
		}
		priority, err := toInt64(rows[i+1])
		if err != nil {
			return nil, ErrScriptShapeMismatch
		}
		var payload []byte
		if s, ok := rows[i+2].(string); ok {
			payload = []byte(s)
		}
		out = append(out, fetched{
			Message: tasks.Message{
				ID:        id,
				Queue:     queue,
				Payload:   payload,
				Priority:  priority,
				CreatedAt: time.Now(),
			},
			Priority: priority,
		})
	}
	return out, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, ErrScriptShapeMismatch
	}
}

// RequeueBatch restores previously-fetched messages to their queue at their
// original priority. Used on graceful consumer shutdown to return buffered,
// undispatched work.
func (c *Client) RequeueBatch(ctx context.Context, queue string, batch []tasks.Message) error {
	if len(batch) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(batch)*2)
	for _, m := range batch {
		args = append(args, m.ID, m.Priority)
	}
	_, err := c.call(ctx, "requeue", queue, args...)
	return err
}

// Ack acknowledges successful completion, removing the message from this
// worker's ack group and deleting its payload. Idempotent: a second Ack
// changes nothing and returns ErrMessageNotFound.
func (c *Client) Ack(ctx context.Context, queue, id string) error {
	res, err := c.call(ctx, "ack", queue, id)
	if err != nil {
		return err
	}
	if n, _ := toInt64(res); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Nack moves the message to the queue's dead-letter queue.
func (c *Client) Nack(ctx context.Context, queue, id string) error {
	res, err := c.call(ctx, "nack", queue, id)
	if err != nil {
		return err
	}
	if n, _ := toInt64(res); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Purge deletes queue's priority zset and payload hash and its DLQ zset and
// hash. Workers' ack groups for the queue are left in place.
// Test-only per spec; dangerous in production.
func (c *Client) Purge(ctx context.Context, queue string) error {
	_, err := c.call(ctx, "purge", queue)
	return err
}

// QSize returns the number of payloads in queue's message hash (pending and
// in-flight alike) plus the size of this worker's ack group for it. Test-only per spec: it is scoped to one worker's ack
// group, not a true global depth.
func (c *Client) QSize(ctx context.Context, queue string) (int64, error) {
	res, err := c.call(ctx, "qsize", queue)
	if err != nil {
		return 0, err
	}
	return toInt64(res)
}

// Maintain forces the maintenance sweep for queue on this call, bypassing
// MaintenanceProbability. Intended for an operator-driven maintenance
// ticker (cmd/maintainer) rather than the normal hot path, since
// maintenance only recovers dead workers' ack groups for the queue named
// here (see DESIGN.md on the single-queue maintenance scope).
func (c *Client) Maintain(ctx context.Context, queue string) error {
	_, err := c.callMaintenance(ctx, "qsize", queue, true)
	return err
}

// Fetch exposes the raw fetch primitive to pkg/consumer.
func (c *Client) Fetch(ctx context.Context, queue string, n int) ([]tasks.Message, error) {
	rows, err := c.fetch(ctx, queue, n)
	if err != nil {
		return nil, err
	}
	out := make([]tasks.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Message)
	}
	return out, nil
}
