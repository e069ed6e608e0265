package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Namespace = "test"
	client, err := NewClient(s.Addr(), cfg)
	if err != nil {
		s.Close()
		t.Fatalf("NewClient failed: %v", err)
	}
	return s, client
}

func TestEnqueueFetchAck(t *testing.T) {
	s, client := setupTestRedis(t)
	defer s.Close()
	ctx := context.Background()

	if err := client.Enqueue(ctx, "q", "msg-1", []byte("hello")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	msgs, err := client.Fetch(ctx, "q", 1)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "msg-1" || string(msgs[0].Payload) != "hello" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}

	if err := client.Ack(ctx, "q", "msg-1"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	size, err := client.QSize(ctx, "q")
	if err != nil {
		t.Fatalf("QSize failed: %v", err)
	}
	if size != 0 {
		t.Errorf("expected empty queue after ack, got size %d", size)
	}
}

// TestPriorityOrder covers P2: a single worker fetches lowest-priority-value
// first.
func TestPriorityOrder(t *testing.T) {
	s, client := setupTestRedis(t)
	defer s.Close()
	ctx := context.Background()

	client.EnqueueWithPriority(ctx, "q", "low-urgency", []byte("a"), 10)
	client.EnqueueWithPriority(ctx, "q", "high-urgency", []byte("b"), 0)
	client.EnqueueWithPriority(ctx, "q", "mid-urgency", []byte("c"), 5)

	msgs, err := client.Fetch(ctx, "q", 3)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	want := []string{"high-urgency", "mid-urgency", "low-urgency"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
}

// TestDefaultPriorityFromEnv covers DefaultConfig reading the default
// priority that Enqueue falls back to from the environment.
func TestDefaultPriorityFromEnv(t *testing.T) {
	t.Setenv(defaultPriorityEnvVar, "7")
	cfg := DefaultConfig()
	if cfg.DefaultPriority != 7 {
		t.Errorf("expected default priority 7, got %d", cfg.DefaultPriority)
	}
}

// TestAckIdempotent covers P4: a second Ack on the same message-id is
// reported as not-found rather than silently succeeding twice.
func TestAckIdempotent(t *testing.T) {
	s, client := setupTestRedis(t)
	defer s.Close()
	ctx := context.Background()

	client.Enqueue(ctx, "q", "m", []byte("x"))
	client.Fetch(ctx, "q", 1)

	if err := client.Ack(ctx, "q", "m"); err != nil {
		t.Fatalf("first Ack failed: %v", err)
	}
	if err := client.Ack(ctx, "q", "m"); err != ErrMessageNotFound {
		t.Errorf("expected ErrMessageNotFound on repeat Ack, got %v", err)
	}
}

// TestRequeueRestoresPriority covers P5.
func TestRequeueRestoresPriority(t *testing.T) {
	s, client := setupTestRedis(t)
	defer s.Close()
	ctx := context.Background()

	client.EnqueueWithPriority(ctx, "q", "m", []byte("x"), 3)
	fetched, err := client.Fetch(ctx, "q", 1)
	if err != nil || len(fetched) != 1 {
		t.Fatalf("fetch: %v, %+v", err, fetched)
	}

	if err := client.RequeueBatch(ctx, "q", fetched); err != nil {
		t.Fatalf("RequeueBatch failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	score, err := rdb.ZScore(ctx, "test:q", "m").Result()
	if err != nil {
		t.Fatalf("expected message back on queue zset: %v", err)
	}
	if int64(score) != 3 {
		t.Errorf("expected requeued priority 3, got %v", score)
	}
}

// TestNackMovesToDeadLetterQueue covers the DLQ write path (P6 setup).
func TestNackMovesToDeadLetterQueue(t *testing.T) {
	s, client := setupTestRedis(t)
	defer s.Close()
	ctx := context.Background()

	client.Enqueue(ctx, "q", "poison", []byte("bad"))
	client.Fetch(ctx, "q", 1)

	if err := client.Nack(ctx, "q", "poison"); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	exists, err := rdb.HExists(ctx, "test:q.XQ.msgs", "poison").Result()
	if err != nil {
		t.Fatalf("HExists failed: %v", err)
	}
	if !exists {
		t.Error("expected nacked message in dead-letter hash")
	}
}

// TestDeadLetterExpiry covers P6: a DLQ entry older than DeadMessageTTL is
// evicted by the maintenance sweep.
func TestDeadLetterExpiry(t *testing.T) {
	s, client := setupTestRedis(t)
	defer s.Close()
	ctx := context.Background()

	client.Enqueue(ctx, "q", "stale", []byte("x"))
	client.Fetch(ctx, "q", 1)
	client.Nack(ctx, "q", "stale")

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	past := time.Now().Add(-client.cfg.DeadMessageTTL - time.Hour).UnixMilli()
	if err := rdb.ZAdd(ctx, "test:q.XQ", redis.Z{Score: float64(past), Member: "stale"}).Err(); err != nil {
		t.Fatalf("failed to backdate dead-letter score: %v", err)
	}

	if err := client.Maintain(ctx, "q"); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}

	exists, err := rdb.HExists(ctx, "test:q.XQ.msgs", "stale").Result()
	if err != nil {
		t.Fatalf("HExists failed: %v", err)
	}
	if exists {
		t.Error("expected expired dead-letter entry to be evicted")
	}
}

// TestMaintenanceRecoversDeadWorker covers P3/P7: a worker that fetched a
// message and then stopped heartbeating has its in-flight work recovered by
// maintenance and its heartbeat entry removed.
func TestMaintenanceRecoversDeadWorker(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	// The script computes the dead-worker deadline from the *caller's*
	// heartbeat_timeout_ms (see script.go), so the short timeout must be on
	// producer, the client that invokes Maintain — not on dead, whose own
	// config is irrelevant to how its heartbeat gets judged.
	producerCfg := DefaultConfig()
	producerCfg.Namespace = "test"
	producerCfg.HeartbeatTimeout = 10 * time.Millisecond
	producer, err := NewClient(s.Addr(), producerCfg)
	if err != nil {
		t.Fatalf("NewClient (producer) failed: %v", err)
	}

	deadCfg := DefaultConfig()
	deadCfg.Namespace = "test"
	dead, err := NewClient(s.Addr(), deadCfg)
	if err != nil {
		t.Fatalf("NewClient (dead worker) failed: %v", err)
	}

	if err := producer.Enqueue(ctx, "q", "orphan", []byte("x")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	msgs, err := dead.Fetch(ctx, "q", 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("fetch by dead worker: %v, %+v", err, msgs)
	}

	time.Sleep(20 * time.Millisecond)

	if err := producer.Maintain(ctx, "q"); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}

	recovered, err := producer.Fetch(ctx, "q", 1)
	if err != nil {
		t.Fatalf("recovery fetch failed: %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != "orphan" {
		t.Fatalf("expected orphaned message recovered, got %+v", recovered)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	stillHeartbeating, err := rdb.ZScore(ctx, "test:__heartbeats__", dead.WorkerID()).Result()
	if err == nil {
		t.Errorf("expected dead worker's heartbeat entry removed, still present with score %v", stillHeartbeating)
	}
}

func TestPurge(t *testing.T) {
	s, client := setupTestRedis(t)
	defer s.Close()
	ctx := context.Background()

	client.Enqueue(ctx, "q", "m1", []byte("x"))
	client.Enqueue(ctx, "q", "m2", []byte("y"))

	if err := client.Purge(ctx, "q"); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	size, err := client.QSize(ctx, "q")
	if err != nil {
		t.Fatalf("QSize failed: %v", err)
	}
	if size != 0 {
		t.Errorf("expected empty queue after purge, got %d", size)
	}
}
