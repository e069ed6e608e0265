package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/distriq/pkg/broker"
)

func setupTestBroker(t *testing.T) (*miniredis.Miniredis, *broker.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client, err := broker.NewClient(s.Addr(), broker.DefaultConfig())
	if err != nil {
		s.Close()
		t.Fatalf("broker.NewClient failed: %v", err)
	}
	return s, client
}

func TestConsumerDeliversMessages(t *testing.T) {
	s, client := setupTestBroker(t)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := client.Enqueue(ctx, "q", string(rune('a'+i)), []byte("x")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	c := New(client, "q", DefaultConfig(2))
	runCtx, cancel := context.WithCancel(ctx)
	go c.Run(runCtx)
	defer func() {
		cancel()
		c.Close()
	}()

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case m := <-c.Messages():
			seen[m.ID] = true
		case <-timeout:
			t.Fatalf("timed out waiting for messages, got %d of 3", len(seen))
		}
	}
}

func TestConsumerRequeuesOnClose(t *testing.T) {
	s, client := setupTestBroker(t)
	defer s.Close()
	ctx := context.Background()

	if err := client.Enqueue(ctx, "q", "buffered", []byte("x")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	c := New(client, "q", DefaultConfig(2))
	runCtx, cancel := context.WithCancel(ctx)
	go c.Run(runCtx)

	// Give the fetch loop a moment to pull the message into its buffer
	// without draining it via Messages().
	time.Sleep(100 * time.Millisecond)

	cancel()
	c.Close()

	if c.State() != Closed {
		t.Errorf("expected Closed state after Close, got %s", c.State())
	}

	size, err := client.QSize(ctx, "q")
	if err != nil {
		t.Fatalf("QSize failed: %v", err)
	}
	if size != 1 {
		t.Errorf("expected buffered message requeued on close, qsize=%d", size)
	}
}
