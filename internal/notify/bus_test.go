package notify

import (
	"context"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu   sync.Mutex
	got  []Notification
	fail int // fail this many deliveries before succeeding
}

func (c *captureSink) Deliver(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return context.DeadlineExceeded
	}
	c.got = append(c.got, n)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublishDeliversToAllSinks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(8)
	a, b := &captureSink{}, &captureSink{}
	bus.AddSink(a)
	bus.AddSink(b)
	bus.Start(ctx)
	defer bus.Stop()

	bus.User("u1", SeveritySuccess, "entry placed", "BTCUSDT LONG 0.1")

	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 })

	a.mu.Lock()
	n := a.got[0]
	a.mu.Unlock()
	if n.UserID != "u1" || n.Severity != SeveritySuccess || n.Time.IsZero() {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestDeliveryRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(8)
	s := &captureSink{fail: 2} // two failures, third attempt succeeds
	bus.AddSink(s)
	bus.Start(ctx)
	defer bus.Stop()

	bus.Global(SeverityCritical, "stream lost", "reconnect attempts exhausted")

	waitFor(t, func() bool { return s.count() == 1 })
}

func TestPublishNeverBlocksOnFullQueue(t *testing.T) {
	bus := NewBus(1) // not started: nothing drains the queue

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Global(SeverityInfo, "tick", "n")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}
