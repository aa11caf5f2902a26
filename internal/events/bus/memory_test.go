package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	if b == nil {
		t.Fatal("expected non-nil bus")
	}
	if !b.IsConnected() {
		t.Error("expected bus to be connected")
	}
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("queue.ready", func(_ context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("ready", "queue", map[string]any{"workOrderId": "wo-1"})
	if err := b.Publish(ctx, "queue.ready", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("expected event ID %s, got %s", event.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBusMultipleSubscribers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe("process.exited", func(_ context.Context, _ *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	event := NewEvent("exited", "process", nil)
	if err := b.Publish(ctx, "process.exited", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 handler calls, got %d", count)
	}
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("queue.timeout", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent("timeout", "queue", nil)
	if err := b.Publish(ctx, "queue.timeout", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	if err := b.Publish(ctx, "queue.timeout", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 handler call, got %d", count)
	}
}

func TestMemoryEventBusSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("queue.*.admitted", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("admitted", "queue", nil)
	if err := b.Publish(ctx, "queue.wo-1.admitted", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := b.Publish(ctx, "queue.wo-2.admitted", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2 events received, got %d", count)
	}
}

func TestMemoryEventBusMultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	// This is the pattern internal/observability's audit subscriber uses.
	sub, err := b.Subscribe("queue.>", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("ready", "queue", nil)
	if err := b.Publish(ctx, "queue.ready", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := b.Publish(ctx, "queue.wo-1.timeout", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2 events received, got %d", count)
	}
}

func TestMemoryEventBusWildcardNoMatch(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("queue.*.admitted", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("admitted", "queue", nil)
	if err := b.Publish(ctx, "queue.admitted", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("expected 0 events (missing middle token), got %d", count)
	}
}

func TestMemoryEventBusExactMatch(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("process.exited", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("exited", "process", nil)
	if err := b.Publish(ctx, "process.exited", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := b.Publish(ctx, "process.killed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 event, got %d", count)
	}
}

func TestMemoryEventBusConcurrentAccess(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var received int32
	var publishErrs int32
	var wg sync.WaitGroup

	sub, err := b.Subscribe("process.exited", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	const goroutines, perGoroutine = 10, 50
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				event := NewEvent("exited", "process", nil)
				if err := b.Publish(ctx, "process.exited", event); err != nil {
					atomic.AddInt32(&publishErrs, 1)
				}
			}
		}()
	}
	wg.Wait()

	if publishErrs > 0 {
		t.Errorf("publish errors: %d", publishErrs)
	}
	time.Sleep(200 * time.Millisecond)

	want := int32(goroutines * perGoroutine)
	if atomic.LoadInt32(&received) != want {
		t.Errorf("expected %d events, got %d", want, received)
	}
}

func TestMemoryEventBusClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	if !b.IsConnected() {
		t.Error("expected bus to be connected initially")
	}

	b.Close()
	if b.IsConnected() {
		t.Error("expected bus to be disconnected after Close")
	}

	ctx := context.Background()
	event := NewEvent("exited", "process", nil)
	if err := b.Publish(ctx, "process.exited", event); err == nil {
		t.Error("expected error when publishing to a closed bus")
	}
	if _, err := b.Subscribe("process.exited", func(_ context.Context, _ *Event) error { return nil }); err == nil {
		t.Error("expected error when subscribing to a closed bus")
	}
}

func TestNewEvent(t *testing.T) {
	data := map[string]any{"workOrderId": "wo-1"}
	event := NewEvent("ready", "queue", data)

	if event.ID == "" {
		t.Error("expected event ID to be set")
	}
	if event.Type != "ready" {
		t.Errorf("expected type %q, got %q", "ready", event.Type)
	}
	if event.Source != "queue" {
		t.Errorf("expected source %q, got %q", "queue", event.Source)
	}
	if event.Data["workOrderId"] != "wo-1" {
		t.Error("expected data to carry workOrderId")
	}
	if event.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}
