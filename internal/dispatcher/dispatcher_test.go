package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geoclaim/engine/pkg/core"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func (l *testLogger) hasPrefix(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, msg := range l.messages {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	t.Cleanup(d.Close)

	return d, logger
}

func event(eventType core.EventType, id string) core.Event {
	return core.Event{Type: eventType, Territory: core.Territory{ID: id}, Time: time.Now()}
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got core.Event
	d.Subscribe(core.EventTerritoryClaimed, func(ctx context.Context, e core.Event) error {
		got = e
		return nil
	})

	err := d.Publish(context.Background(), event(core.EventTerritoryClaimed, "t-1"))

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got.Territory.ID != "t-1" {
		t.Errorf("handler did not receive the event, got %+v", got)
	}
}

func TestDispatcher_OnlyMatchingType(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var claimed, lost int
	d.Subscribe(core.EventTerritoryClaimed, func(ctx context.Context, e core.Event) error { claimed++; return nil })
	d.Subscribe(core.EventTerritoryLost, func(ctx context.Context, e core.Event) error { lost++; return nil })

	_ = d.Publish(context.Background(), event(core.EventTerritoryClaimed, "a"))
	_ = d.Publish(context.Background(), event(core.EventTerritoryClaimed, "b"))
	_ = d.Publish(context.Background(), event(core.EventTerritoryRepaired, "c"))

	if claimed != 2 || lost != 0 {
		t.Errorf("expected 2 claimed and 0 lost, got %d and %d", claimed, lost)
	}
}

func TestDispatcher_NoSubscribers(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Publish(context.Background(), event(core.EventTerritoryUpgraded, "a")); err != nil {
		t.Errorf("publishing without subscribers should succeed, got %v", err)
	}
}

func TestDispatcher_SubscribeAllKeepsOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var mu sync.Mutex
	var seen []core.EventType
	var wg sync.WaitGroup
	wg.Add(3)
	d.SubscribeAll(func(ctx context.Context, e core.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		wg.Done()
		return nil
	}, Buffered(10))

	_ = d.Publish(context.Background(), event(core.EventTerritoryAttacked, "a"))
	_ = d.Publish(context.Background(), event(core.EventTerritoryLost, "a"))
	_ = d.Publish(context.Background(), event(core.EventTerritoryClaimed, "a"))
	wg.Wait()

	want := []core.EventType{core.EventTerritoryAttacked, core.EventTerritoryLost, core.EventTerritoryClaimed}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestDispatcher_HandlerErrorsAreJoined(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var secondCalled bool
	boom := errors.New("boom")
	d.Subscribe(core.EventTerritoryLost, func(ctx context.Context, e core.Event) error { return boom }, Named("progression"))
	d.Subscribe(core.EventTerritoryLost, func(ctx context.Context, e core.Event) error { secondCalled = true; return nil })

	err := d.Publish(context.Background(), event(core.EventTerritoryLost, "a"))

	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to wrap boom, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "progression") {
		t.Errorf("expected subscriber name in error, got %v", err)
	}
	if !secondCalled {
		t.Error("a failing subscriber must not stop the others")
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	d.Subscribe(core.EventTerritoryDamaged, func(ctx context.Context, e core.Event) error {
		processed.Add(1)
		wg.Done()
		return nil
	}, Buffered(100))

	for i := 0; i < 3; i++ {
		if err := d.Publish(context.Background(), event(core.EventTerritoryDamaged, "a")); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

func TestDispatcher_BufferedSurvivesCancelledContext(t *testing.T) {
	d, _ := newTestDispatcher(t)

	done := make(chan error, 1)
	d.Subscribe(core.EventTerritoryClaimed, func(ctx context.Context, e core.Event) error {
		done <- ctx.Err()
		return nil
	}, Buffered(1))

	ctx, cancel := context.WithCancel(context.Background())
	_ = d.Publish(ctx, event(core.EventTerritoryClaimed, "a"))
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("buffered handler should not inherit the publisher's cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	d.Subscribe(core.EventTerritoryAttacked, func(ctx context.Context, e core.Event) error {
		<-block
		return nil
	}, Buffered(2))

	// one being processed + 2 queued, or 2 queued
	_ = d.Publish(context.Background(), event(core.EventTerritoryAttacked, "a"))
	_ = d.Publish(context.Background(), event(core.EventTerritoryAttacked, "a"))
	_ = d.Publish(context.Background(), event(core.EventTerritoryAttacked, "a"))

	// This should be dropped
	err := d.Publish(context.Background(), event(core.EventTerritoryAttacked, "a"))

	if err == nil {
		t.Error("expected error when queue is full")
	}

	close(block)
}

func TestDispatcher_BufferedBlocking(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	d.Subscribe(core.EventTerritoryAttacked, func(ctx context.Context, e core.Event) error {
		<-block
		return nil
	}, Buffered(1), Blocking())

	// First event starts processing, second fills the queue
	_ = d.Publish(context.Background(), event(core.EventTerritoryAttacked, "a"))
	_ = d.Publish(context.Background(), event(core.EventTerritoryAttacked, "a"))

	done := make(chan struct{})
	go func() {
		_ = d.Publish(context.Background(), event(core.EventTerritoryAttacked, "a"))
		close(done)
	}()

	select {
	case <-done:
		t.Error("publish should have blocked")
	case <-time.After(50 * time.Millisecond):
		// Expected - publish is blocking
	}

	close(block)
	<-done
}

func TestDispatcher_BufferedErrorIsLogged(t *testing.T) {
	d, logger := newTestDispatcher(t)

	var wg sync.WaitGroup
	wg.Add(1)
	d.Subscribe(core.EventTerritoryLost, func(ctx context.Context, e core.Event) error {
		defer wg.Done()
		return fmt.Errorf("sink offline")
	}, Buffered(4))

	if err := d.Publish(context.Background(), event(core.EventTerritoryLost, "a")); err != nil {
		t.Errorf("queued publish should not fail, got %v", err)
	}
	wg.Wait()
	d.Close()

	if !logger.hasPrefix("ERROR: subscriber failed") {
		t.Error("expected buffered handler failure to be logged")
	}
}

func TestDispatcher_LoggedHandler(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Subscribe(core.EventTerritoryRepaired, func(ctx context.Context, e core.Event) error {
		return nil
	}, Logged())

	_ = d.Publish(context.Background(), event(core.EventTerritoryRepaired, "a"))

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if len(logger.messages) < 2 {
		t.Errorf("expected at least 2 log messages, got %d", len(logger.messages))
	}
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Subscribe(core.EventTerritoryRepaired, func(ctx context.Context, e core.Event) error {
		return fmt.Errorf("test error")
	}, Logged())

	_ = d.Publish(context.Background(), event(core.EventTerritoryRepaired, "a"))

	if !logger.hasPrefix("ERROR") {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasSubscribers(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Subscribe(core.EventTerritoryClaimed, func(ctx context.Context, e core.Event) error { return nil })

	if !d.HasSubscribers(core.EventTerritoryClaimed) {
		t.Error("expected subscriber to exist")
	}
	if d.HasSubscribers(core.EventTerritoryLost) {
		t.Error("expected no subscriber")
	}
}

func TestDispatcher_CloseDrainsAndRejects(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	d.SubscribeAll(func(ctx context.Context, e core.Event) error {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil
	}, Buffered(10), Named("slow"))

	for i := 0; i < 5; i++ {
		_ = d.Publish(context.Background(), event(core.EventTerritoryDamaged, "a"))
	}
	d.Close()

	if processed.Load() != 5 {
		t.Errorf("expected queue drained on close, got %d processed", processed.Load())
	}
	if err := d.Publish(context.Background(), event(core.EventTerritoryDamaged, "a")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}

	// second close is a no-op
	d.Close()
}

func TestDispatcher_NilLogger(t *testing.T) {
	d, err := New(nil)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	defer d.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	d.Subscribe(core.EventTerritoryLost, func(ctx context.Context, e core.Event) error {
		defer wg.Done()
		return errors.New("ignored")
	}, Buffered(1), Logged())

	_ = d.Publish(context.Background(), event(core.EventTerritoryLost, "a"))
	wg.Wait()
}
