package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"warden/internal/domain"
	"warden/internal/infra/logger"
)

func newTestBus() *Bus {
	return New(logger.Discard())
}

func newEvent(t domain.EventType, pluginID string) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now(), PluginID: pluginID}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventPluginLoaded, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventPluginLoaded {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventPluginLoaded, "p1"))
	bus.Publish(context.Background(), newEvent(domain.EventPluginUnloaded, "p1"))
	bus.Close() // drain
	assert.Equal(t, int32(1), got.Load())
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventPluginLoaded, "p1"))
	bus.Publish(context.Background(), newEvent(domain.EventPluginExecuted, "p2"))
	bus.Close()

	assert.Equal(t, int32(2), got.Load())
}

func TestSubscribePlugin(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []domain.EventType
	bus.SubscribePlugin("p1", func(_ context.Context, e domain.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	bus.Publish(context.Background(), newEvent(domain.EventPluginLoaded, "p1"))
	bus.Publish(context.Background(), newEvent(domain.EventPluginLoaded, "p2"))
	bus.Publish(context.Background(), newEvent(domain.EventPluginDenied, "p1"))
	bus.Close()

	assert.ElementsMatch(t, []domain.EventType{domain.EventPluginLoaded, domain.EventPluginDenied}, seen)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var typed, all atomic.Int32
	unsubTyped := bus.Subscribe(domain.EventPluginFailed, func(_ context.Context, _ domain.Event) {
		typed.Add(1)
	})
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		all.Add(1)
	})

	unsubTyped()
	unsubTyped() // second call is a no-op
	unsubAll()
	bus.Publish(context.Background(), newEvent(domain.EventPluginFailed, "p1"))
	bus.Close()

	assert.Zero(t, typed.Load())
	assert.Zero(t, all.Load())
	assert.Empty(t, bus.typed, "empty typed lists are dropped")
}

func TestUnsubscribeLeavesOthers(t *testing.T) {
	bus := newTestBus()

	var a, b atomic.Int32
	unsubA := bus.Subscribe(domain.EventPluginExecuted, func(_ context.Context, _ domain.Event) { a.Add(1) })
	bus.Subscribe(domain.EventPluginExecuted, func(_ context.Context, _ domain.Event) { b.Add(1) })

	unsubA()
	bus.Publish(context.Background(), newEvent(domain.EventPluginExecuted, "p1"))
	bus.Close()

	assert.Zero(t, a.Load())
	assert.Equal(t, int32(1), b.Load())
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventPluginExecuted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventPluginExecuted, "p1"))
		}()
	}
	wg.Wait()
	bus.Close()

	assert.Equal(t, int32(100), got.Load())
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventPluginLoaded, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventPluginLoaded, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventPluginLoaded, "p1"))
	bus.Close()

	assert.Equal(t, int32(1), got.Load(), "second handler still runs")
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventPluginLoaded, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventPluginLoaded, "p1"))
	bus.Close() // blocks until the handler finishes
	assert.Equal(t, int32(1), got.Load())

	bus.Publish(context.Background(), newEvent(domain.EventPluginLoaded, "p1"))
	bus.Close()
	assert.Equal(t, int32(1), got.Load(), "no delivery after close")
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestPublishRacesClose(t *testing.T) {
	bus := newTestBus()
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				bus.Publish(context.Background(), newEvent(domain.EventPluginExecuted, "p1"))
			}
		}()
	}
	bus.Close()
	wg.Wait()
}
