// Package eventbus fans plugin lifecycle events out to in-process
// subscribers such as the serve command's event stream.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"warden/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
	plugin  string // empty matches every plugin
}

func (s subscription) matches(e domain.Event) bool {
	return s.plugin == "" || s.plugin == e.PluginID
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  bool
	dropped atomic.Uint64
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event subscribers.
// Each handler is invoked in its own goroutine. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return
	}

	for _, sub := range b.typed[event.Type] {
		if sub.matches(event) {
			b.dispatch(ctx, event, sub)
		}
	}
	for _, sub := range b.allSubs {
		if sub.matches(event) {
			b.dispatch(ctx, event, sub)
		}
	}
}

// dispatch must be called with b.mu held so Close cannot start waiting
// between the closed check and wg.Add.
func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"plugin", event.PluginID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, subscription{handler: handler})
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", subscription{handler: handler})
}

// SubscribePlugin registers a handler for every event about one plugin.
// Returns an unsubscribe function.
func (b *Bus) SubscribePlugin(pluginID string, handler domain.EventHandler) func() {
	return b.add("", subscription{handler: handler, plugin: pluginID})
}

// add registers sub under eventType, or for all types when eventType is empty.
func (b *Bus) add(eventType domain.EventType, sub subscription) func() {
	sub.id = b.nextID.Add(1)

	b.mu.Lock()
	if eventType == "" {
		b.allSubs = append(b.allSubs, sub)
	} else {
		b.typed[eventType] = append(b.typed[eventType], sub)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if eventType == "" {
				b.allSubs = remove(b.allSubs, sub.id)
				return
			}
			b.typed[eventType] = remove(b.typed[eventType], sub.id)
			if len(b.typed[eventType]) == 0 {
				delete(b.typed, eventType)
			}
		})
	}
}

// remove returns subs without the entry with the given id. It never writes
// into the old backing array, which in-flight Publish calls may be reading.
func remove(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Dropped returns how many events were published after Close.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
