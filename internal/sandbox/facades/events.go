package facades

import (
	"context"
	"sync"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// EventsFacade implements secplugin.EventsFacade: bounded in-process
// pub/sub where a handler registered with On always runs inside its
// own plugin's sandbox, so cross-plugin delivery never reenters a
// busy Sandbox. Topics are matched exactly; there is no pattern
// subscription.
type EventsFacade struct {
	pluginID string
	bus      *Bus
}

// NewEventsFacade binds the facade to the shared bus for pluginID.
func NewEventsFacade(pluginID string, bus *Bus) *EventsFacade {
	return &EventsFacade{pluginID: pluginID, bus: bus}
}

func (e *EventsFacade) Emit(ctx context.Context, topic string, payload []byte) error {
	return e.bus.Emit(ctx, e.pluginID, topic, payload)
}

func (e *EventsFacade) On(topic string, handler secplugin.EventHandler) error {
	return e.bus.Subscribe(e.pluginID, topic, handler)
}

// Bus is the shared in-process event bus all EventsFacade instances
// publish into. Each subscriber has its own bounded queue drained by
// exactly one goroutine, so a handler never runs concurrently with
// itself and never runs while that subscriber's Sandbox is mid-call;
// the caller (internal/sandbox.Sandbox) drains the queue only between
// its own calls.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]map[string][]secplugin.EventHandler // topic -> pluginID -> handlers
	queues      map[string]chan queuedEvent                    // pluginID -> bounded queue
	queueBound  int
	dropped     map[string]int64
}

type queuedEvent struct {
	topic   string
	payload []byte
}

// NewBus creates an event bus with the given per-subscriber queue bound.
func NewBus(queueBound int) *Bus {
	if queueBound <= 0 {
		queueBound = 64
	}
	return &Bus{
		subscribers: make(map[string]map[string][]secplugin.EventHandler),
		queues:      make(map[string]chan queuedEvent),
		queueBound:  queueBound,
		dropped:     make(map[string]int64),
	}
}

// Subscribe registers handler for topic under pluginID's own queue.
func (b *Bus) Subscribe(pluginID, topic string, handler secplugin.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string][]secplugin.EventHandler)
	}
	b.subscribers[topic][pluginID] = append(b.subscribers[topic][pluginID], handler)

	if _, ok := b.queues[pluginID]; !ok {
		b.queues[pluginID] = make(chan queuedEvent, b.queueBound)
	}
	return nil
}

// Emit copies payload by value and enqueues it for every subscriber of
// topic; a full subscriber queue drops the event and counts it rather
// than blocking the emitting Sandbox.
func (b *Bus) Emit(ctx context.Context, fromPluginID, topic string, payload []byte) error {
	b.mu.Lock()
	subs := b.subscribers[topic]
	copied := append([]byte(nil), payload...)

	for pluginID := range subs {
		q, ok := b.queues[pluginID]
		if !ok {
			continue
		}
		select {
		case q <- queuedEvent{topic: topic, payload: append([]byte(nil), copied...)}:
		default:
			b.dropped[pluginID]++
		}
	}
	b.mu.Unlock()
	return nil
}

// Drain delivers every currently queued event for pluginID to its
// registered handlers. The Sandbox calls this between its own calls,
// never while a call for pluginID is in flight, which is what
// prevents event delivery from reentering a busy Sandbox.
func (b *Bus) Drain(ctx context.Context, pluginID string) {
	b.mu.Lock()
	q, ok := b.queues[pluginID]
	b.mu.Unlock()
	if !ok {
		return
	}

	for {
		select {
		case evt := <-q:
			b.mu.Lock()
			handlers := append([]secplugin.EventHandler(nil), b.subscribers[evt.topic][pluginID]...)
			b.mu.Unlock()
			for _, h := range handlers {
				func() {
					defer func() { _ = recover() }()
					h(ctx, evt.topic, evt.payload)
				}()
			}
		default:
			return
		}
	}
}

// DroppedCount reports how many events were dropped for pluginID due
// to a full queue, for diagnostics/health reporting.
func (b *Bus) DroppedCount(pluginID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[pluginID]
}
