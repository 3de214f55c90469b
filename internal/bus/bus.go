// Package bus routes device lifecycle and state-change events from the
// reconciler and directory to the entity surface over a bounded worker pool.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType identifies the kind of event carried on the bus.
type EventType string

const (
	EventTypeDeviceAdded   EventType = "device_added"
	EventTypeDeviceRemoved EventType = "device_removed"
	EventTypeStateChanged  EventType = "state_changed"
	EventTypeReauth        EventType = "reauth_required"
)

const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Event is a single bus message. Serial names the device the event concerns
// (empty for account-wide events such as reauth). Data carries the payload;
// for device events it is the snapshot published by the reconciler.
type Event struct {
	Type   EventType
	Serial string
	Data   any
}

// Handler consumes one event. Handlers run on the pool workers and must not
// block indefinitely.
type Handler func(Event)

// Bus fans events out to subscribed handlers. Each published event is queued
// once and delivered to every handler registered for its type at delivery
// time, so subscribers attached during startup see events queued concurrently
// with registration.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	queue chan Event
	wg    sync.WaitGroup

	// closeMu serializes queue sends against close(queue): Publish holds a
	// read lock around its send, Close takes the write lock to flip closed
	// before closing the channel, so no send can race the close.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a bus with the default pool size.
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a bus with workerCount delivery goroutines and a
// queue holding up to queueSize undelivered events.
func NewWithConfig(workerCount, queueSize int) *Bus {
	b := &Bus{
		handlers: make(map[EventType][]Handler),
		queue:    make(chan Event, queueSize),
	}
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for ev := range b.queue {
		b.mu.RLock()
		handlers := b.handlers[ev.Type]
		b.mu.RUnlock()
		for _, h := range handlers {
			b.deliver(ev, h)
		}
	}
}

func (b *Bus) deliver(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", string(ev.Type)).
				Str("serial", ev.Serial).
				Msg("Event handler panicked")
		}
	}()
	h(ev)
}

// Subscribe registers a handler for one event type. Registration order is
// delivery order within a single event.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish queues an event for delivery. It never blocks: when the bus is
// closed or the queue is full the event is dropped with a warning. Device
// state is periodically re-published by the poll loop, so a dropped event
// heals on the next cycle.
func (b *Bus) Publish(event Event) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed {
		log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closed, dropping event")
		return
	}
	select {
	case b.queue <- event:
	default:
		log.Warn().Str("event_type", string(event.Type)).Msg("Event bus queue full, dropping event")
	}
}

// Close stops accepting events, drains the queue, and waits for workers up
// to the context deadline.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		close(b.queue)
		b.closeMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus drained")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, undelivered events lost")
	}
}
