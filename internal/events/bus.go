// Package events provides the in-process pub/sub bus carrying task
// lifecycle events from the router to channel adapters and observers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/relaylabs/relay/pkg/models"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 128

// Subscription receives a filtered stream of task events.
type Subscription struct {
	bus    *Bus
	id     int
	taskID string
	ch     chan models.TaskEvent
}

// Events returns the subscriber's event channel. The channel is closed
// when the subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan models.TaskEvent {
	return s.ch
}

// Cancel detaches the subscriber and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s.id)
}

// Bus fans task events out to subscribers. Publishing never blocks: a
// subscriber that cannot keep up has events dropped, with a warning logged
// for each dropped event.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	closed bool
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for all task events.
func (b *Bus) Subscribe() *Subscription {
	return b.subscribe("")
}

// SubscribeTask registers a subscriber that only receives events for the
// given task ID, plus broadcast events carrying no task ID.
func (b *Bus) SubscribeTask(taskID string) *Subscription {
	return b.subscribe(taskID)
}

func (b *Bus) subscribe(taskID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus:    b,
		id:     b.nextID,
		taskID: taskID,
		ch:     make(chan models.TaskEvent, DefaultBuffer),
	}
	b.nextID++
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(ev models.TaskEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.taskID != "" && ev.TaskID != "" && sub.taskID != ev.TaskID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("subscriber lagging, dropping event",
				"event", ev.Type,
				"task_id", ev.TaskID)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
