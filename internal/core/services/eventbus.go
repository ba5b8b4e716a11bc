package services

import (
	"log/slog"
	"sync"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

const subscriberBuffer = 64

// EventBus fans task transitions out to subscribers keyed by task id, plus
// global subscribers that see every event.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.TaskID][]chan domain.TaskEvent
	global []chan domain.TaskEvent
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.TaskID][]chan domain.TaskEvent),
	}
}

// Subscribe returns a channel that receives events for one task
func (b *EventBus) Subscribe(taskID domain.TaskID) (<-chan domain.TaskEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.TaskEvent, subscriberBuffer)
	b.subs[taskID] = append(b.subs[taskID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			b.subs[taskID] = removeChan(b.subs[taskID], ch)
			if len(b.subs[taskID]) == 0 {
				delete(b.subs, taskID)
			}
			close(ch)
		})
	}
	return ch, unsub
}

// SubscribeAll returns a channel that receives every event.
func (b *EventBus) SubscribeAll() (<-chan domain.TaskEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.TaskEvent, subscriberBuffer)
	b.global = append(b.global, ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.global = removeChan(b.global, ch)
			close(ch)
		})
	}
	return ch, unsub
}

// Publish never blocks; a full subscriber loses the event.
func (b *EventBus) Publish(e domain.TaskEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.TaskID] {
		b.send(ch, e)
	}
	for _, ch := range b.global {
		b.send(ch, e)
	}
}

func (b *EventBus) send(ch chan domain.TaskEvent, e domain.TaskEvent) {
	select {
	case ch <- e:
	default:
		b.logger.Warn("event bus channel full, dropping event", "task_id", e.TaskID)
	}
}

func removeChan(list []chan domain.TaskEvent, ch chan domain.TaskEvent) []chan domain.TaskEvent {
	for i, c := range list {
		if c == ch {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
