// Package bus fans values out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the value.
package bus

import (
	"sync"

	"obdlink/pkg/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBuffer is used when Subscribe is given a non-positive size.
const DefaultBuffer = 8

// Bus distributes values of type T to every subscriber.
type Bus[T any] struct {
	name string

	mu          sync.RWMutex
	subscribers map[string]chan T
	closed      bool

	published uint64
	dropped   map[string]uint64
}

// Stats contains bus statistics.
type Stats struct {
	Subscribers         int
	Published           uint64
	DroppedBySubscriber map[string]uint64
}

// New creates a bus. name is only used in log lines.
func New[T any](name string) *Bus[T] {
	return &Bus[T]{
		name:        name,
		subscribers: make(map[string]chan T),
		dropped:     make(map[string]uint64),
	}
}

// Subscribe registers a new subscriber. The returned id is passed to
// Unsubscribe. The channel is closed on Unsubscribe or Close.
func (b *Bus[T]) Subscribe(buffer int) (string, <-chan T) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	id := uuid.NewString()
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	b.dropped[id] = 0

	log.Debug("subscriber registered",
		zap.String("bus", b.name),
		zap.String("subscriber_id", id),
		zap.Int("total_subscribers", len(b.subscribers)),
	)
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are ignored.
func (b *Bus[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		delete(b.dropped, id)
	}
}

// Publish hands v to every subscriber that has room for it.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			b.dropped[id]++
			log.Debug("value dropped for subscriber",
				zap.String("bus", b.name),
				zap.String("subscriber_id", id),
			)
		}
	}
	b.published++
}

// Stats returns bus statistics.
func (b *Bus[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := make(map[string]uint64, len(b.dropped))
	for k, v := range b.dropped {
		dropped[k] = v
	}
	return Stats{
		Subscribers:         len(b.subscribers),
		Published:           b.published,
		DroppedBySubscriber: dropped,
	}
}

// Close closes every subscriber channel. Later publishes are ignored and
// later subscribers receive an already closed channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
