package notify

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

const memoryBufferSize = 256

// MemoryBus delivers events to in-process subscribers. A full subscriber buffer drops
// the event; the enforcement backstop poll picks those entries up.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewMemoryBus constructs a MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan Event)}
}

// Publish implements Publisher.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.WithFields(log.Fields{"component": "notify", "subscriber": id, "username": ev.Username}).
				Warn("notify: subscriber buffer full, dropping event")
		}
	}
	return nil
}

// Subscribe implements Subscriber.
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	ch := make(chan Event, memoryBufferSize)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			if errHandle := handler(ctx, ev); errHandle != nil {
				log.WithError(errHandle).WithFields(log.Fields{"component": "notify", "username": ev.Username}).
					Warn("notify: handler failed")
			}
		}
	}
}

// Close stops delivery to subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
