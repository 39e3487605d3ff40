package events

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Publisher/Subscriber for tests and development
// without Kafka. A single dispatch goroutine per subscriber preserves
// publish order, which implies per-key order.
type MemoryBus struct {
	mu       sync.Mutex
	closed   bool
	channels []chan Event
	pending  sync.WaitGroup
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers the event asynchronously to every subscriber.
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.channels {
		b.pending.Add(1)
		ch <- event
	}
	return nil
}

// Subscribe starts a consumer loop feeding handler one event at a time.
func (b *MemoryBus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	ch := make(chan Event, 256)
	b.channels = append(b.channels, ch)
	go func() {
		for event := range ch {
			handler(event)
			b.pending.Done()
		}
	}()
}

// Wait blocks until every published event has been handled. Test helper.
func (b *MemoryBus) Wait() {
	b.pending.Wait()
}

// Close stops all consumer loops after the queued events drain.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.channels {
		close(ch)
	}
	b.channels = nil
	return nil
}
