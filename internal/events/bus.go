package events

import (
	"sync"
)

// Notice tells feed readers that a partition has a new change at Seq.
// It is only a wake-up hint; readers still pull from their cursor.
type Notice struct {
	Partition int
	Seq       int64
}

// Handler receives a notice. It runs on the publisher's goroutine and must not block.
type Handler func(Notice)

// Bus is a synchronous in-process notice bus keyed by feed partition.
// Subscribers are invoked in registration order on the publisher's goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int][]Handler
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int][]Handler),
	}
}

// Subscribe registers a handler for one partition.
func (b *Bus) Subscribe(partition int, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[partition] = append(b.handlers[partition], h)
}

// Publish dispatches a notice to all handlers of its partition.
// A nil bus is a valid no-op publisher.
func (b *Bus) Publish(n Notice) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.handlers[n.Partition]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(n)
	}
}

// Wake returns a handler that performs a non-blocking send on ch, coalescing
// bursts of notices into a single pending wake-up.
func Wake(ch chan<- struct{}) Handler {
	return func(Notice) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
