package eventbus

import (
	"log"
	"sync"
	"sync/atomic"

	"xrplalerts/internal/metrics"
	"xrplalerts/internal/models"
)

// Bus fans committed NFT activities out to in-process consumers (the alert
// orchestrator, the live API stream). Publish never blocks the ingest path:
// a subscriber whose buffer is full loses the event and a drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan models.ActivityDetail
	nextID  int
	bufSize int
	closed  bool

	dropped atomic.Uint64
}

func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		subs:    make(map[int]chan models.ActivityDetail),
		bufSize: bufSize,
	}
}

// Subscribe registers a consumer. The returned cancel func unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan models.ActivityDetail, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan models.ActivityDetail, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber, dropping on full buffers.
func (b *Bus) Publish(event models.ActivityDetail) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			metrics.BusEventsDropped.Inc()
			log.Printf("[eventbus] subscriber %d buffer full, dropping activity %s/%s",
				id, event.Activity.TransactionHash, event.Activity.ActivityType)
		}
	}
}

// Close shuts the bus; subsequent Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
