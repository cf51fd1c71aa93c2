package sinks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/mediagen/internal/events"
)

const defaultSubscriberBuffer = 64

// Broadcaster fans events out to in-process subscribers such as SSE streams.
// Slow subscribers lose events instead of stalling the hub.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
}

type subscriber struct {
	ch     chan events.Event
	filter func(events.Event) bool
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewBroadcaster returns a Broadcaster whose subscriber channels hold buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{subs: make(map[uint64]*subscriber), buffer: buffer}
}

// Subscribe registers a listener. filter may be nil to receive everything. The
// returned cancel func unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(filter func(events.Event) bool) (<-chan events.Event, func()) {
	sub := &subscriber{ch: make(chan events.Event, b.buffer), filter: filter}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
}

// Subscribers reports the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports events discarded because a subscriber was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Consume delivers the batch to every subscriber without blocking.
func (b *Broadcaster) Consume(_ context.Context, batch []events.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		for _, evt := range batch {
			if sub.filter != nil && !sub.filter(evt) {
				continue
			}
			select {
			case sub.ch <- evt:
			default:
				b.dropped.Add(1)
			}
		}
	}
	return nil
}

// Close ends every subscription.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
	return nil
}
