// Package memory provides the in-process dispatch queue between the
// dispatcher and its workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded queue of job ids. An id stays claimed from Offer until
// Done so a job is never handed to two workers at once.
type Queue struct {
	ch      chan string
	mu      sync.Mutex
	claimed map[string]struct{}
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:      make(chan string, capacity),
		claimed: make(map[string]struct{}),
	}
}

// Offer enqueues id without blocking. It reports false when id is already
// claimed or the queue is full.
func (q *Queue) Offer(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	if _, ok := q.claimed[id]; ok {
		return false, nil
	}
	select {
	case q.ch <- id:
		q.claimed[id] = struct{}{}
		return true, nil
	default:
		return false, nil
	}
}

// Dequeue pops the next id, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case id, ok := <-q.ch:
		if !ok {
			return "", ErrClosed
		}
		return id, nil
	}
}

// Done releases the claim on id.
func (q *Queue) Done(id string) {
	q.mu.Lock()
	delete(q.claimed, id)
	q.mu.Unlock()
}

// Len reports queued ids not yet dequeued.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
