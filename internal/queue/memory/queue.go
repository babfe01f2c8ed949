// Package memory provides the in-process URL queue fed by the HTTP API and
// drained by the orchestrator's stream scheduler.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by TryEnqueue when no capacity is left.
	ErrFull = errors.New("queue full")
)

// Queue is a bounded URL queue with context-aware operations.
type Queue struct {
	ch   chan string
	done chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan string, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a URL, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, url string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- url:
		return nil
	}
}

// TryEnqueue pushes a URL without blocking.
func (q *Queue) TryEnqueue(url string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- url:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next URL, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case url, ok := <-q.ch:
		if !ok {
			return "", ErrClosed
		}
		return url, nil
	}
}

// Items exposes the receive side for range-style consumers. It is closed
// by Close after buffered URLs drain.
func (q *Queue) Items() <-chan string { return q.ch }

// Len reports how many URLs are waiting.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops accepting URLs. Blocked producers are released.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
}
