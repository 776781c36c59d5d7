// Package queue provides the hand-off queue between the capture goroutine and
// the worker pool: a FIFO whose Push never blocks and whose Pop blocks until
// an item arrives or the queue is closed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrClosed is returned by Push after Close, and by Pop once a closed
	// queue has been drained.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by Push when a bounded queue is full and the
	// drop-newest policy rejected the pushed item.
	ErrFull = errors.New("queue full")
)

// DropPolicy selects which item is discarded when a bounded queue is full.
type DropPolicy int

const (
	// DropNewest rejects the item being pushed.
	DropNewest DropPolicy = iota
	// DropOldest evicts the item at the head of the queue to make room.
	DropOldest
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	default:
		return "drop-newest"
	}
}

// ParseDropPolicy parses "drop-newest" or "drop-oldest".
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-newest", "newest":
		return DropNewest, nil
	case "drop-oldest", "oldest":
		return DropOldest, nil
	default:
		return DropNewest, fmt.Errorf("unknown drop policy %q (must be drop-newest or drop-oldest)", s)
	}
}

// Queue is a multi-producer, multi-consumer FIFO safe for concurrent use.
// A capacity of zero means unbounded.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []T
	head     int
	capacity int
	policy   DropPolicy
	closed   bool
}

// New creates a queue. capacity <= 0 creates an unbounded queue.
func New[T any](capacity int, policy DropPolicy) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	q := &Queue[T]{
		capacity: capacity,
		policy:   policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends item without blocking.
//
// When the queue is bounded and full, the drop policy applies: DropNewest
// returns ErrFull and leaves the queue unchanged; DropOldest removes the head
// item, returns it as evicted, and enqueues item.
func (q *Queue[T]) Push(item T) (evicted *T, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	if q.capacity > 0 && q.lenLocked() >= q.capacity {
		if q.policy == DropNewest {
			return nil, ErrFull
		}
		old := q.popLocked()
		evicted = &old
	}

	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return evicted, nil
}

// Pop removes and returns the head item, blocking while the queue is empty.
// It returns ErrClosed once the queue is closed and drained, or ctx.Err() if
// ctx is cancelled first.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	// Wake waiters when ctx is cancelled; sync.Cond has no ctx support.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.notEmpty.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.lenLocked() == 0 {
		if q.closed {
			return zero, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.notEmpty.Wait()
	}

	return q.popLocked(), nil
}

// TryPop returns the head item without blocking. ok is false when the queue
// is empty.
func (q *Queue[T]) TryPop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lenLocked() == 0 {
		return item, false
	}
	return q.popLocked(), true
}

// Close stops accepting new items and wakes all blocked consumers. Items
// already queued are still delivered. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Capacity returns the configured capacity, 0 for unbounded.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Policy returns the configured drop policy.
func (q *Queue[T]) Policy() DropPolicy {
	return q.policy
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

// popLocked assumes the queue is non-empty.
func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// Compact once the consumed prefix dominates the backing array.
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item
}
