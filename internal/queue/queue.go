// Package queue provides the bounded FIFO between the link's delivery
// goroutine and the sample consumer.
package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Overflow selects what happens when Put finds the queue full.
type Overflow string

const (
	// DropOldest evicts the head so the newest item is kept.
	DropOldest Overflow = "drop_oldest"
	// DropNewest rejects the incoming item.
	DropNewest Overflow = "drop_newest"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 256

// ParseOverflow validates a configured overflow policy. Empty selects
// DropOldest.
func ParseOverflow(s string) (Overflow, error) {
	switch Overflow(s) {
	case "", DropOldest:
		return DropOldest, nil
	case DropNewest:
		return DropNewest, nil
	default:
		return "", fmt.Errorf("queue: unknown overflow policy %q", s)
	}
}

// Queue is a bounded, thread-safe FIFO. Put never blocks, so it is safe to
// call from a delivery goroutine that must not stall.
type Queue[T any] struct {
	ch       chan T
	overflow Overflow
	dropped  atomic.Uint64
}

// New creates a queue. A non-positive capacity uses DefaultCapacity.
func New[T any](capacity int, overflow Overflow) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if overflow == "" {
		overflow = DropOldest
	}
	return &Queue[T]{
		ch:       make(chan T, capacity),
		overflow: overflow,
	}
}

// Put enqueues v. It returns false if an item was discarded to honour the
// capacity, either v itself or the oldest queued item.
func (q *Queue[T]) Put(v T) bool {
	for {
		select {
		case q.ch <- v:
			return true
		default:
		}

		q.dropped.Add(1)
		if q.overflow == DropNewest {
			return false
		}
		select {
		case <-q.ch:
		default:
		}
		select {
		case q.ch <- v:
		default:
			continue
		}
		return false
	}
}

// Get waits up to timeout for an item. ok is false on timeout or when ctx
// is done.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (v T, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v = <-q.ch:
		return v, true
	case <-ctx.Done():
		return v, false
	case <-timer.C:
		return v, false
	}
}

// Drain discards everything currently queued and returns the count.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

func (q *Queue[T]) Len() int { return len(q.ch) }

func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Dropped counts items lost to overflow since creation.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
