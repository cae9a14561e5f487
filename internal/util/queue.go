// Package util holds small concurrency helpers shared across packages.
package util

import "sync"

// Queue is an unbounded FIFO drained through Out. Push never blocks, so
// producers holding locks can enqueue safely. All methods are safe for
// concurrent use.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T

	wake chan struct{}
	out  chan T
	done chan struct{}
	once sync.Once
}

// NewQueue creates a queue and starts its delivery goroutine.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends an item. Items pushed after Close are dropped.
func (q *Queue[T]) Push(item T) {
	select {
	case <-q.done:
		return
	default:
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Out yields items in push order. It is closed after Close.
func (q *Queue[T]) Out() <-chan T { return q.out }

// Len returns the number of items not yet handed to a reader.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}

// Close stops delivery. Idempotent.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- item:
		case <-q.done:
			return
		}
	}
}
