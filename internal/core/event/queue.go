package event

import "sync/atomic"

// Queue is a bounded hand-off from request goroutines to the host loop.
// Push never blocks; a full queue drops the item.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

func NewQueue[T any](size int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, size)}
}

// Push enqueues v, or counts it as dropped when the queue is full.
func (q *Queue[T]) Push(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Drain hands at most limit queued items to fn and returns how many it took.
func (q *Queue[T]) Drain(limit int, fn func(T)) int {
	n := 0
	for n < limit {
		select {
		case v := <-q.ch:
			fn(v)
			n++
		default:
			return n
		}
	}
	return n
}

func (q *Queue[T]) Len() int { return len(q.ch) }

// Dropped returns how many pushes were refused so far.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
