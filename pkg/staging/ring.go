// Package staging provides the bounded lock-free ring that decouples the
// ingest path from the flush and broadcast workers.
package staging

import (
	"sync/atomic"

	uatomic "go.uber.org/atomic"
)

type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a bounded multi-producer multi-consumer FIFO queue. Slots carry
// per-slot sequence counters (Vyukov scheme) so producers and consumers
// coordinate without locks. TryPush rejects exactly when Len() == Cap() at
// the push's serialization point; rejected values stay with the caller.
//
// FIFO holds per push serialization point, not globally across producers.
type Ring[T any] struct {
	slots    []slot[T]
	mask     uint64
	size     uint64
	capacity int64

	enqueue atomic.Uint64
	dequeue atomic.Uint64

	// length enforces the requested capacity, which may be below the
	// power-of-two slot count.
	length *uatomic.Int64
}

// NewRing creates a ring that holds at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("staging: capacity must be positive")
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	r := &Ring[T]{
		slots:    make([]slot[T], size),
		mask:     size - 1,
		size:     size,
		capacity: int64(capacity),
		length:   uatomic.NewInt64(0),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// TryPush appends v and returns true, or returns false without blocking
// when the ring is at capacity. It never fails spuriously.
func (r *Ring[T]) TryPush(v T) bool {
	if r.length.Inc() > r.capacity {
		r.length.Dec()
		return false
	}

	pos := r.enqueue.Load()
	for {
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if r.enqueue.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)
				return true
			}
			pos = r.enqueue.Load()
		case diff < 0:
			// The consumer that claimed this slot has not finished
			// releasing it. Admission guarantees it will; spin.
			pos = r.enqueue.Load()
		default:
			pos = r.enqueue.Load()
		}
	}
}

func (r *Ring[T]) tryPop() (T, bool) {
	pos := r.dequeue.Load()
	for {
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if r.dequeue.CompareAndSwap(pos, pos+1) {
				v := s.val
				var zero T
				s.val = zero
				s.seq.Store(pos + r.size)
				r.length.Dec()
				return v, true
			}
			pos = r.dequeue.Load()
		case diff < 0:
			var zero T
			return zero, false
		default:
			pos = r.dequeue.Load()
		}
	}
}

// PopBatch removes and returns up to max elements in insertion order,
// fewer if the ring holds fewer. It never blocks.
func (r *Ring[T]) PopBatch(max int) []T {
	if max <= 0 {
		return nil
	}
	n := int(r.length.Load())
	if n > max {
		n = max
	}
	if n < 0 {
		n = 0
	}
	batch := make([]T, 0, n)
	for i := 0; i < max; i++ {
		v, ok := r.tryPop()
		if !ok {
			break
		}
		batch = append(batch, v)
	}
	return batch
}

// Len is the current element count. Eventually consistent under
// concurrent mutation but always within [0, Cap()].
func (r *Ring[T]) Len() int {
	n := r.length.Load()
	if n < 0 {
		return 0
	}
	if n > r.capacity {
		return int(r.capacity)
	}
	return int(n)
}

// Cap is the maximum number of elements the ring accepts.
func (r *Ring[T]) Cap() int { return int(r.capacity) }

// IsEmpty reports whether the ring currently holds no elements.
func (r *Ring[T]) IsEmpty() bool { return r.Len() == 0 }
