package telem

import (
	"sync"
	"time"
)

// Stamped is anything the ring can age out
type Stamped interface {
	Stamp() time.Time
}

// RingBuffer is a fixed-capacity, thread-safe ring of time-stamped items.
// When full, adding overwrites the oldest item.
type RingBuffer[T Stamped] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	head     int
	size     int
}

// NewRingBuffer creates a ring holding at most capacity items
func NewRingBuffer[T Stamped](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{data: make([]T, capacity), capacity: capacity}
}

// Add appends an item
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	tail := (rb.head + rb.size) % rb.capacity
	rb.data[tail] = item
	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// GetSince returns a copy of the items stamped after since, oldest first
func (rb *RingBuffer[T]) GetSince(since time.Time) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]T, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		item := rb.data[(rb.head+i)%rb.capacity]
		if item.Stamp().After(since) {
			result = append(result, item)
		}
	}
	return result
}

// Last returns the newest item
func (rb *RingBuffer[T]) Last() (T, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}
	return rb.data[(rb.head+rb.size-1)%rb.capacity], true
}

// RemoveBefore drops leading items stamped before the cutoff and returns how many were dropped.
// Items are appended in time order so the scan stops at the first newer item.
func (rb *RingBuffer[T]) RemoveBefore(before time.Time) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	removed := 0
	for rb.size > 0 {
		item := rb.data[rb.head]
		if !item.Stamp().Before(before) {
			break
		}
		rb.data[rb.head] = zero
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		removed++
	}
	return removed
}

// Reset empties the ring
func (rb *RingBuffer[T]) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.data = make([]T, rb.capacity)
	rb.head = 0
	rb.size = 0
}

// Size returns the current number of items
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the buffer capacity
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}
