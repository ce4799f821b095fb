package ingest

import (
	"math/rand/v2"
	"sync"

	"perfwatch/internal/types"
)

// Sampler keeps each event with probability rate.
type Sampler struct {
	mu   sync.Mutex
	rate float64
	rng  *rand.Rand
}

// NewSampler creates a sampler over rng.
func NewSampler(rate float64, rng *rand.Rand) *Sampler {
	return &Sampler{rate: rate, rng: rng}
}

// Keep draws once.
func (s *Sampler) Keep() bool {
	switch {
	case s.rate >= 1:
		return true
	case s.rate <= 0:
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.rate
}

// Buffer is a bounded ring of enriched events. Push overwrites the oldest
// entry when full; callers drain before that happens.
type Buffer struct {
	mu    sync.Mutex
	items []types.EnrichedEvent
	head  int
	size  int
}

// NewBuffer creates a buffer holding at most capacity events.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{items: make([]types.EnrichedEvent, capacity)}
}

// Push appends ev. It reports whether the buffer is now full and whether
// an unflushed event was overwritten.
func (b *Buffer) Push(ev types.EnrichedEvent) (full, overwritten bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.items)
	if b.size == n {
		b.items[b.head] = ev
		b.head = (b.head + 1) % n
		return true, true
	}
	b.items[(b.head+b.size)%n] = ev
	b.size++
	return b.size == n, false
}

// Drain removes and returns every buffered event in arrival order.
func (b *Buffer) Drain() []types.EnrichedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.EnrichedEvent, b.size)
	n := len(b.items)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%n]
		b.items[(b.head+i)%n] = types.EnrichedEvent{}
	}
	b.head, b.size = 0, 0
	return out
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.items)
}
