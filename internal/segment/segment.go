// Package segment accumulates per-segment statistics with bounded memory.
package segment

import (
	"container/list"
	"math/rand/v2"
	"sort"
	"sync"

	"perfwatch/internal/config"
	"perfwatch/internal/stats"
	"perfwatch/internal/types"
)

type entry struct {
	segment     types.Segment
	key         string
	lastUpdated int64
	byType      map[types.EventType]*stats.Aggregate
}

// Performance is the segmentPerformance read model.
type Performance struct {
	Key         string                         `json:"key"`
	Segment     types.Segment                  `json:"segment"`
	LastUpdated int64                          `json:"lastUpdated"`
	ByType      map[types.EventType]stats.View `json:"byType"`
}

// Outcome reports the evictions caused by one Record call.
type Outcome struct {
	SegmentEvicted   bool
	ReservoirEvicted bool
}

// Bookkeeper maps segment key → event type → aggregate. The map holds at
// most MaxSegments keys; the least recently updated segment is evicted.
type Bookkeeper struct {
	mu        sync.Mutex
	max       int
	reservoir int
	entries   map[string]*list.Element
	lru       *list.List
	rng       *rand.Rand
}

// NewBookkeeper creates a bookkeeper; rng seeds the reservoirs.
func NewBookkeeper(cfg config.SegmentationConfig, rng *rand.Rand) *Bookkeeper {
	return &Bookkeeper{
		max:       cfg.MaxSegments,
		reservoir: cfg.ReservoirSize,
		entries:   make(map[string]*list.Element),
		lru:       list.New(),
		rng:       rng,
	}
}

// Record folds one sample into the segment's aggregate for eventType.
func (b *Bookkeeper) Record(seg types.Segment, eventType types.EventType, v float64, failed, competitive bool, now int64) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out Outcome
	key := seg.Key()
	el, ok := b.entries[key]
	if ok {
		b.lru.MoveToFront(el)
	} else {
		if b.lru.Len() >= b.max {
			oldest := b.lru.Back()
			b.lru.Remove(oldest)
			delete(b.entries, oldest.Value.(*entry).key)
			out.SegmentEvicted = true
		}
		el = b.lru.PushFront(&entry{
			segment: seg,
			key:     key,
			byType:  make(map[types.EventType]*stats.Aggregate),
		})
		b.entries[key] = el
	}

	e := el.Value.(*entry)
	e.lastUpdated = now
	agg, ok := e.byType[eventType]
	if !ok {
		agg = stats.NewAggregate(stats.NewUniform(b.reservoir, b.rng))
		e.byType[eventType] = agg
	}
	out.ReservoirEvicted = agg.Add(v, failed, competitive)
	return out
}

// Len returns the number of tracked segments.
func (b *Bookkeeper) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Len()
}

// Performance returns views of every segment matching filter (nil matches
// all), most recently updated first.
func (b *Bookkeeper) Performance(filter *types.Segment) []Performance {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Performance, 0, b.lru.Len())
	for el := b.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if filter != nil && !e.segment.Matches(*filter) {
			continue
		}
		p := Performance{
			Key:         e.key,
			Segment:     e.segment,
			LastUpdated: e.lastUpdated,
			ByType:      make(map[types.EventType]stats.View, len(e.byType)),
		}
		for t, agg := range e.byType {
			p.ByType[t] = agg.View()
		}
		out = append(out, p)
	}
	return out
}

// Keys lists tracked segment keys in sorted order.
func (b *Bookkeeper) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
