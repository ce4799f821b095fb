package aggregate

import (
	"sync"

	"perfwatch/internal/config"
	"perfwatch/internal/stats"
	"perfwatch/internal/types"
)

// Sample is one accepted event reduced to what buckets need.
type Sample struct {
	EventType   types.EventType
	Value       float64
	Failed      bool
	Competitive bool
	SegmentKey  string
	VariantKeys []string
	// IngestMs selects the slot.
	IngestMs int64
}

// AddResult reports what Realtime.Add did besides counting.
type AddResult struct {
	View             View
	BucketsEvicted   int
	ReservoirEvicted bool
}

// Realtime holds 10-second buckets, at most maxSlots per event type.
type Realtime struct {
	mu        sync.Mutex
	interval  int64
	retention int64
	maxSlots  int
	reservoir int
	buckets   *table
}

// NewRealtime creates the finest-resolution aggregator.
func NewRealtime(cfg config.AggregationConfig) *Realtime {
	return &Realtime{
		interval:  cfg.Realtime.IntervalMs,
		retention: cfg.Realtime.RetentionMs,
		maxSlots:  cfg.MaxRealtimeSlots,
		reservoir: cfg.RealtimeReservoir,
		buckets:   newTable(),
	}
}

// Interval returns the slot width in milliseconds.
func (r *Realtime) Interval() int64 {
	return r.interval
}

// Add folds s into the bucket for floor(IngestMs/interval). When a new slot
// pushes the type over maxSlots the oldest slot is evicted.
func (r *Realtime) Add(s Sample) AddResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res AddResult
	slot := slotStart(s.IngestMs, r.interval)
	b, ok := r.buckets.get(s.EventType, slot)
	if !ok {
		b = newBucket(LevelRealtime, s.EventType, slot, r.interval, r.newReservoir)
		r.buckets.put(b)
		for r.buckets.len(s.EventType) > r.maxSlots {
			r.buckets.dropOldest(s.EventType)
			res.BucketsEvicted++
		}
	}
	res.ReservoirEvicted = b.add(s.Value, s.Failed, s.Competitive, s.SegmentKey, s.VariantKeys)
	res.View = b.View()
	return res
}

func (r *Realtime) newReservoir() stats.Reservoir {
	return stats.NewRing(r.reservoir)
}

// collect merges every bucket with slot in [from, to) into fn's targets
// while the source lock is held.
func (r *Realtime) collect(from, to int64, fn func(*Bucket)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets.each("", from, to, fn)
}

// Views returns bucket views for eventType (all types when empty) with slot
// ≥ sinceMs.
func (r *Realtime) Views(eventType types.EventType, sinceMs int64) []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []View
	r.buckets.each(eventType, sinceMs, maxSlot, func(b *Bucket) {
		out = append(out, b.View())
	})
	return out
}

// Latest returns the most recent bucket view of eventType.
func (r *Realtime) Latest(eventType types.EventType) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slots := r.buckets.slots[eventType]
	if len(slots) == 0 {
		return View{}, false
	}
	b, _ := r.buckets.get(eventType, slots[len(slots)-1])
	return b.View(), true
}

// SlotCount returns the number of live slots of eventType.
func (r *Realtime) SlotCount(eventType types.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets.len(eventType)
}

// Sweep drops slots older than the retention window.
func (r *Realtime) Sweep(nowMs int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets.dropBefore(nowMs - r.retention)
}

const maxSlot = int64(^uint64(0) >> 1)
