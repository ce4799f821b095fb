// Package aggregate maintains time-slotted buckets at several resolutions:
// 10-second real-time slots rolled up into minute, hour, day, and week
// buckets.
package aggregate

import (
	"sort"

	"perfwatch/internal/stats"
	"perfwatch/internal/types"
)

// Level names one resolution.
type Level string

const (
	LevelRealtime Level = "realtime"
	LevelMinute   Level = "minute"
	LevelHour     Level = "hour"
	LevelDay      Level = "day"
	LevelWeek     Level = "week"
)

// Levels lists resolutions from finest to coarsest.
var Levels = []Level{LevelRealtime, LevelMinute, LevelHour, LevelDay, LevelWeek}

// ParseLevel accepts a level name.
func ParseLevel(s string) (Level, bool) {
	for _, l := range Levels {
		if string(l) == s {
			return l, true
		}
	}
	return "", false
}

// Bucket aggregates one (level, event type, slot) triple. bySegment and
// byVariant hold the same shape keyed by segment key and "test:variant".
type Bucket struct {
	Level     Level
	EventType types.EventType
	SlotStart int64
	Interval  int64

	total     *stats.Aggregate
	bySegment map[string]*stats.Aggregate
	byVariant map[string]*stats.Aggregate
	newRes    func() stats.Reservoir
}

func newBucket(level Level, eventType types.EventType, slot, interval int64, newRes func() stats.Reservoir) *Bucket {
	return &Bucket{
		Level:     level,
		EventType: eventType,
		SlotStart: slot,
		Interval:  interval,
		total:     stats.NewAggregate(newRes()),
		bySegment: make(map[string]*stats.Aggregate),
		byVariant: make(map[string]*stats.Aggregate),
		newRes:    newRes,
	}
}

func (b *Bucket) nested(m map[string]*stats.Aggregate, key string) *stats.Aggregate {
	agg, ok := m[key]
	if !ok {
		agg = stats.NewAggregate(b.newRes())
		m[key] = agg
	}
	return agg
}

// add folds one sample into the total and the nested maps. It reports
// whether any reservoir displaced a sample.
func (b *Bucket) add(v float64, failed, competitive bool, segmentKey string, variantKeys []string) bool {
	evicted := b.total.Add(v, failed, competitive)
	if segmentKey != "" {
		evicted = b.nested(b.bySegment, segmentKey).Add(v, failed, competitive) || evicted
	}
	for _, k := range variantKeys {
		evicted = b.nested(b.byVariant, k).Add(v, failed, competitive) || evicted
	}
	return evicted
}

// merge folds o into b shape-preservingly.
func (b *Bucket) merge(o *Bucket) {
	b.total.Merge(o.total)
	for k, agg := range o.bySegment {
		b.nested(b.bySegment, k).Merge(agg)
	}
	for k, agg := range o.byVariant {
		b.nested(b.byVariant, k).Merge(agg)
	}
}

// Count returns the bucket's event count.
func (b *Bucket) Count() int64 {
	return b.total.Count
}

// View is the derived read model of a bucket.
type View struct {
	Level     Level                 `json:"level"`
	EventType types.EventType       `json:"eventType"`
	SlotStart int64                 `json:"slotStart"`
	SlotEnd   int64                 `json:"slotEnd"`
	Stats     stats.View            `json:"stats"`
	BySegment map[string]stats.View `json:"bySegment,omitempty"`
	ByVariant map[string]stats.View `json:"byVariant,omitempty"`
}

// View derives mean, spread, and percentiles.
func (b *Bucket) View() View {
	v := View{
		Level:     b.Level,
		EventType: b.EventType,
		SlotStart: b.SlotStart,
		SlotEnd:   b.SlotStart + b.Interval,
		Stats:     b.total.View(),
	}
	if len(b.bySegment) > 0 {
		v.BySegment = make(map[string]stats.View, len(b.bySegment))
		for k, agg := range b.bySegment {
			v.BySegment[k] = agg.View()
		}
	}
	if len(b.byVariant) > 0 {
		v.ByVariant = make(map[string]stats.View, len(b.byVariant))
		for k, agg := range b.byVariant {
			v.ByVariant[k] = agg.View()
		}
	}
	return v
}

// slotStart aligns t down to a multiple of interval.
func slotStart(t, interval int64) int64 {
	if t < 0 {
		return ((t - interval + 1) / interval) * interval
	}
	return (t / interval) * interval
}

// table is event type → slot → bucket plus a sorted slot index.
type table struct {
	buckets map[types.EventType]map[int64]*Bucket
	slots   map[types.EventType][]int64
}

func newTable() *table {
	return &table{
		buckets: make(map[types.EventType]map[int64]*Bucket),
		slots:   make(map[types.EventType][]int64),
	}
}

func (t *table) get(et types.EventType, slot int64) (*Bucket, bool) {
	b, ok := t.buckets[et][slot]
	return b, ok
}

func (t *table) put(b *Bucket) {
	m, ok := t.buckets[b.EventType]
	if !ok {
		m = make(map[int64]*Bucket)
		t.buckets[b.EventType] = m
	}
	if _, exists := m[b.SlotStart]; !exists {
		slots := t.slots[b.EventType]
		i := sort.Search(len(slots), func(i int) bool { return slots[i] >= b.SlotStart })
		slots = append(slots, 0)
		copy(slots[i+1:], slots[i:])
		slots[i] = b.SlotStart
		t.slots[b.EventType] = slots
	}
	m[b.SlotStart] = b
}

// dropOldest removes the oldest slot of et.
func (t *table) dropOldest(et types.EventType) {
	slots := t.slots[et]
	if len(slots) == 0 {
		return
	}
	delete(t.buckets[et], slots[0])
	t.slots[et] = slots[1:]
}

// dropBefore removes every slot older than cutoff and returns how many.
func (t *table) dropBefore(cutoff int64) int {
	removed := 0
	for et, slots := range t.slots {
		i := sort.Search(len(slots), func(i int) bool { return slots[i] >= cutoff })
		for _, s := range slots[:i] {
			delete(t.buckets[et], s)
		}
		removed += i
		t.slots[et] = slots[i:]
	}
	return removed
}

// each visits buckets of et (all types when et is empty) with slot ≥ since
// and slot < until, ordered by type then slot.
func (t *table) each(et types.EventType, since, until int64, fn func(*Bucket)) {
	for _, typ := range types.AllEventTypes() {
		if et != "" && typ != et {
			continue
		}
		slots := t.slots[typ]
		i := sort.Search(len(slots), func(i int) bool { return slots[i] >= since })
		for ; i < len(slots) && slots[i] < until; i++ {
			fn(t.buckets[typ][slots[i]])
		}
	}
}

func (t *table) len(et types.EventType) int {
	return len(t.slots[et])
}
