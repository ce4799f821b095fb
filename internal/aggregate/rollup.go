package aggregate

import (
	"context"
	"math/rand/v2"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"perfwatch/internal/config"
	"perfwatch/internal/stats"
	"perfwatch/internal/types"
)

var tracer = otel.Tracer("perfwatch.aggregate")

type levelState struct {
	level     Level
	interval  int64
	retention int64
	buckets   *table
	// last is the most recent boundary already rolled up.
	last int64
}

// Completed is the aggregation:completed payload.
type Completed struct {
	Level      Level             `json:"level"`
	SlotStart  int64             `json:"slot"`
	EventTypes []types.EventType `json:"eventTypes"`
}

// Rollups owns the minute, hour, day, and week tables. Each level is
// recomputed from the level below it, so re-running a roll-up for the same
// boundary replaces the target bucket rather than double counting.
type Rollups struct {
	// runMu serializes roll-up passes; it also guards rng.
	runMu sync.Mutex
	mu    sync.RWMutex

	realtime  *Realtime
	levels    []*levelState
	reservoir int
	rng       *rand.Rand
}

// NewRollups creates the roll-up tables; boundaries before startMs are
// treated as already processed.
func NewRollups(cfg config.AggregationConfig, realtime *Realtime, rng *rand.Rand, startMs int64) *Rollups {
	r := &Rollups{realtime: realtime, reservoir: cfg.RollupReservoir, rng: rng}
	for _, lc := range []struct {
		level Level
		cfg   config.LevelConfig
	}{
		{LevelMinute, cfg.Minute},
		{LevelHour, cfg.Hour},
		{LevelDay, cfg.Day},
		{LevelWeek, cfg.Week},
	} {
		r.levels = append(r.levels, &levelState{
			level:     lc.level,
			interval:  lc.cfg.IntervalMs,
			retention: lc.cfg.RetentionMs,
			buckets:   newTable(),
			last:      slotStart(startMs, lc.cfg.IntervalMs),
		})
	}
	return r
}

func (r *Rollups) newReservoir() stats.Reservoir {
	return stats.NewUniform(r.reservoir, r.rng)
}

func (r *Rollups) state(level Level) (int, *levelState) {
	for i, ls := range r.levels {
		if ls.level == level {
			return i, ls
		}
	}
	return -1, nil
}

// Advance rolls up every level boundary crossed since the previous call,
// finest level first so coarser levels see completed sources. Boundaries
// older than a level's retention are skipped.
func (r *Rollups) Advance(ctx context.Context, nowMs int64) []Completed {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	var done []Completed
	for i, ls := range r.levels {
		boundary := slotStart(nowMs, ls.interval)
		if boundary <= ls.last {
			continue
		}
		first := ls.last + ls.interval
		if oldest := slotStart(nowMs-ls.retention, ls.interval); first < oldest {
			first = oldest
		}
		for t := first; t <= boundary; t += ls.interval {
			if c := r.rollUp(ctx, i, t); len(c.EventTypes) > 0 {
				done = append(done, c)
			}
		}
		ls.last = boundary
	}
	return done
}

// RollUp recomputes the level bucket covering [boundary−interval, boundary)
// from the level below.
func (r *Rollups) RollUp(ctx context.Context, level Level, boundary int64) Completed {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	i, ls := r.state(level)
	if ls == nil {
		return Completed{Level: level}
	}
	return r.rollUp(ctx, i, boundary)
}

func (r *Rollups) rollUp(ctx context.Context, i int, boundary int64) Completed {
	ls := r.levels[i]
	from := boundary - ls.interval

	_, span := tracer.Start(ctx, "aggregate.rollup",
		trace.WithAttributes(
			attribute.String("rollup.level", string(ls.level)),
			attribute.Int64("rollup.slot", from),
		),
	)
	defer span.End()

	targets := make(map[types.EventType]*Bucket)
	fold := func(src *Bucket) {
		t, ok := targets[src.EventType]
		if !ok {
			t = newBucket(ls.level, src.EventType, from, ls.interval, r.newReservoir)
			targets[src.EventType] = t
		}
		t.merge(src)
	}
	if i == 0 {
		r.realtime.collect(from, boundary, fold)
	} else {
		r.mu.RLock()
		r.levels[i-1].buckets.each("", from, boundary, fold)
		r.mu.RUnlock()
	}

	c := Completed{Level: ls.level, SlotStart: from}
	r.mu.Lock()
	for _, et := range types.AllEventTypes() {
		if b, ok := targets[et]; ok {
			ls.buckets.put(b)
			c.EventTypes = append(c.EventTypes, et)
		}
	}
	r.mu.Unlock()

	span.SetAttributes(attribute.Int("rollup.event_types", len(c.EventTypes)))
	return c
}

// Views returns bucket views of level for eventType (all when empty) with
// slot ≥ sinceMs. LevelRealtime is served from the real-time table.
func (r *Rollups) Views(level Level, eventType types.EventType, sinceMs int64) []View {
	if level == LevelRealtime {
		return r.realtime.Views(eventType, sinceMs)
	}
	_, ls := r.state(level)
	if ls == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []View
	ls.buckets.each(eventType, sinceMs, maxSlot, func(b *Bucket) {
		out = append(out, b.View())
	})
	return out
}

// Series returns the last n bucket views of eventType at level, oldest
// first.
func (r *Rollups) Series(level Level, eventType types.EventType, n int) []View {
	views := r.Views(level, eventType, -maxSlot)
	if len(views) > n {
		views = views[len(views)-n:]
	}
	return views
}

// Sweep enforces per-level retention and returns the number of buckets
// dropped across all levels, real-time included.
func (r *Rollups) Sweep(ctx context.Context, nowMs int64) int {
	_, span := tracer.Start(ctx, "aggregate.sweep")
	defer span.End()

	removed := r.realtime.Sweep(nowMs)
	r.mu.Lock()
	for _, ls := range r.levels {
		removed += ls.buckets.dropBefore(nowMs - ls.retention)
	}
	r.mu.Unlock()

	span.SetAttributes(attribute.Int("sweep.removed", removed))
	return removed
}
