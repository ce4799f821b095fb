// Package quality keeps the engine's internal counters of rejected events,
// I/O failures, and resource-cap evictions.
package quality

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
	"perfwatch/internal/store"
)

// Issue names one quality counter.
type Issue string

const (
	ValidationFailed   Issue = "validation_failed"
	IngestedButSampled Issue = "ingested_but_sampled"
	PersistenceFailed  Issue = "persistence_failed"
	BufferOverflow     Issue = "buffer_overflow"
	ReservoirEvicted   Issue = "reservoir_evicted"
	TimerExpired       Issue = "timer_expired"
	TimerUnknown       Issue = "timer_unknown"
	AlertSuppressed    Issue = "alert_suppressed"
	SegmentEvicted     Issue = "segment_evicted"
	BucketEvicted      Issue = "bucket_evicted"
	VariantEvicted     Issue = "variant_value_evicted"
	SubscriberPanic    Issue = "subscriber_panic"
	EngineStopped      Issue = "engine_stopped"
	InternalError      Issue = "internal_error"
	Anomaly            Issue = "anomaly"
	BatchFailed        Issue = "batch_failed"
)

// Notice is the quality:issue_recorded payload.
type Notice struct {
	Type   Issue       `json:"type"`
	Count  int64       `json:"count"`
	Sample interface{} `json:"sample,omitempty"`
}

// Recorder counts issues exactly and announces them on the bus, throttled
// per issue type.
type Recorder struct {
	mu       sync.Mutex
	counts   map[Issue]int64
	limiters map[Issue]*rate.Limiter
	limit    rate.Limit
	burst    int

	clk     clock.Clock
	bus     *bus.Bus
	metrics *monitoring.Metrics
	log     logger.Logger
}

// NewRecorder creates a recorder. bus and metrics may be nil.
func NewRecorder(cfg config.QualityConfig, clk clock.Clock, b *bus.Bus, m *monitoring.Metrics, log logger.Logger) *Recorder {
	if cfg.NotifyPerSecond <= 0 {
		cfg.NotifyPerSecond = 1
	}
	if cfg.NotifyBurst <= 0 {
		cfg.NotifyBurst = 1
	}
	return &Recorder{
		counts:   make(map[Issue]int64),
		limiters: make(map[Issue]*rate.Limiter),
		limit:    rate.Limit(cfg.NotifyPerSecond),
		burst:    cfg.NotifyBurst,
		clk:      clk,
		bus:      b,
		metrics:  m,
		log:      log,
	}
}

// Record counts one occurrence of issue.
func (r *Recorder) Record(issue Issue, sample interface{}) {
	r.Add(issue, 1, sample)
}

// Add counts n occurrences and, if the issue's limiter allows, publishes a
// notice carrying the running total.
func (r *Recorder) Add(issue Issue, n int64, sample interface{}) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.counts[issue] += n
	total := r.counts[issue]
	lim, ok := r.limiters[issue]
	if !ok {
		lim = rate.NewLimiter(r.limit, r.burst)
		r.limiters[issue] = lim
	}
	notify := lim.AllowN(r.clk.Now(), 1)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordQualityIssue(string(issue), n)
	}
	if notify && r.bus != nil {
		r.bus.Publish(bus.TopicQualityIssue, Notice{Type: issue, Count: total, Sample: sample})
	}
}

// Count counts one occurrence without announcing it. Used for issues raised
// while a notification is being delivered.
func (r *Recorder) Count(issue Issue) {
	r.mu.Lock()
	r.counts[issue]++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RecordQualityIssue(string(issue), 1)
	}
}

// Get returns the current total for issue.
func (r *Recorder) Get(issue Issue) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[issue]
}

// Snapshot returns a copy of every non-zero counter.
func (r *Recorder) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		out[string(k)] = v
	}
	return out
}

// Report is the quality() read model.
type Report struct {
	Counters  map[string]int64 `json:"counters"`
	Total     int64            `json:"total"`
	Timestamp int64            `json:"timestamp"`
}

// Report summarises the counters at the current clock time.
func (r *Recorder) Report() Report {
	counters := r.Snapshot()
	var total int64
	for _, v := range counters {
		total += v
	}
	return Report{Counters: counters, Total: total, Timestamp: clock.NowMs(r.clk)}
}

// Issues lists recorded issue names in sorted order.
func (r *Recorder) Issues() []string {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Persist writes the report under qualityMetrics:latest.
func (r *Recorder) Persist(ctx context.Context, s store.Store, expiresAtMs int64) error {
	data, err := json.Marshal(r.Report())
	if err != nil {
		return err
	}
	return s.Put(ctx, "qualityMetrics:latest", string(data), expiresAtMs)
}
