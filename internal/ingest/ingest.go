package ingest

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
	"perfwatch/internal/quality"
	"perfwatch/internal/retry"
	"perfwatch/internal/types"
)

// MaxPendingBatches bounds the delivery queue; the oldest batch is dropped
// when it overflows.
const MaxPendingBatches = 100

var tracer = otel.Tracer("perfwatch.ingest")

// Processed is the batch:processed payload.
type Processed struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

// Ingestor owns admission (validation and sampling), the ring buffer, and
// the batch delivery queue.
type Ingestor struct {
	cfg       config.BufferingConfig
	validator *Validator
	sampler   *Sampler
	buffer    *Buffer
	sink      Sink
	policy    retry.Policy

	mu      sync.Mutex
	pending []Batch
	kick    chan struct{}

	clk     clock.Clock
	bus     *bus.Bus
	quality *quality.Recorder
	metrics *monitoring.Metrics
	log     logger.Logger
}

// New creates an ingestor delivering to sink.
func New(cfg config.BufferingConfig, sampleRate float64, rng *rand.Rand, sink Sink, clk clock.Clock,
	b *bus.Bus, q *quality.Recorder, m *monitoring.Metrics, log logger.Logger) *Ingestor {
	return &Ingestor{
		cfg:       cfg,
		validator: NewValidator(),
		sampler:   NewSampler(sampleRate, rng),
		buffer:    NewBuffer(cfg.BufferSize),
		sink:      sink,
		policy:    retry.Policy{Attempts: cfg.RetryAttempts, Backoff: config.Ms(cfg.RetryBackoffMs)},
		kick:      make(chan struct{}, 1),
		clk:       clk,
		bus:       b,
		quality:   q,
		metrics:   m,
		log:       log.WithField("component", "ingestor"),
	}
}

// Admit validates and samples one event. Rejected events are counted under
// validation_failed; sampled-out events under ingested_but_sampled.
func (in *Ingestor) Admit(eventType string, e types.Event, nowMs int64) (types.EventType, bool) {
	et, err := in.validator.Validate(eventType, e, nowMs)
	if err != nil {
		in.quality.Record(quality.ValidationFailed, map[string]interface{}{
			"eventType": eventType,
			"name":      e.Name,
			"reason":    err.Error(),
		})
		return "", false
	}
	if !in.sampler.Keep() {
		in.quality.Record(quality.IngestedButSampled, nil)
		return "", false
	}
	return et, true
}

// Buffer appends an accepted event. A full buffer is moved to the
// delivery queue and the delivery loop is woken.
func (in *Ingestor) Buffer(ev types.EnrichedEvent) {
	full, overwritten := in.buffer.Push(ev)
	if overwritten {
		in.quality.Record(quality.BufferOverflow, nil)
	}
	if full {
		in.enqueue(in.buffer.Drain())
		select {
		case in.kick <- struct{}{}:
		default:
		}
	}
	in.metrics.SetBufferDepth(in.buffer.Len())
}

// Kick signals that batches are waiting for delivery.
func (in *Ingestor) Kick() <-chan struct{} {
	return in.kick
}

// BufferLen returns the number of buffered events.
func (in *Ingestor) BufferLen() int {
	return in.buffer.Len()
}

// PendingBatches returns the number of queued batches.
func (in *Ingestor) PendingBatches() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

func (in *Ingestor) enqueue(events []types.EnrichedEvent) {
	if len(events) == 0 {
		return
	}
	now := clock.NowMs(in.clk)
	var dropped int
	in.mu.Lock()
	for start := 0; start < len(events); start += in.cfg.MaxBatchSize {
		end := min(start+in.cfg.MaxBatchSize, len(events))
		in.pending = append(in.pending, Batch{
			ID:        uuid.NewString(),
			CreatedAt: now,
			Events:    events[start:end],
		})
	}
	for len(in.pending) > MaxPendingBatches {
		dropped += len(in.pending[0].Events)
		in.pending = in.pending[1:]
	}
	in.mu.Unlock()

	if dropped > 0 {
		in.quality.Add(quality.BufferOverflow, int64(dropped), nil)
	}
}

// Flush moves the buffer into the queue and delivers every queued batch.
func (in *Ingestor) Flush(ctx context.Context) (delivered, failed int) {
	in.enqueue(in.buffer.Drain())
	in.metrics.SetBufferDepth(0)
	return in.Deliver(ctx)
}

// Deliver sends queued batches to the sink, retrying each per the policy.
// Batches that exhaust their retries are dropped and counted.
func (in *Ingestor) Deliver(ctx context.Context) (delivered, failed int) {
	for {
		in.mu.Lock()
		if len(in.pending) == 0 {
			in.mu.Unlock()
			return delivered, failed
		}
		b := in.pending[0]
		in.pending = in.pending[1:]
		in.mu.Unlock()

		if in.deliver(ctx, b) {
			delivered++
		} else {
			failed++
		}
	}
}

func (in *Ingestor) deliver(ctx context.Context, b Batch) bool {
	ctx, span := tracer.Start(ctx, "ingest.deliver",
		trace.WithAttributes(
			attribute.String("batch.id", b.ID),
			attribute.Int("batch.size", len(b.Events)),
		),
	)
	defer span.End()

	_, attempts, err := retry.Do(ctx, in.policy, func(attempt int, err error, next time.Duration) {
		in.log.Debug("batch delivery failed, retrying", "batch_id", b.ID, "attempt", attempt, "next", next, "error", err)
	}, func() (struct{}, error) {
		return struct{}{}, in.sink.Deliver(ctx, b)
	})
	in.metrics.RecordBatch(err == nil)
	if err != nil {
		span.RecordError(err)
		in.log.WithError(err).Warn("batch dropped", "batch_id", b.ID, "size", len(b.Events), "attempts", attempts)
		in.quality.Add(quality.BatchFailed, int64(len(b.Events)), Processed{ID: b.ID, Size: len(b.Events)})
		return false
	}
	in.bus.Publish(bus.TopicBatchProcessed, Processed{ID: b.ID, Size: len(b.Events)})
	return true
}

// Close releases the sink.
func (in *Ingestor) Close() error {
	return in.sink.Close()
}
