// Package testutils holds the fixtures shared by package tests: a manual
// clock, an in-memory store, a capturing batch sink, a bus recorder, and an
// HTTP helper for gin routers.
package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/ingest"
	"perfwatch/internal/store"
)

// StartMs is minute aligned so roll-up boundaries are predictable.
const StartMs int64 = 1_700_000_040_000

// TestConfig tunes a TestSuite.
type TestConfig struct {
	StartMs    int64
	StoreSize  int
	SampleSeed uint64
	Mutate     func(*config.Config)
}

// DefaultTestConfig returns the fixture settings most tests use.
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		StartMs:    StartMs,
		StoreSize:  1000,
		SampleSeed: 7,
	}
}

// TestSuite bundles the collaborators an engine needs under test.
type TestSuite struct {
	T      *testing.T
	Config *config.Config
	Clock  *clock.Manual
	Store  *store.MemoryStore
	Sink   *CaptureSink
}

// NewTestSuite builds fixtures from cfg, or from DefaultTestConfig when nil.
func NewTestSuite(t *testing.T, cfg *TestConfig) *TestSuite {
	t.Helper()
	if cfg == nil {
		cfg = DefaultTestConfig()
	}
	if cfg.StartMs == 0 {
		cfg.StartMs = StartMs
	}
	if cfg.StoreSize == 0 {
		cfg.StoreSize = 1000
	}

	engineCfg := config.Default()
	engineCfg.Sampling.Seed = cfg.SampleSeed
	if cfg.Mutate != nil {
		cfg.Mutate(engineCfg)
	}

	clk := clock.NewManual(time.UnixMilli(cfg.StartMs))
	return &TestSuite{
		T:      t,
		Config: engineCfg,
		Clock:  clk,
		Store:  store.NewMemoryStore(cfg.StoreSize, clk),
		Sink:   &CaptureSink{},
	}
}

// CaptureSink keeps every delivered batch in memory.
type CaptureSink struct {
	mu      sync.Mutex
	batches []ingest.Batch
	closed  bool
	fail    error
}

func (s *CaptureSink) Deliver(_ context.Context, b ingest.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *CaptureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailWith makes every later delivery return err; nil restores delivery.
func (s *CaptureSink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Batches returns a copy of the delivered batches.
func (s *CaptureSink) Batches() []ingest.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingest.Batch(nil), s.batches...)
}

// Events counts delivered events across all batches.
func (s *CaptureSink) Events() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b.Events)
	}
	return n
}

func (s *CaptureSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscriber is satisfied by the engine and by the bus itself.
type Subscriber interface {
	Subscribe(topic string, h bus.Handler) func()
}

// Recorder stores every notification by topic.
type Recorder struct {
	mu     sync.Mutex
	seen   map[string][]bus.Message
	cancel func()
}

// Record subscribes a new Recorder to all topics of src.
func Record(src Subscriber) *Recorder {
	r := &Recorder{seen: make(map[string][]bus.Message)}
	r.cancel = src.Subscribe(bus.All, func(m bus.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seen[m.Topic] = append(r.seen[m.Topic], m)
	})
	return r
}

// Messages returns the notifications received on topic, oldest first.
func (r *Recorder) Messages(topic string) []bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Message(nil), r.seen[topic]...)
}

func (r *Recorder) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen[topic])
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = make(map[string][]bus.Message)
}

func (r *Recorder) Stop() { r.cancel() }
