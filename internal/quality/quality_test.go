package quality

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
	"perfwatch/internal/store"
)

func newRecorder(clk *clock.Manual) (*Recorder, *[]Notice) {
	b := bus.New(clk)
	var notices []Notice
	b.Subscribe(bus.TopicQualityIssue, func(msg bus.Message) {
		notices = append(notices, msg.Payload.(Notice))
	})
	r := NewRecorder(config.QualityConfig{NotifyPerSecond: 1, NotifyBurst: 2}, clk, b, monitoring.NewMetrics(), logger.Discard())
	return r, &notices
}

func TestCountersAreExactWhileNoticesAreThrottled(t *testing.T) {
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	r, notices := newRecorder(clk)

	for i := 0; i < 10; i++ {
		r.Record(ValidationFailed, i)
	}
	assert.Equal(t, int64(10), r.Get(ValidationFailed))
	require.Len(t, *notices, 2)
	assert.Equal(t, int64(2), (*notices)[1].Count)

	clk.Advance(time.Second)
	r.Record(ValidationFailed, nil)
	require.Len(t, *notices, 3)
	assert.Equal(t, int64(11), (*notices)[2].Count)
}

func TestThrottleIsPerIssue(t *testing.T) {
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	r, notices := newRecorder(clk)

	r.Record(ValidationFailed, nil)
	r.Record(ValidationFailed, nil)
	r.Record(ValidationFailed, nil)
	r.Record(TimerExpired, nil)

	assert.Len(t, *notices, 3)
	assert.Equal(t, TimerExpired, (*notices)[2].Type)
}

func TestCountDoesNotNotify(t *testing.T) {
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	r, notices := newRecorder(clk)

	r.Count(SubscriberPanic)
	assert.Equal(t, int64(1), r.Get(SubscriberPanic))
	assert.Empty(t, *notices)
}

func TestReportAndPersist(t *testing.T) {
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	r, _ := newRecorder(clk)
	r.Add(BufferOverflow, 3, nil)
	r.Record(Anomaly, nil)

	rep := r.Report()
	assert.Equal(t, int64(4), rep.Total)
	assert.Equal(t, []string{"anomaly", "buffer_overflow"}, r.Issues())

	s := store.NewMemoryStore(10, clk)
	require.NoError(t, r.Persist(context.Background(), s, 0))

	raw, found, err := s.Get(context.Background(), "qualityMetrics:latest")
	require.NoError(t, err)
	require.True(t, found)
	var decoded Report
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, int64(3), decoded.Counters["buffer_overflow"])
}
