package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/internal/clock"
)

func newBus() *Bus {
	return New(clock.NewManual(time.UnixMilli(1_700_000_000_000)))
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := newBus()
	var got []string
	b.Subscribe(TopicAlertCreated, func(msg Message) { got = append(got, "first:"+msg.Payload.(string)) })
	b.Subscribe(All, func(msg Message) { got = append(got, "all:"+msg.Topic) })
	b.Subscribe(TopicAlertCreated, func(msg Message) { got = append(got, "second:"+msg.Payload.(string)) })

	b.Publish(TopicAlertCreated, "a1")

	assert.Equal(t, []string{"first:a1", "second:a1", "all:alert:created"}, got)
}

func TestMessageCarriesClockTime(t *testing.T) {
	b := newBus()
	var ts int64
	b.Subscribe(TopicBatchProcessed, func(msg Message) { ts = msg.Timestamp })
	b.Publish(TopicBatchProcessed, nil)
	assert.Equal(t, int64(1_700_000_000_000), ts)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := newBus()
	var panics []string
	b.OnPanic(func(topic string, recovered interface{}) { panics = append(panics, topic) })

	delivered := 0
	b.Subscribe(TopicAlertCreated, func(Message) { panic("boom") })
	b.Subscribe(TopicAlertCreated, func(Message) { delivered++ })

	require.NotPanics(t, func() { b.Publish(TopicAlertCreated, nil) })
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{TopicAlertCreated}, panics)
}

func TestCancelSubscription(t *testing.T) {
	b := newBus()
	calls := 0
	cancel := b.Subscribe(TopicAlertResolved, func(Message) { calls++ })

	b.Publish(TopicAlertResolved, nil)
	cancel()
	cancel()
	b.Publish(TopicAlertResolved, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.SubscriberCount(TopicAlertResolved))
}

func TestSubscribeChanDropsWhenFull(t *testing.T) {
	b := newBus()
	dropped := 0
	ch, cancel := b.SubscribeChan([]string{TopicEventIngested}, 2, func() { dropped++ })

	for i := 0; i < 5; i++ {
		b.Publish(TopicEventIngested, i)
	}
	b.Publish(TopicAlertCreated, "ignored")

	assert.Len(t, ch, 2)
	assert.Equal(t, 3, dropped)

	first := <-ch
	assert.Equal(t, 0, first.Payload)

	cancel()
	_, open := <-ch
	assert.True(t, open, "buffered message still readable")
	_, open = <-ch
	assert.False(t, open)

	require.NotPanics(t, func() { b.Publish(TopicEventIngested, 9) })
}

func TestClosedBusIgnoresPublish(t *testing.T) {
	b := newBus()
	calls := 0
	b.Subscribe(All, func(Message) { calls++ })
	b.Close()
	b.Close()
	b.Publish(TopicAlertCreated, nil)
	assert.Equal(t, 0, calls)
}
