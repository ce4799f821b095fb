package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"perfwatch/internal/clock"
)

// Notification topics published by the engine.
const (
	TopicEventIngested          = "event:ingested"
	TopicRealtimeUpdated        = "realtime_updated"
	TopicBatchProcessed         = "batch:processed"
	TopicAggregationCompleted   = "aggregation:completed"
	TopicAlertCreated           = "alert:created"
	TopicAlertAcknowledged      = "alert:acknowledged"
	TopicAlertResolved          = "alert:resolved"
	TopicAlertEscalated         = "alert:escalated"
	TopicIncidentCreated        = "incident:created"
	TopicRegressionDetected     = "regression:detected"
	TopicBudgetViolation        = "budget:violation"
	TopicABSignificantResult    = "ab:significant_result"
	TopicABConcluded            = "ab:concluded"
	TopicRecommendationNew      = "recommendation:generated"
	TopicRecommendationRefresh  = "recommendation:refreshed"
	TopicRecommendationAutomate = "recommendation:automation"
	TopicQualityIssue           = "quality:issue_recorded"

	// All subscribes to every topic.
	All = "*"
)

// Message is one notification delivered to subscribers.
type Message struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// Handler receives notifications synchronously on the publishing goroutine.
type Handler func(msg Message)

// PanicHandler is told about a subscriber that panicked.
type PanicHandler func(topic string, recovered interface{})

type subscription struct {
	id      uint64
	topic   string
	handler Handler
}

// Bus is the in-process publish/subscribe hub that no component owns.
// Delivery is synchronous and in subscription order; a panicking subscriber
// is recovered and does not affect other subscribers.
type Bus struct {
	clk     clock.Clock
	mu      sync.RWMutex
	subs    map[string][]*subscription
	nextID  uint64
	onPanic PanicHandler
	closed  atomic.Bool
}

// New creates an empty bus.
func New(clk clock.Clock) *Bus {
	return &Bus{
		clk:  clk,
		subs: make(map[string][]*subscription),
	}
}

// OnPanic installs the subscriber panic hook.
func (b *Bus) OnPanic(h PanicHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = h
}

// Subscribe registers h for topic (or All). The returned function cancels
// the subscription and may be called more than once.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, handler: h}
	b.subs[topic] = append(b.subs[topic], sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub) })
	}
}

// SubscribeChan delivers matching notifications into a buffered channel.
// When the channel is full the notification is dropped and onDrop is
// called. Cancelling closes the channel.
func (b *Bus) SubscribeChan(topics []string, buffer int, onDrop func()) (<-chan Message, func()) {
	if len(topics) == 0 {
		topics = []string{All}
	}
	ch := make(chan Message, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	deliver := func(msg Message) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg:
		default:
			if onDrop != nil {
				onDrop()
			}
		}
	}

	cancels := make([]func(), 0, len(topics))
	for _, topic := range topics {
		cancels = append(cancels, b.Subscribe(topic, deliver))
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			for _, cancel := range cancels {
				cancel()
			}
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Publish delivers payload to the topic's subscribers and then to All
// subscribers. It must not be called while holding a component lock.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	handlers := make([]*subscription, 0, len(b.subs[topic])+len(b.subs[All]))
	handlers = append(handlers, b.subs[topic]...)
	if topic != All {
		handlers = append(handlers, b.subs[All]...)
	}
	onPanic := b.onPanic
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	msg := Message{Topic: topic, Payload: payload, Timestamp: clock.NowMs(b.clk)}
	for _, sub := range handlers {
		b.deliver(sub, msg, onPanic)
	}
}

func (b *Bus) deliver(sub *subscription, msg Message, onPanic PanicHandler) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(msg.Topic, fmt.Sprint(r))
		}
	}()
	sub.handler(msg)
}

// SubscriberCount reports the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close drops every subscription; later publishes are no-ops.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()
}
