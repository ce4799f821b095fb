package ingest

import (
	"container/list"
	"sync"

	"perfwatch/internal/types"
)

type pendingTimer struct {
	key     string
	scope   string
	id      string
	started int64
	context map[string]interface{}
}

// EndStatus reports the outcome of Timers.End.
type EndStatus int

const (
	TimerEnded EndStatus = iota
	TimerUnknown
	TimerExpired
)

// Timers tracks beginTimer/endTimer pairs keyed by scope and id. Timers
// older than maxAge are dropped by Expire; when more than maxPending are
// open the oldest is dropped. The keys of the last maxPending dropped
// timers are remembered so a late End reports TimerExpired.
type Timers struct {
	mu         sync.Mutex
	maxAge     int64
	maxPending int
	byKey      map[string]*list.Element
	order      *list.List
	expired    map[string]*list.Element
	expOrder   *list.List
}

// NewTimers creates an empty registry.
func NewTimers(maxAgeMs int64, maxPending int) *Timers {
	return &Timers{
		maxAge:     maxAgeMs,
		maxPending: maxPending,
		byKey:      make(map[string]*list.Element),
		order:      list.New(),
		expired:    make(map[string]*list.Element),
		expOrder:   list.New(),
	}
}

func timerKey(scope, id string) string {
	return scope + "\x00" + id
}

// Begin opens a timer, restarting it if already open. It returns how many
// timers were dropped to stay under maxPending.
func (t *Timers) Begin(scope, id string, ctx map[string]interface{}, nowMs int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := timerKey(scope, id)
	if el, ok := t.byKey[key]; ok {
		t.order.Remove(el)
	}
	t.forgetExpired(key)
	t.byKey[key] = t.order.PushBack(&pendingTimer{
		key:     key,
		scope:   scope,
		id:      id,
		started: nowMs,
		context: copyContext(ctx),
	})

	dropped := 0
	for t.order.Len() > t.maxPending {
		oldest := t.order.Front()
		t.order.Remove(oldest)
		key := oldest.Value.(*pendingTimer).key
		delete(t.byKey, key)
		t.rememberExpired(key)
		dropped++
	}
	return dropped
}

// End closes a timer and builds its duration event. The status is
// TimerExpired when the timer outlived maxAge or was already dropped, and
// TimerUnknown when it was never begun or was already ended.
//
// The event type comes from an "eventType" context key (begin context,
// overridden by extra) and defaults to user_experience; the event name is
// the scope. A "success" key in either map sets Success.
func (t *Timers) End(scope, id string, extra map[string]interface{}, nowMs int64) (eventType string, ev types.Event, status EndStatus) {
	key := timerKey(scope, id)
	t.mu.Lock()
	el, found := t.byKey[key]
	if found {
		t.order.Remove(el)
		delete(t.byKey, key)
	}
	wasExpired := !found && t.forgetExpired(key)
	t.mu.Unlock()
	if wasExpired {
		return "", types.Event{}, TimerExpired
	}
	if !found {
		return "", types.Event{}, TimerUnknown
	}

	pt := el.Value.(*pendingTimer)
	if nowMs-pt.started > t.maxAge {
		return "", types.Event{}, TimerExpired
	}

	ctx := copyContext(pt.context)
	for k, v := range extra {
		ctx[k] = v
	}
	ctx["timerId"] = id

	eventType = string(types.EventUserExperience)
	if s, isStr := ctx["eventType"].(string); isStr && s != "" {
		eventType = s
	}
	delete(ctx, "eventType")

	ev = types.Event{
		Name:      scope,
		Duration:  types.Float(float64(nowMs - pt.started)),
		Timestamp: nowMs,
		Context:   ctx,
	}
	if s, isBool := ctx["success"].(bool); isBool {
		ev.Success = types.Bool(s)
	}
	if sid, isStr := ctx["sessionId"].(string); isStr {
		ev.SessionID = sid
	}
	if uid, isStr := ctx["userId"].(string); isStr {
		ev.UserID = uid
	}
	return eventType, ev, TimerEnded
}

// Expire drops every timer started more than maxAge before nowMs and
// returns how many were dropped.
func (t *Timers) Expire(nowMs int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for el := t.order.Front(); el != nil; {
		pt := el.Value.(*pendingTimer)
		if nowMs-pt.started <= t.maxAge {
			break
		}
		next := el.Next()
		t.order.Remove(el)
		delete(t.byKey, pt.key)
		t.rememberExpired(pt.key)
		dropped++
		el = next
	}
	return dropped
}

// Len returns the number of open timers.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// rememberExpired must be called with mu held.
func (t *Timers) rememberExpired(key string) {
	t.forgetExpired(key)
	t.expired[key] = t.expOrder.PushBack(key)
	for t.expOrder.Len() > t.maxPending {
		oldest := t.expOrder.Front()
		t.expOrder.Remove(oldest)
		delete(t.expired, oldest.Value.(string))
	}
}

// forgetExpired must be called with mu held. It reports whether key was
// remembered.
func (t *Timers) forgetExpired(key string) bool {
	el, ok := t.expired[key]
	if !ok {
		return false
	}
	t.expOrder.Remove(el)
	delete(t.expired, key)
	return true
}

func copyContext(ctx map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
