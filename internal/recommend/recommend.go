// Package recommend scores and ranks remediations for detected issues.
package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/config"
	"perfwatch/internal/correlation"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
	"perfwatch/internal/store"
	"perfwatch/internal/types"
)

const historyKey = "optimizationHistory:latest"

// Label is a categorical grade mapped onto the 0-100 scoring scale.
type Label string

const (
	Low      Label = "low"
	Medium   Label = "medium"
	High     Label = "high"
	Critical Label = "critical"
)

// Value maps a label onto the scoring scale.
func (l Label) Value() float64 {
	switch l {
	case Low:
		return 25
	case Medium:
		return 50
	case High:
		return 75
	case Critical:
		return 100
	}
	return 0
}

// Recommendation is one ranked remediation.
type Recommendation struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
	Impact      Label    `json:"impact"`
	Difficulty  Label    `json:"difficulty"`
	Confidence  float64  `json:"confidence"`
	Urgency     Label    `json:"urgency"`
	Priority    int      `json:"priority"`
	Score       float64  `json:"score"`
	Timestamp   int64    `json:"timestamp"`
	Cause       string   `json:"cause"`
	AlertID     string   `json:"alertId"`
	Automatable bool     `json:"automatable"`
}

// AutomationIntent announces a recommendation eligible for automated action.
type AutomationIntent struct {
	RecommendationID string   `json:"recommendationId"`
	Type             string   `json:"type"`
	Actions          []string `json:"actions"`
	AlertID          string   `json:"alertId"`
	Score            float64  `json:"score"`
}

// Score computes 0.4·impact + 0.2·(100−difficulty) + 0.3·confidence·100 +
// 0.1·urgency.
func Score(impact, difficulty Label, confidence float64, urgency Label) float64 {
	return 0.4*impact.Value() + 0.2*(100-difficulty.Value()) + 0.3*confidence*100 + 0.1*urgency.Value()
}

// eligible reports score ≥ 80, low difficulty, and confidence ≥ 0.8.
func (r *Recommendation) eligible() bool {
	return r.Score >= 80 && r.Difficulty == Low && r.Confidence >= 0.8
}

func (r *Recommendation) rescore() {
	r.Score = Score(r.Impact, r.Difficulty, r.Confidence, r.Urgency)
	r.Automatable = r.eligible()
}

// UrgencyOf maps an alert level onto the urgency label.
func UrgencyOf(level types.AlertLevel) Label {
	switch level {
	case types.LevelEmergency:
		return Critical
	case types.LevelCritical:
		return High
	case types.LevelWarning:
		return Medium
	}
	return Low
}

func priorityOf(u Label) int {
	switch u {
	case Critical:
		return 1
	case High:
		return 2
	case Medium:
		return 3
	}
	return 4
}

// CauseOf returns the probable-cause category for an alert. Incidents carry
// their own; single alerts are classified by metric and category.
func CauseOf(a *types.Alert) (string, float64) {
	if a.Incident != nil {
		return a.Incident.ProbableCause.Category, a.Incident.ProbableCause.Confidence
	}
	switch {
	case correlation.NetworkRelated(a):
		return correlation.CauseNetwork, 1
	case a.Category == types.CategoryGaming:
		return correlation.CauseGaming, 1
	case a.Category == types.CategoryWebVitals, a.Category == types.CategoryDevice:
		return correlation.CauseResource, 1
	}
	return correlation.CauseUnknown, 1
}

// Engine keeps the bounded set of live recommendations.
type Engine struct {
	mu   sync.Mutex
	cfg  config.RecommendationConfig
	recs []*Recommendation
	// byKey holds one live recommendation per template and alert signature.
	byKey map[string]*Recommendation

	clk     clock.Clock
	bus     *bus.Bus
	metrics *monitoring.Metrics
	log     logger.Logger
}

// New creates a recommendation engine.
func New(cfg config.RecommendationConfig, clk clock.Clock, b *bus.Bus, m *monitoring.Metrics, log logger.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		byKey:   make(map[string]*Recommendation),
		clk:     clk,
		bus:     b,
		metrics: m,
		log:     log.WithField("component", "recommendations"),
	}
}

// OnAlert looks up the catalog for the alert's probable cause and returns
// the recommendations it generated or refreshed.
func (e *Engine) OnAlert(a *types.Alert) []Recommendation {
	cause, causeConfidence := CauseOf(a)
	urgency := UrgencyOf(a.Level)
	now := clock.NowMs(e.clk)

	var (
		out        []Recommendation
		fresh      []Recommendation
		automation []AutomationIntent
	)
	e.mu.Lock()
	for _, tpl := range Catalog(cause) {
		key := tpl.Type + ":" + a.Category + ":" + a.Metric
		confidence := tpl.Confidence
		if causeConfidence < confidence {
			confidence = causeConfidence
		}
		if r, ok := e.byKey[key]; ok {
			// a repeat issue refreshes the existing entry
			r.Timestamp = now
			r.AlertID = a.ID
			if urgency.Value() > r.Urgency.Value() {
				r.Urgency = urgency
				r.Priority = priorityOf(urgency)
			}
			if confidence > r.Confidence {
				r.Confidence = confidence
			}
			wasAutomatable := r.Automatable
			r.rescore()
			if r.Automatable && !wasAutomatable {
				automation = append(automation, intent(r))
			}
			out = append(out, *r)
			continue
		}
		r := &Recommendation{
			ID:          uuid.NewString(),
			Type:        tpl.Type,
			Key:         key,
			Title:       tpl.Title,
			Description: tpl.Description,
			Actions:     append([]string(nil), tpl.Actions...),
			Impact:      tpl.Impact,
			Difficulty:  tpl.Difficulty,
			Confidence:  confidence,
			Urgency:     urgency,
			Priority:    priorityOf(urgency),
			Timestamp:   now,
			Cause:       cause,
			AlertID:     a.ID,
		}
		r.rescore()
		e.add(r)
		if r.Automatable {
			automation = append(automation, intent(r))
		}
		out = append(out, *r)
		fresh = append(fresh, *r)
	}
	count := len(e.recs)
	e.mu.Unlock()

	e.metrics.SetRecommendations(count)
	for _, r := range fresh {
		e.bus.Publish(bus.TopicRecommendationNew, r)
	}
	for _, in := range automation {
		e.log.Info("recommendation eligible for automation", "id", in.RecommendationID, "type", in.Type, "score", in.Score)
		e.bus.Publish(bus.TopicRecommendationAutomate, in)
	}
	return out
}

func intent(r *Recommendation) AutomationIntent {
	return AutomationIntent{
		RecommendationID: r.ID,
		Type:             r.Type,
		Actions:          append([]string(nil), r.Actions...),
		AlertID:          r.AlertID,
		Score:            r.Score,
	}
}

// add must be called with e.mu held. The oldest entry is evicted at the cap.
func (e *Engine) add(r *Recommendation) {
	if len(e.recs) >= e.cfg.MaxRecommendations {
		oldest := 0
		for i, x := range e.recs {
			if x.Timestamp < e.recs[oldest].Timestamp {
				oldest = i
			}
		}
		delete(e.byKey, e.recs[oldest].Key)
		e.recs = append(e.recs[:oldest], e.recs[oldest+1:]...)
	}
	e.recs = append(e.recs, r)
	e.byKey[r.Key] = r
}

// LevelFunc reports the current level of an alert still open.
type LevelFunc func(alertID string) (types.AlertLevel, bool)

// Refresh discards recommendations older than the max age and re-scores
// the survivors: urgency follows the current level of the source alert and
// drops to low once it is closed. It returns the number discarded.
func (e *Engine) Refresh(nowMs int64, levelOf LevelFunc) int {
	var (
		refreshed  []Recommendation
		automation []AutomationIntent
	)
	e.mu.Lock()
	kept := e.recs[:0]
	removed := 0
	for _, r := range e.recs {
		if nowMs-r.Timestamp > e.cfg.MaxAgeMs {
			delete(e.byKey, r.Key)
			removed++
			continue
		}
		urgency := Low
		if levelOf != nil {
			if level, open := levelOf(r.AlertID); open {
				urgency = UrgencyOf(level)
			}
		}
		before := r.Score
		wasAutomatable := r.Automatable
		r.Urgency = urgency
		r.Priority = priorityOf(urgency)
		r.rescore()
		if r.Score != before {
			refreshed = append(refreshed, *r)
		}
		if r.Automatable && !wasAutomatable {
			automation = append(automation, intent(r))
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(e.recs); i++ {
		e.recs[i] = nil
	}
	e.recs = kept
	count := len(e.recs)
	e.mu.Unlock()

	e.metrics.SetRecommendations(count)
	for _, r := range refreshed {
		e.bus.Publish(bus.TopicRecommendationRefresh, r)
	}
	for _, in := range automation {
		e.bus.Publish(bus.TopicRecommendationAutomate, in)
	}
	if removed > 0 {
		e.log.Debug("recommendations expired", "removed", removed, "remaining", count)
	}
	return removed
}

// List returns live recommendations ranked by score, highest first.
func (e *Engine) List() []Recommendation {
	e.mu.Lock()
	out := make([]Recommendation, 0, len(e.recs))
	for _, r := range e.recs {
		c := *r
		c.Actions = append([]string(nil), r.Actions...)
		out = append(out, c)
	}
	e.mu.Unlock()
	sortRanked(out)
	return out
}

// Len returns the number of live recommendations.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.recs)
}

func sortRanked(list []Recommendation) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].Timestamp > list[j].Timestamp
	})
}

// Persist writes the ranked list under optimizationHistory:latest, expiring
// with the max age.
func (e *Engine) Persist(ctx context.Context, st store.Store) error {
	data, err := json.Marshal(e.List())
	if err != nil {
		return err
	}
	expires := clock.NowMs(e.clk) + e.cfg.MaxAgeMs
	if err := st.Put(ctx, historyKey, string(data), expires); err != nil {
		return fmt.Errorf("persist %s: %w", historyKey, err)
	}
	return nil
}

// Restore loads a persisted list, skipping entries past the max age.
func (e *Engine) Restore(ctx context.Context, st store.Store) (int, error) {
	raw, found, err := st.Get(ctx, historyKey)
	if err != nil || !found {
		return 0, err
	}
	var list []Recommendation
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return 0, fmt.Errorf("decode %s: %w", historyKey, err)
	}
	now := clock.NowMs(e.clk)
	// oldest first so the cap evicts in age order
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp < list[j].Timestamp })

	e.mu.Lock()
	restored := 0
	for i := range list {
		r := list[i]
		if r.ID == "" || r.Key == "" || now-r.Timestamp > e.cfg.MaxAgeMs {
			continue
		}
		if _, dup := e.byKey[r.Key]; dup {
			continue
		}
		r.rescore()
		e.add(&r)
		restored++
	}
	count := len(e.recs)
	e.mu.Unlock()
	e.metrics.SetRecommendations(count)
	return restored, nil
}
