// Package correlation groups related alerts into incidents and infers a
// probable cause.
package correlation

import (
	"sort"

	"perfwatch/internal/config"
	"perfwatch/internal/types"
)

// Pattern types assigned to incidents, most specific first.
const (
	PatternNetworkCascade = "network_cascade"
	PatternGamingCascade  = "gaming_cascade"
	PatternResource       = "resource_contention"
	PatternCategory       = "category_cluster"
	PatternMixed          = "mixed"
)

// Probable-cause categories.
const (
	CauseNetwork  = "network"
	CauseGaming   = "gaming_system"
	CauseResource = "resource"
	CauseUnknown  = "unknown"
)

var networkMetrics = map[string]bool{
	"LCP":               true,
	"FCP":               true,
	"walletInteraction": true,
	"voteLatency":       true,
}

// gamingPairs lists gaming operations known to degrade together.
var gamingPairs = map[[2]string]bool{
	{"voteLatency", "walletInteraction"}:     true,
	{"voteLatency", "leaderboardLoad"}:       true,
	{"leaderboardLoad", "tournamentBracket"}: true,
	{"tournamentBracket", "clanManagement"}:  true,
}

// NetworkRelated reports whether an alert's category or metric points at
// the network.
func NetworkRelated(a *types.Alert) bool {
	return a.Category == types.CategoryNetwork || networkMetrics[a.Metric]
}

// GamingPair reports whether two metrics form a known gaming pair, in
// either order.
func GamingPair(x, y string) bool {
	return gamingPairs[[2]string{x, y}] || gamingPairs[[2]string{y, x}]
}

// Related reports whether two alerts are correlated: same category, both
// network related, or a known gaming pair.
func Related(a, b *types.Alert) bool {
	if a.Category == b.Category {
		return true
	}
	if NetworkRelated(a) && NetworkRelated(b) {
		return true
	}
	return GamingPair(a.Metric, b.Metric)
}

// Correlator scans the active index for alerts related to a new alert.
type Correlator struct {
	window  int64
	minSize int
}

// New creates a correlator.
func New(cfg config.AlertsConfig) *Correlator {
	return &Correlator{window: cfg.CorrelationWindowMs, minSize: cfg.MinIncidentSize}
}

// Correlated returns the active alerts related to a: created no later than
// a and within the window, not incidents, not already part of one.
func (c *Correlator) Correlated(a *types.Alert, active []*types.Alert) []*types.Alert {
	var out []*types.Alert
	for _, o := range active {
		if o.ID == a.ID || o.IsAggregate() || o.IncidentID != "" {
			continue
		}
		if o.Created > a.Created || a.Created-o.Created > c.window {
			continue
		}
		if Related(a, o) {
			out = append(out, o)
		}
	}
	return out
}

// Observe checks whether a completes an incident. The member list includes
// a itself. Incidents are never correlated further.
func (c *Correlator) Observe(a *types.Alert, active []*types.Alert) (types.Incident, []*types.Alert, bool) {
	if a.IsAggregate() {
		return types.Incident{}, nil, false
	}
	related := c.Correlated(a, active)
	if len(related)+1 < c.minSize {
		return types.Incident{}, nil, false
	}
	members := append([]*types.Alert{a}, related...)
	sort.SliceStable(members, func(i, j int) bool { return members[i].Created < members[j].Created })

	pattern, cause := Classify(members)
	inc := types.Incident{
		PatternType:   pattern,
		ProbableCause: cause,
		Created:       a.Created,
	}
	for _, m := range members {
		inc.AlertIDs = append(inc.AlertIDs, m.ID)
	}
	return inc, members, true
}

// Classify picks the most specific pattern and the probable cause.
func Classify(members []*types.Alert) (string, types.ProbableCause) {
	allNetwork := true
	sameCategory := true
	for _, m := range members {
		allNetwork = allNetwork && NetworkRelated(m)
		sameCategory = sameCategory && m.Category == members[0].Category
	}
	switch {
	case allNetwork:
		return PatternNetworkCascade, types.ProbableCause{Category: CauseNetwork, Confidence: 0.8, Description: "Network latency or connectivity"}
	case sameCategory && members[0].Category == types.CategoryGaming:
		return PatternGamingCascade, types.ProbableCause{Category: CauseGaming, Confidence: 0.6, Description: "Gaming subsystem degradation"}
	case sameCategory && members[0].Category == types.CategoryWebVitals:
		return PatternResource, types.ProbableCause{Category: CauseResource, Confidence: 0.7, Description: "Client resource contention"}
	case sameCategory:
		return PatternCategory, types.ProbableCause{Category: CauseUnknown, Confidence: 0.3, Description: "Inconclusive"}
	default:
		return PatternMixed, types.ProbableCause{Category: CauseUnknown, Confidence: 0.3, Description: "Inconclusive"}
	}
}
