package recommend

import "perfwatch/internal/correlation"

// Template is a static catalog entry.
type Template struct {
	Type        string
	Title       string
	Description string
	Actions     []string
	Impact      Label
	Difficulty  Label
	Confidence  float64
}

var catalog = map[string][]Template{
	correlation.CauseNetwork: {
		{
			Type:        "batch_network_requests",
			Title:       "Batch and compress network requests",
			Description: "Coalesce chatty requests and enable compression to cut round trips on slow links.",
			Actions:     []string{"enable_request_batching", "enable_compression", "raise_cache_ttl"},
			Impact:      High,
			Difficulty:  Low,
			Confidence:  0.85,
		},
		{
			Type:        "prefetch_critical_resources",
			Title:       "Prefetch critical resources",
			Description: "Preconnect to API origins and prefetch resources needed for the next interaction.",
			Actions:     []string{"add_preconnect_hints", "prefetch_next_route"},
			Impact:      Medium,
			Difficulty:  Medium,
			Confidence:  0.7,
		},
	},
	correlation.CauseGaming: {
		{
			Type:        "cache_leaderboards",
			Title:       "Serve leaderboards from cache",
			Description: "Cache leaderboard and bracket reads and refresh them in the background.",
			Actions:     []string{"enable_leaderboard_cache", "background_refresh"},
			Impact:      High,
			Difficulty:  Low,
			Confidence:  0.8,
		},
		{
			Type:        "queue_wallet_interactions",
			Title:       "Queue wallet interactions",
			Description: "Serialize wallet calls behind a client queue with optimistic UI updates.",
			Actions:     []string{"enable_wallet_queue", "optimistic_vote_ui"},
			Impact:      High,
			Difficulty:  Medium,
			Confidence:  0.7,
		},
	},
	correlation.CauseResource: {
		{
			Type:        "defer_non_critical_scripts",
			Title:       "Defer non-critical scripts",
			Description: "Move non-critical scripts off the critical path and split large bundles.",
			Actions:     []string{"defer_scripts", "split_bundles"},
			Impact:      High,
			Difficulty:  Low,
			Confidence:  0.85,
		},
		{
			Type:        "optimize_images",
			Title:       "Optimize images",
			Description: "Serve modern formats with explicit dimensions and lazy loading below the fold.",
			Actions:     []string{"convert_images", "lazy_load_images", "reserve_image_space"},
			Impact:      Medium,
			Difficulty:  Low,
			Confidence:  0.8,
		},
	},
	correlation.CauseUnknown: {
		{
			Type:        "collect_diagnostics",
			Title:       "Collect detailed diagnostics",
			Description: "Raise sampling for the affected sessions to narrow down the cause.",
			Actions:     []string{"raise_sample_rate", "capture_traces"},
			Impact:      Low,
			Difficulty:  Low,
			Confidence:  0.5,
		},
	},
}

// Catalog returns the templates for a probable-cause category, falling
// back to the unknown entries.
func Catalog(cause string) []Template {
	if list, ok := catalog[cause]; ok {
		return list
	}
	return catalog[correlation.CauseUnknown]
}
