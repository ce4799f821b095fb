package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"perfwatch/internal/logger"
)

// Config is the complete engine configuration. Durations are expressed in
// milliseconds to match the wire format of producers.
type Config struct {
	Sampling        SamplingConfig                  `yaml:"sampling"`
	Buffering       BufferingConfig                 `yaml:"buffering"`
	Aggregation     AggregationConfig               `yaml:"aggregation"`
	Baseline        BaselineConfig                  `yaml:"baseline"`
	Thresholds      map[string]map[string]Threshold `yaml:"thresholds"`
	Budgets         map[string]map[string]Budget    `yaml:"budgets"`
	Alerts          AlertsConfig                    `yaml:"alerts"`
	Competitive     CompetitiveConfig               `yaml:"competitive"`
	ABTesting       ABTestingConfig                 `yaml:"ab_testing"`
	Segmentation    SegmentationConfig              `yaml:"segmentation"`
	Recommendations RecommendationConfig            `yaml:"recommendations"`
	Timers          TimerConfig                     `yaml:"timers"`
	Quality         QualityConfig                   `yaml:"quality"`
	Storage         StorageConfig                   `yaml:"storage"`
	Sink            SinkConfig                      `yaml:"sink"`
	Server          ServerConfig                    `yaml:"server"`
	Logging         logger.Config                   `yaml:"logging"`
}

// SamplingConfig controls the global sample rate.
type SamplingConfig struct {
	SampleRate float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
	// Seed fixes the sampling and reservoir random sources; 0 means random.
	Seed uint64 `yaml:"seed"`
}

// BufferingConfig controls the ingest ring buffer and batch delivery.
type BufferingConfig struct {
	BufferSize      int   `yaml:"buffer_size" validate:"gt=0"`
	FlushIntervalMs int64 `yaml:"flush_interval_ms" validate:"gt=0"`
	MaxBatchSize    int   `yaml:"max_batch_size" validate:"gt=0"`
	RetryAttempts   int   `yaml:"retry_attempts" validate:"gte=0"`
	RetryBackoffMs  int64 `yaml:"retry_backoff_ms" validate:"gte=0"`
}

// LevelConfig is one aggregation resolution.
type LevelConfig struct {
	IntervalMs  int64 `yaml:"interval_ms" validate:"gt=0"`
	RetentionMs int64 `yaml:"retention_ms" validate:"gt=0"`
}

// AggregationConfig lists the levels from finest to coarsest.
type AggregationConfig struct {
	Realtime          LevelConfig `yaml:"realtime"`
	Minute            LevelConfig `yaml:"minute"`
	Hour              LevelConfig `yaml:"hour"`
	Day               LevelConfig `yaml:"day"`
	Week              LevelConfig `yaml:"week"`
	MaxRealtimeSlots  int         `yaml:"max_realtime_slots" validate:"gt=0"`
	RealtimeReservoir int         `yaml:"realtime_reservoir" validate:"gt=0"`
	RollupReservoir   int         `yaml:"rollup_reservoir" validate:"gt=0"`
}

// BaselineConfig controls baselines and regression detection.
type BaselineConfig struct {
	SampleSize           int     `yaml:"sample_size" validate:"gt=0"`
	Significance         float64 `yaml:"significance" validate:"gt=0,lt=1"`
	MinRegressionPercent float64 `yaml:"min_regression_percent" validate:"gte=0"`
	PersistIntervalMs    int64   `yaml:"persist_interval_ms" validate:"gt=0"`
	AnomalyK             float64 `yaml:"anomaly_k" validate:"gt=0"`
	AnomalyMinSamples    int     `yaml:"anomaly_min_samples" validate:"gte=0"`
}

// Threshold is a strictly ordered target < warning < critical triple.
type Threshold struct {
	Target   float64 `yaml:"target" json:"target"`
	Warning  float64 `yaml:"warning" json:"warning"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Budget is a target and a hard budget for one metric.
type Budget struct {
	Target float64 `yaml:"target" json:"target"`
	Budget float64 `yaml:"budget" json:"budget"`
}

// AlertsConfig controls admission, escalation, and history.
type AlertsConfig struct {
	CooldownMs          int64    `yaml:"cooldown_ms" validate:"gte=0"`
	MaxPerHour          int      `yaml:"max_per_hour" validate:"gt=0"`
	EscalationTimeoutMs int64    `yaml:"escalation_timeout_ms" validate:"gt=0"`
	EscalationOrder     []string `yaml:"escalation_order" validate:"min=1,dive,oneof=info warning critical emergency"`
	HistoryRetentionMs  int64    `yaml:"history_retention_ms" validate:"gt=0"`
	CorrelationWindowMs int64    `yaml:"correlation_window_ms" validate:"gt=0"`
	MinIncidentSize     int      `yaml:"min_incident_size" validate:"gte=2"`
}

// CompetitiveConfig scales thresholds in competitive and high-stakes play.
type CompetitiveConfig struct {
	CompetitiveSensitivityMultiplier float64 `yaml:"competitive_sensitivity_multiplier" validate:"gt=0"`
	HighStakesMultiplier             float64 `yaml:"high_stakes_multiplier" validate:"gt=0"`
	HighStakesAmount                 float64 `yaml:"high_stakes_amount" validate:"gte=0"`
}

// ABTestingConfig controls the A/B bookkeeper.
type ABTestingConfig struct {
	Enabled             bool    `yaml:"enabled"`
	SampleRatio         float64 `yaml:"sample_ratio" validate:"gt=0,lte=1"`
	ConfidenceLevel     float64 `yaml:"confidence_level" validate:"gt=0,lt=1"`
	MaxTestDurationMs   int64   `yaml:"max_test_duration_ms" validate:"gt=0"`
	MinSamples          int     `yaml:"min_samples" validate:"gt=1"`
	ConclusionSamples   int     `yaml:"conclusion_samples" validate:"gt=0"`
	MaxValuesPerVariant int     `yaml:"max_values_per_variant" validate:"gt=0"`
	AnalysisIntervalMs  int64   `yaml:"analysis_interval_ms" validate:"gt=0"`
}

// SegmentationConfig bounds the segment bookkeeper.
type SegmentationConfig struct {
	MaxSegments   int `yaml:"max_segments" validate:"gt=0"`
	ReservoirSize int `yaml:"reservoir_size" validate:"gt=0"`
}

// RecommendationConfig bounds the recommendation engine.
type RecommendationConfig struct {
	MaxRecommendations int   `yaml:"max_recommendations" validate:"gt=0"`
	MaxAgeMs           int64 `yaml:"max_age_ms" validate:"gt=0"`
	RefreshIntervalMs  int64 `yaml:"refresh_interval_ms" validate:"gt=0"`
}

// TimerConfig bounds beginTimer/endTimer bookkeeping.
type TimerConfig struct {
	MaxAgeMs   int64 `yaml:"max_age_ms" validate:"gt=0"`
	MaxPending int   `yaml:"max_pending" validate:"gt=0"`
}

// QualityConfig throttles quality notifications; counters are never
// throttled.
type QualityConfig struct {
	NotifyPerSecond float64 `yaml:"notify_per_second" validate:"gt=0"`
	NotifyBurst     int     `yaml:"notify_burst" validate:"gt=0"`
}

// StorageConfig selects the persistence adapter backend.
type StorageConfig struct {
	Driver        string         `yaml:"driver" validate:"oneof=memory redis badger postgres"`
	KeyPrefix     string         `yaml:"key_prefix"`
	MemoryMaxSize int            `yaml:"memory_max_size" validate:"gte=0"`
	Redis         RedisConfig    `yaml:"redis"`
	Badger        BadgerConfig   `yaml:"badger"`
	Postgres      PostgresConfig `yaml:"postgres"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// BadgerConfig locates the embedded store.
type BadgerConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// PostgresConfig locates the SQL store.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	MigrationsPath string `yaml:"migrations_path"`
}

// SinkConfig selects where flushed batches go.
type SinkConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=log redis"`
	RedisKey string `yaml:"redis_key"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	StreamBuffer int    `yaml:"stream_buffer" validate:"gt=0"`
}

// Ms converts a millisecond count into a Duration.
func Ms(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Sampling: SamplingConfig{SampleRate: 1.0},
		Buffering: BufferingConfig{
			BufferSize:      100,
			FlushIntervalMs: 30_000,
			MaxBatchSize:    500,
			RetryAttempts:   3,
			RetryBackoffMs:  1_000,
		},
		Aggregation: AggregationConfig{
			Realtime:          LevelConfig{IntervalMs: 10_000, RetentionMs: 3_600_000},
			Minute:            LevelConfig{IntervalMs: 60_000, RetentionMs: 86_400_000},
			Hour:              LevelConfig{IntervalMs: 3_600_000, RetentionMs: 30 * 86_400_000},
			Day:               LevelConfig{IntervalMs: 86_400_000, RetentionMs: 90 * 86_400_000},
			Week:              LevelConfig{IntervalMs: 7 * 86_400_000, RetentionMs: 365 * 86_400_000},
			MaxRealtimeSlots:  360,
			RealtimeReservoir: 100,
			RollupReservoir:   1000,
		},
		Baseline: BaselineConfig{
			SampleSize:           50,
			Significance:         0.05,
			MinRegressionPercent: 20,
			PersistIntervalMs:    3_600_000,
			AnomalyK:             2.5,
			AnomalyMinSamples:    10,
		},
		Thresholds: DefaultThresholds(),
		Budgets:    map[string]map[string]Budget{},
		Alerts: AlertsConfig{
			CooldownMs:          300_000,
			MaxPerHour:          20,
			EscalationTimeoutMs: 600_000,
			EscalationOrder:     []string{"info", "warning", "critical", "emergency"},
			HistoryRetentionMs:  86_400_000,
			CorrelationWindowMs: 300_000,
			MinIncidentSize:     3,
		},
		Competitive: CompetitiveConfig{
			CompetitiveSensitivityMultiplier: 1.5,
			HighStakesMultiplier:             0.7,
			HighStakesAmount:                 100,
		},
		ABTesting: ABTestingConfig{
			Enabled:             false,
			SampleRatio:         0.1,
			ConfidenceLevel:     0.95,
			MaxTestDurationMs:   604_800_000,
			MinSamples:          30,
			ConclusionSamples:   1000,
			MaxValuesPerVariant: 10_000,
			AnalysisIntervalMs:  60_000,
		},
		Segmentation: SegmentationConfig{MaxSegments: 10_000, ReservoirSize: 1000},
		Recommendations: RecommendationConfig{
			MaxRecommendations: 500,
			MaxAgeMs:           3_600_000,
			RefreshIntervalMs:  300_000,
		},
		Timers:  TimerConfig{MaxAgeMs: 300_000, MaxPending: 10_000},
		Quality: QualityConfig{NotifyPerSecond: 1, NotifyBurst: 5},
		Storage: StorageConfig{
			Driver:        "memory",
			KeyPrefix:     "perfwatch:",
			MemoryMaxSize: 10_000,
			Redis:         RedisConfig{Addr: "localhost:6379", PoolSize: 10},
			Badger:        BadgerConfig{Path: "data/badger"},
			Postgres:      PostgresConfig{MigrationsPath: "migrations"},
		},
		Sink:    SinkConfig{Driver: "log", RedisKey: "perfwatch:batches"},
		Server:  ServerConfig{Addr: ":8080", StreamBuffer: 256},
		Logging: logger.DefaultConfig,
	}
}

// DefaultThresholds covers the core web vitals and the gaming operations.
func DefaultThresholds() map[string]map[string]Threshold {
	return map[string]map[string]Threshold{
		"webVitals": {
			"LCP":  {Target: 2500, Warning: 4000, Critical: 6000},
			"FCP":  {Target: 1800, Warning: 3000, Critical: 4500},
			"FID":  {Target: 100, Warning: 300, Critical: 500},
			"INP":  {Target: 200, Warning: 500, Critical: 800},
			"CLS":  {Target: 0.1, Warning: 0.25, Critical: 0.5},
			"TTFB": {Target: 800, Warning: 1800, Critical: 3000},
		},
		"gaming": {
			"voteLatency":       {Target: 100, Warning: 300, Critical: 1000},
			"walletInteraction": {Target: 500, Warning: 2000, Critical: 5000},
			"leaderboardLoad":   {Target: 300, Warning: 1000, Critical: 3000},
			"tournamentBracket": {Target: 500, Warning: 1500, Critical: 4000},
			"clanManagement":    {Target: 300, Warning: 1000, Critical: 3000},
		},
	}
}

// Load reads a YAML file over the defaults, applies PERFWATCH_* environment
// overrides, and validates the result.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	NewEnvOverrides("").Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
