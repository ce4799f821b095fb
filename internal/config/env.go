package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvOverrides reads prefixed environment variables on top of a loaded
// configuration.
type EnvOverrides struct {
	prefix string
}

// NewEnvOverrides creates an override reader. An empty prefix means
// PERFWATCH_.
func NewEnvOverrides(prefix string) *EnvOverrides {
	if prefix == "" {
		prefix = "PERFWATCH_"
	}
	return &EnvOverrides{prefix: prefix}
}

// GetString gets a string environment variable
func (e *EnvOverrides) GetString(key string, defaultValue string) string {
	value := os.Getenv(e.prefix + strings.ToUpper(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (e *EnvOverrides) GetInt(key string, defaultValue int) int {
	value := e.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

// GetFloat gets a float environment variable
func (e *EnvOverrides) GetFloat(key string, defaultValue float64) float64 {
	value := e.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (e *EnvOverrides) GetBool(key string, defaultValue bool) bool {
	value := e.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}
	return defaultValue
}

// GetMillis accepts either a Go duration ("30s") or a bare millisecond count.
func (e *EnvOverrides) GetMillis(key string, defaultValue int64) int64 {
	value := e.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d.Milliseconds()
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ms
	}
	return defaultValue
}

// Apply overwrites the deployment-facing settings that operators commonly
// tune per environment.
func (e *EnvOverrides) Apply(cfg *Config) {
	cfg.Sampling.SampleRate = e.GetFloat("SAMPLE_RATE", cfg.Sampling.SampleRate)
	cfg.Buffering.BufferSize = e.GetInt("BUFFER_SIZE", cfg.Buffering.BufferSize)
	cfg.Buffering.FlushIntervalMs = e.GetMillis("FLUSH_INTERVAL", cfg.Buffering.FlushIntervalMs)
	cfg.Buffering.MaxBatchSize = e.GetInt("MAX_BATCH_SIZE", cfg.Buffering.MaxBatchSize)
	cfg.ABTesting.Enabled = e.GetBool("AB_TESTING_ENABLED", cfg.ABTesting.Enabled)
	cfg.Alerts.CooldownMs = e.GetMillis("ALERT_COOLDOWN", cfg.Alerts.CooldownMs)
	cfg.Alerts.MaxPerHour = e.GetInt("ALERT_MAX_PER_HOUR", cfg.Alerts.MaxPerHour)

	cfg.Storage.Driver = e.GetString("STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.KeyPrefix = e.GetString("STORAGE_KEY_PREFIX", cfg.Storage.KeyPrefix)
	cfg.Storage.Redis.Addr = e.GetString("REDIS_ADDR", cfg.Storage.Redis.Addr)
	cfg.Storage.Redis.Password = e.GetString("REDIS_PASSWORD", cfg.Storage.Redis.Password)
	cfg.Storage.Redis.DB = e.GetInt("REDIS_DB", cfg.Storage.Redis.DB)
	cfg.Storage.Badger.Path = e.GetString("BADGER_PATH", cfg.Storage.Badger.Path)
	cfg.Storage.Postgres.DSN = e.GetString("POSTGRES_DSN", cfg.Storage.Postgres.DSN)
	cfg.Sink.Driver = e.GetString("SINK_DRIVER", cfg.Sink.Driver)

	cfg.Server.Addr = e.GetString("SERVER_ADDR", cfg.Server.Addr)
	if level := e.GetString("LOG_LEVEL", ""); level != "" {
		cfg.Logging.Level = logLevel(level)
	}
}
