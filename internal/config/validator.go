package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"perfwatch/internal/errors"
	"perfwatch/internal/logger"
)

var structValidator = validator.New()

// Validate checks every field and cross-field invariant and returns a single
// *errors.ConfigError listing all problems, or nil.
func (c *Config) Validate() error {
	var problems []string

	if err := structValidator.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				problems = append(problems, describeFieldError(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	problems = append(problems, c.validateAggregation()...)
	problems = append(problems, c.validateThresholds()...)
	problems = append(problems, c.validateBudgets()...)
	problems = append(problems, c.validateEscalationOrder()...)
	problems = append(problems, c.validateStorage()...)

	return errors.NewConfigError(problems)
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s: must satisfy %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: must satisfy %s (got %v)", field, fe.Tag(), fe.Value())
}

func (c *Config) validateAggregation() []string {
	var problems []string
	levels := []struct {
		name string
		lvl  LevelConfig
	}{
		{"realtime", c.Aggregation.Realtime},
		{"minute", c.Aggregation.Minute},
		{"hour", c.Aggregation.Hour},
		{"day", c.Aggregation.Day},
		{"week", c.Aggregation.Week},
	}
	for i := 1; i < len(levels); i++ {
		prev, cur := levels[i-1], levels[i]
		if cur.lvl.IntervalMs <= prev.lvl.IntervalMs {
			problems = append(problems, fmt.Sprintf("aggregation.%s: interval %dms must exceed %s interval %dms",
				cur.name, cur.lvl.IntervalMs, prev.name, prev.lvl.IntervalMs))
		}
	}
	for _, l := range levels {
		if l.lvl.RetentionMs > 0 && l.lvl.RetentionMs < l.lvl.IntervalMs {
			problems = append(problems, fmt.Sprintf("aggregation.%s: retention shorter than interval", l.name))
		}
	}
	return problems
}

func (c *Config) validateThresholds() []string {
	var problems []string
	for _, category := range sortedKeys(c.Thresholds) {
		for _, metric := range sortedKeys(c.Thresholds[category]) {
			t := c.Thresholds[category][metric]
			if !(t.Target < t.Warning && t.Warning < t.Critical) {
				problems = append(problems, fmt.Sprintf("thresholds.%s.%s: require target < warning < critical (got %g, %g, %g)",
					category, metric, t.Target, t.Warning, t.Critical))
			}
			if t.Target < 0 {
				problems = append(problems, fmt.Sprintf("thresholds.%s.%s: target must be non-negative", category, metric))
			}
		}
	}
	return problems
}

func (c *Config) validateBudgets() []string {
	var problems []string
	for _, category := range sortedKeys(c.Budgets) {
		for _, metric := range sortedKeys(c.Budgets[category]) {
			b := c.Budgets[category][metric]
			if b.Target < 0 || b.Budget <= 0 || b.Target > b.Budget {
				problems = append(problems, fmt.Sprintf("budgets.%s.%s: require 0 <= target <= budget and budget > 0 (got %g, %g)",
					category, metric, b.Target, b.Budget))
			}
		}
	}
	return problems
}

var levelRank = map[string]int{"info": 0, "warning": 1, "critical": 2, "emergency": 3}

// validateEscalationOrder requires distinct levels in rising severity.
// Unknown names are reported by the struct tags.
func (c *Config) validateEscalationOrder() []string {
	var problems []string
	seen := make(map[string]bool, len(c.Alerts.EscalationOrder))
	prev := -1
	for i, level := range c.Alerts.EscalationOrder {
		rank, known := levelRank[level]
		if !known {
			continue
		}
		switch {
		case seen[level]:
			problems = append(problems, fmt.Sprintf("alerts.escalation_order[%d]: duplicate level %q", i, level))
		case rank < prev:
			problems = append(problems, fmt.Sprintf("alerts.escalation_order[%d]: %q must not follow a more severe level", i, level))
		}
		seen[level] = true
		if rank > prev {
			prev = rank
		}
	}
	return problems
}

func (c *Config) validateStorage() []string {
	var problems []string
	switch c.Storage.Driver {
	case "redis":
		if c.Storage.Redis.Addr == "" {
			problems = append(problems, "storage.redis.addr: required for redis driver")
		}
	case "badger":
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			problems = append(problems, "storage.badger.path: required unless in_memory")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			problems = append(problems, "storage.postgres.dsn: required for postgres driver")
		}
	}
	if c.Sink.Driver == "redis" && c.Storage.Redis.Addr == "" {
		problems = append(problems, "sink: redis driver needs storage.redis.addr")
	}
	return problems
}

func logLevel(s string) logger.LogLevel {
	return logger.LogLevel(strings.ToLower(s))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
