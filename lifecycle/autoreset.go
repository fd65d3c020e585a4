package lifecycle

import (
	"github.com/gridline/scheduler/backend/chassis/config"
	"github.com/gridline/scheduler/backend/chassis/protocol"
	"github.com/gridline/scheduler/backend/chassis/storage"
)

// Category - failure class counted independently by the auto-reset
// policy.
type Category string

const (
	CategoryComputeLost Category = "compute_lost"
	CategoryRandom      Category = "random"
	CategoryInternal    Category = "internal"
	CategoryUnknown     Category = "unknown"
)

// Policy - operator-configured error classification and per-category
// retry limits.
type Policy struct {
	Enabled    bool
	Categories map[string]Category // reported error type -> category
	Limits     map[Category]int    // category -> tolerated occurrences
}

// DefaultPolicy tolerates transient compute losses more than genuine
// logic errors.
func DefaultPolicy() Policy {
	return Policy{
		Enabled: true,
		Categories: map[string]Category{
			protocol.ErrorTypeComputeLost: CategoryComputeLost,
			"random_error":                CategoryRandom,
			protocol.ErrorTypeInternal:    CategoryInternal,
		},
		Limits: map[Category]int{
			CategoryComputeLost: 5,
			CategoryRandom:      2,
			CategoryUnknown:     1,
		},
	}
}

// PolicyFromConfig overlays the yaml auto-reset section onto the
// defaults.
func PolicyFromConfig(cfg *config.AppConfig) Policy {
	policy := DefaultPolicy()
	policy.Enabled = cfg.AutoReset.Enabled
	for errorType, category := range cfg.AutoReset.Categories {
		policy.Categories[errorType] = Category(category)
	}
	for category, limit := range cfg.AutoReset.Limits {
		policy.Limits[Category(category)] = limit
	}
	return policy
}

// Classify ...
func (p Policy) Classify(errorType string) Category {
	if category, ok := p.Categories[errorType]; ok {
		return category
	}
	return CategoryUnknown
}

// ShouldReset decides whether an errored record may be requeued
// automatically, given its full compute history including the latest
// failure. Any internal failure anywhere in history vetoes the reset
// permanently; otherwise every category's occurrence count must stay
// within its configured limit.
func (p Policy) ShouldReset(history []storage.ComputeHistory) bool {
	if !p.Enabled {
		return false
	}
	counts := map[Category]int{}
	for _, entry := range history {
		if entry.Status != storage.StatusError {
			continue
		}
		category := p.Classify(entry.ErrorType)
		if category == CategoryInternal {
			return false
		}
		counts[category]++
	}
	for category, count := range counts {
		if count > p.Limits[category] {
			return false
		}
	}
	return true
}
