package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gridline/scheduler/backend/chassis/config"
	"github.com/gridline/scheduler/backend/chassis/protocol"
	"github.com/gridline/scheduler/backend/chassis/storage"
)

func errorHistory(types ...string) []storage.ComputeHistory {
	history := make([]storage.ComputeHistory, 0, len(types))
	for _, errorType := range types {
		history = append(history, storage.ComputeHistory{
			Status:    storage.StatusError,
			ErrorType: errorType,
		})
	}
	return history
}

func TestClassify(t *testing.T) {
	policy := DefaultPolicy()
	assert.Equal(t, CategoryComputeLost, policy.Classify(protocol.ErrorTypeComputeLost))
	assert.Equal(t, CategoryRandom, policy.Classify("random_error"))
	assert.Equal(t, CategoryInternal, policy.Classify(protocol.ErrorTypeInternal))
	assert.Equal(t, CategoryUnknown, policy.Classify("never_seen_before"))
}

func TestShouldReset(t *testing.T) {
	policy := DefaultPolicy()
	tests := []struct {
		name    string
		history []storage.ComputeHistory
		reset   bool
	}{
		{"first compute loss", errorHistory(protocol.ErrorTypeComputeLost), true},
		{"compute losses at the limit", errorHistory(
			protocol.ErrorTypeComputeLost, protocol.ErrorTypeComputeLost,
			protocol.ErrorTypeComputeLost, protocol.ErrorTypeComputeLost,
			protocol.ErrorTypeComputeLost), true},
		{"compute losses over the limit", errorHistory(
			protocol.ErrorTypeComputeLost, protocol.ErrorTypeComputeLost,
			protocol.ErrorTypeComputeLost, protocol.ErrorTypeComputeLost,
			protocol.ErrorTypeComputeLost, protocol.ErrorTypeComputeLost), false},
		{"categories counted independently", errorHistory(
			"random_error", "random_error",
			protocol.ErrorTypeComputeLost), true},
		{"random over its own limit", errorHistory(
			"random_error", "random_error", "random_error"), false},
		{"single unknown tolerated", errorHistory("never_seen_before"), true},
		{"repeated unknown refused", errorHistory("never_seen_before", "never_seen_before"), false},
		{"internal anywhere vetoes", errorHistory(
			protocol.ErrorTypeComputeLost, protocol.ErrorTypeInternal,
			protocol.ErrorTypeComputeLost), false},
		{"no errors yet", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.reset, policy.ShouldReset(tt.history))
		})
	}
}

func TestShouldResetIgnoresNonErrorHistory(t *testing.T) {
	policy := DefaultPolicy()
	history := []storage.ComputeHistory{
		{Status: storage.StatusComplete},
		{Status: storage.StatusError, ErrorType: protocol.ErrorTypeComputeLost},
	}
	assert.True(t, policy.ShouldReset(history))
}

func TestShouldResetDisabled(t *testing.T) {
	policy := DefaultPolicy()
	policy.Enabled = false
	assert.False(t, policy.ShouldReset(errorHistory(protocol.ErrorTypeComputeLost)))
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := &config.AppConfig{}
	cfg.AutoReset.Enabled = true
	cfg.AutoReset.Categories = map[string]string{"oom": "compute_lost"}
	cfg.AutoReset.Limits = map[string]int{"compute_lost": 10}

	policy := PolicyFromConfig(cfg)
	assert.True(t, policy.Enabled)
	assert.Equal(t, CategoryComputeLost, policy.Classify("oom"))
	assert.Equal(t, 10, policy.Limits[CategoryComputeLost])
	// Defaults retained where not overridden.
	assert.Equal(t, CategoryRandom, policy.Classify("random_error"))
	assert.Equal(t, 2, policy.Limits[CategoryRandom])
}
