package claim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSearchTags(t *testing.T) {
	tests := []struct {
		name       string
		requested  []string
		registered []string
		out        []string
	}{
		{
			name:       "intersection preserves request order",
			requested:  []string{"gpu", "cpu", "fpga"},
			registered: []string{"cpu", "gpu"},
			out:        []string{"gpu", "cpu"},
		},
		{
			name:       "unregistered tags dropped",
			requested:  []string{"fpga"},
			registered: []string{"cpu"},
			out:        []string{},
		},
		{
			name:       "requested wildcard expands to registered tags",
			requested:  []string{"*"},
			registered: []string{"cpu", "gpu"},
			out:        []string{"cpu", "gpu"},
		},
		{
			name:       "registered wildcard accepts anything",
			requested:  []string{"fpga", "gpu"},
			registered: []string{"*"},
			out:        []string{"fpga", "gpu"},
		},
		{
			name:       "both wildcards collapse to one pass",
			requested:  []string{"*", "gpu"},
			registered: []string{"*", "gpu"},
			out:        []string{"*", "gpu"},
		},
		{
			name:       "request normalized before matching",
			requested:  []string{" GPU ", "gpu"},
			registered: []string{"gpu"},
			out:        []string{"gpu"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.out, SearchTags(tt.requested, tt.registered))
		})
	}
}
