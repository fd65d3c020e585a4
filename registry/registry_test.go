package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManagerInfoName(t *testing.T) {
	info := &ManagerInfo{
		Cluster:  "hpc",
		Hostname: "node-17",
		UUID:     "3f1a",
	}
	assert.Equal(t, "hpc-node-17-3f1a", info.Name())
}

func TestNormalizeTags(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		out  []string
	}{
		{"lowercased and trimmed", []string{" GPU ", "cpu"}, []string{"gpu", "cpu"}},
		{"dedupe keeps first occurrence order", []string{"b", "a", "B"}, []string{"b", "a"}},
		{"empty dropped", []string{"", "  ", "gpu"}, []string{"gpu"}},
		{"wildcard preserved", []string{"*"}, []string{"*"}},
		{"all empty", []string{"", " "}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.out, NormalizeTags(tt.in))
		})
	}
}

func TestNormalizePrograms(t *testing.T) {
	programs := NormalizePrograms(map[string]string{
		" Compute ": "1.2",
		"GEOMETRIC": "0.4",
		"":          "9.9",
	})
	assert.Equal(t, map[string]string{
		"compute":   "1.2",
		"geometric": "0.4",
	}, programs)
}
