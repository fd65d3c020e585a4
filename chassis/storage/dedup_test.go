package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityIndices(t *testing.T) {
	spec := InsertSpec{
		Table:    "record",
		Columns:  []string{"ext_id", "record_type", "content_hash", "status"},
		Identity: []string{"record_type", "content_hash"},
	}
	idIdx, err := identityIndices(spec)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, idIdx)

	spec.Identity = []string{"record_type", "missing_column"}
	_, err = identityIndices(spec)
	assert.Error(t, err)
}

func TestDedupeIdentities(t *testing.T) {
	rows := [][]interface{}{
		{"a", "hash1", 1},
		{"a", "hash2", 2},
		{"a", "hash1", 3},
		{"b", "hash1", 4},
		{"a", "hash1", 5},
	}
	order, occurrences := dedupeIdentities(rows, []int{0, 1})

	require.Len(t, order, 3)
	assert.Equal(t, identityKey(rows[0], []int{0, 1}), order[0])
	assert.Equal(t, identityKey(rows[1], []int{0, 1}), order[1])
	assert.Equal(t, identityKey(rows[3], []int{0, 1}), order[2])

	assert.Equal(t, []int{0, 2, 4}, occurrences[order[0]])
	assert.Equal(t, []int{1}, occurrences[order[1]])
	assert.Equal(t, []int{3}, occurrences[order[2]])
}

func TestIdentityKeySeparatesColumns(t *testing.T) {
	// "ab"+"c" must not collide with "a"+"bc".
	left := identityKey([]interface{}{"ab", "c"}, []int{0, 1})
	right := identityKey([]interface{}{"a", "bc"}, []int{0, 1})
	assert.NotEqual(t, left, right)
}
