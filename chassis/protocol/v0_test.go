package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultWellFormed(t *testing.T) {
	tests := []struct {
		name   string
		result *Result
		ok     bool
	}{
		{"nil result", nil, false},
		{"success", &Result{Success: true}, true},
		{"success with outputs", &Result{Success: true, Outputs: map[string]interface{}{"energy": -1.5}}, true},
		{"failure with typed error", &Result{Error: &FailureInfo{Type: "random_error", Message: "boom"}}, true},
		{"failure without error info", &Result{}, false},
		{"failure with untyped error", &Result{Error: &FailureInfo{Message: "boom"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.result.WellFormed())
		})
	}
}

func TestInternalError(t *testing.T) {
	result := InternalError("unexpected handler panic")
	require.True(t, result.WellFormed())
	assert.False(t, result.Success)
	assert.Equal(t, ErrorTypeInternal, result.Error.Type)
	assert.Equal(t, "unexpected handler panic", result.Error.Message)
}

func TestResultJSONOmitsEmpty(t *testing.T) {
	jsonMsg, err := (&Result{Success: true}).JSON()
	require.NoError(t, err)
	assert.Equal(t, `{"success":true}`, jsonMsg)

	var parsed Result
	require.NoError(t, parsed.FromJSON(jsonMsg))
	assert.True(t, parsed.Success)
	assert.Nil(t, parsed.Error)
}
