package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"waiting to running", StatusWaiting, StatusRunning, true},
		{"running to complete", StatusRunning, StatusComplete, true},
		{"running to error", StatusRunning, StatusError, true},
		{"running back to waiting", StatusRunning, StatusWaiting, true},
		{"error to waiting", StatusError, StatusWaiting, true},
		{"waiting to cancelled", StatusWaiting, StatusCancelled, true},
		{"complete to invalid", StatusComplete, StatusInvalid, true},
		{"cancelled reverts to waiting", StatusCancelled, StatusWaiting, true},
		{"deleted reverts to complete", StatusDeleted, StatusComplete, true},
		{"complete to running", StatusComplete, StatusRunning, false},
		{"waiting to complete skips running", StatusWaiting, StatusComplete, false},
		{"cancelled cannot resume running", StatusCancelled, StatusRunning, false},
		{"deleted cannot resume running", StatusDeleted, StatusRunning, false},
		{"error to complete", StatusError, StatusComplete, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionTargetsAreKnown(t *testing.T) {
	known := map[Status]bool{
		StatusWaiting:   true,
		StatusRunning:   true,
		StatusComplete:  true,
		StatusError:     true,
		StatusCancelled: true,
		StatusDeleted:   true,
		StatusInvalid:   true,
	}
	for from, targets := range transitions {
		assert.True(t, known[from], "unknown source status %s", from)
		for _, to := range targets {
			assert.True(t, known[to], "unknown target status %s", to)
		}
	}
}

func TestStatusLive(t *testing.T) {
	assert.True(t, StatusWaiting.Live())
	assert.True(t, StatusRunning.Live())
	assert.True(t, StatusError.Live())
	assert.False(t, StatusComplete.Live())
	assert.False(t, StatusCancelled.Live())
	assert.False(t, StatusDeleted.Live())
	assert.False(t, StatusInvalid.Live())
}
