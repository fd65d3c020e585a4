package claim

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
)

func TestMissingTask(t *testing.T) {
	assert.True(t, missingTask(pgx.ErrNoRows))
	assert.True(t, missingTask(fmt.Errorf("locking task: %w", pgx.ErrNoRows)))
	// A database failure is not a protocol rejection.
	assert.False(t, missingTask(errors.New("connection reset by peer")))
	assert.False(t, missingTask(nil))
}
