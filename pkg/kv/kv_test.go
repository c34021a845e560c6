package kv

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageErrorMatchesUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("read spend: %w", &StorageError{Op: "get", Key: "spend:2026-01-01", Err: cause})

	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), `kv get "spend:2026-01-01"`)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "queue:pending:job-1", QueueKey("job-1"))
	assert.Equal(t, "alert:soft:2026-01-01", AlertKey("soft", "2026-01-01"))
	assert.Equal(t, "throttle:2026-01-01:07", HourCounterKey("2026-01-01", "07"))
	assert.Equal(t, "throttle:2026-01-01", DayCounterKey("2026-01-01"))
}
