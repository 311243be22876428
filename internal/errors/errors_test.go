package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwinErrorIsMatchesKindSentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"insufficient", InsufficientData("retrain", "PowerTransformer", 10, 50), ErrInsufficientData},
		{"engine", WrapEngineError("solve", "Bus400_1", errors.New("diverged")), ErrEngineFailure},
		{"persistence", WrapPersistenceError("save", "CircuitBreaker", errors.New("disk full")), ErrPersistence},
		{"not found", NotFound("run_scenario", "blackout"), ErrNotFound},
		{"invalid", Invalid("command", "unknown verb %q", "explode"), ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.target)
			assert.NotErrorIs(t, wrapped, ErrUntrainedModel)
		})
	}
}

func TestTwinErrorMessage(t *testing.T) {
	err := InsufficientData("retrain", "PowerTransformer", 10, 50)
	assert.Equal(t, "retrain failed for PowerTransformer: have 10 samples, need 50", err.Error())

	err = New(KindPersistence, "flush", "", errors.New("closed"))
	assert.Equal(t, "flush failed: closed", err.Error())
}

func TestTwinErrorUnwrapsUnderlying(t *testing.T) {
	base := errors.New("database is locked")
	err := WrapPersistenceError("save", "Isolator", base)

	assert.ErrorIs(t, err, base)
	require.Equal(t, KindPersistence, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(base))
}
