package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInsufficientData = errors.New("insufficient data")
	ErrUntrainedModel   = errors.New("untrained model")
	ErrEngineFailure    = errors.New("engine failure")
	ErrPersistence      = errors.New("persistence failure")
)

// Kind represents the category of error
type Kind string

const (
	KindInsufficientData Kind = "insufficient_data"
	KindUntrainedModel   Kind = "untrained_model"
	KindEngineFailure    Kind = "engine_failure"
	KindPersistence      Kind = "persistence"
	KindInvalidInput     Kind = "invalid_input"
	KindNotFound         Kind = "not_found"
)

// TwinError is a structured error for twin operations
type TwinError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "retrain", "inject")
	AssetType string // Asset type or engine element the operation targeted
	Err       error
	Timestamp time.Time
}

func (e *TwinError) Error() string {
	if e.AssetType != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.AssetType, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TwinError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *TwinError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrInvalidInput:
		return e.Kind == KindInvalidInput
	case ErrInsufficientData:
		return e.Kind == KindInsufficientData
	case ErrUntrainedModel:
		return e.Kind == KindUntrainedModel
	case ErrEngineFailure:
		return e.Kind == KindEngineFailure
	case ErrPersistence:
		return e.Kind == KindPersistence
	}

	return errors.Is(e.Err, target)
}

// New creates a new TwinError
func New(kind Kind, op, assetType string, err error) *TwinError {
	return &TwinError{
		Kind:      kind,
		Op:        op,
		AssetType: assetType,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// InsufficientData reports a training attempt with fewer than required samples.
func InsufficientData(op, assetType string, have, need int) error {
	return New(KindInsufficientData, op, assetType, fmt.Errorf("have %d samples, need %d", have, need))
}

// WrapEngineError wraps a circuit engine error with context
func WrapEngineError(op, element string, err error) error {
	return New(KindEngineFailure, op, element, err)
}

// WrapPersistenceError wraps a storage error with context
func WrapPersistenceError(op, assetType string, err error) error {
	return New(KindPersistence, op, assetType, err)
}

// NotFound reports an unknown asset, scenario or element.
func NotFound(op, name string) error {
	return New(KindNotFound, op, name, ErrNotFound)
}

// Invalid reports malformed input.
func Invalid(op string, format string, args ...any) error {
	return New(KindInvalidInput, op, "", fmt.Errorf(format, args...))
}

// KindOf returns the error kind, or "" when err is not a TwinError.
func KindOf(err error) Kind {
	var te *TwinError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
