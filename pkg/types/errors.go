package types

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable means the document source could not be enumerated.
	ErrSourceUnavailable = errors.New("document source unavailable")
	// ErrDocumentRead means a single document could not be fetched or decoded.
	ErrDocumentRead = errors.New("document read failed")
	// ErrExtractionUnit means an extraction unit could not be processed.
	ErrExtractionUnit = errors.New("extraction unit failed")
	// ErrWriteConflict means a concurrent writer changed the graph between
	// resolution and commit.
	ErrWriteConflict = errors.New("graph write conflict")
	// ErrRetryBudgetExhausted means retryable failures persisted past the
	// configured attempt limit.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrInvalidPlan means an upsert plan violates a graph invariant.
	ErrInvalidPlan = errors.New("invalid upsert plan")
	// ErrCheckpointNotFound means no checkpoint exists for a source id.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// DocumentError reports a failure confined to one source document.
type DocumentError struct {
	SourceID string
	Stage    string
	Err      error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %s: %s: %v", e.SourceID, e.Stage, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// UnitError records a soft failure of one extraction unit.
type UnitError struct {
	SourceID string
	Unit     int
	Err      error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("document %s unit %d: %v", e.SourceID, e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// Is makes every UnitError match ErrExtractionUnit.
func (e *UnitError) Is(target error) bool {
	return target == ErrExtractionUnit
}

// TransientError marks a storage failure that may succeed when retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsRetryable reports whether err should re-enter the resolve step.
// Cancellation of the parent context is never retryable; callers check the
// parent context before consulting this.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWriteConflict) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}
