package critical

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrNotFound is returned when a critical value id is unknown.
	ErrNotFound = errors.New("critical value not found")
	// ErrAlreadyAcknowledged is returned on a second acknowledgment of the same value.
	ErrAlreadyAcknowledged = errors.New("critical value already acknowledged")
)

// ValidationError reports missing or malformed input. Nothing is persisted
// when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// StorageError wraps a persistence failure that survived the bounded retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func validationErr(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// Validate checks the fields a result needs before classification.
func (in ResultInput) Validate() error {
	if strings.TrimSpace(in.PatientID) == "" {
		return validationErr("patientId", "is required")
	}
	if strings.TrimSpace(in.TestName) == "" {
		return validationErr("testName", "is required")
	}
	if math.IsNaN(in.Value) || math.IsInf(in.Value, 0) {
		return validationErr("value", "must be a finite number")
	}
	return nil
}

// Validate checks the acknowledgment fields.
func (in AckInput) Validate() error {
	if strings.TrimSpace(in.AcknowledgedBy) == "" {
		return validationErr("acknowledgedBy", "is required")
	}
	return nil
}
