package sections

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is matched by every *ConflictError.
	ErrVersionConflict = errors.New("sections: version conflict")
	// ErrNotFound indicates that no section record exists for the reference.
	ErrNotFound = errors.New("sections: not found")
	// ErrStoreUnavailable marks failures of the backing store itself. Callers should stop
	// retrying and fall back to offline queueing.
	ErrStoreUnavailable = errors.New("sections: store unavailable")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("sections: validation failed")
)

// ConflictError reports a failed compare-and-set together with the state that won.
type ConflictError struct {
	ExpectedVersion *int64
	CurrentVersion  int64
	CurrentContent  Content
}

func (e *ConflictError) Error() string {
	if e.ExpectedVersion == nil {
		return fmt.Sprintf("sections: version conflict: record exists at version %d", e.CurrentVersion)
	}
	return fmt.Sprintf("sections: version conflict: expected %d, current %d", *e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// ValidationError wraps a rejected field.
type ValidationError struct {
	Field string
	err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sections: invalid %s: %v", e.Field, e.err)
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidationError(field string, cause error) error {
	return &ValidationError{Field: field, err: cause}
}

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrorCode extracts the service error code, if any.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
