// Package errs defines the error taxonomy exposed by the store core.
// Callers classify outcomes with errors.Is against the sentinel kinds;
// no unstructured error text is part of the contract.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedAddress means the address does not map to any known
	// entity or collection shape.
	ErrUnresolvedAddress = errors.New("unresolved address")
	// ErrUnsupportedOperation means the address resolves but the requested
	// operation is disallowed for that address shape.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrConstraintViolation means a referential rule was broken.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrNotFound means a single-item fetch targeted a row that does not
	// exist. Bulk updates and deletes return count 0 instead.
	ErrNotFound = errors.New("not found")
	// ErrInvalidQuerySpec means the filter/sort/limit combination is not
	// supported for the entity kind.
	ErrInvalidQuerySpec = errors.New("invalid query spec")
	// ErrStorageFailure wraps failures from the underlying storage engine.
	// The core never retries these; retry policy belongs to the caller.
	ErrStorageFailure = errors.New("storage failure")
)

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

func Unresolved(format string, args ...any) error {
	return wrap(ErrUnresolvedAddress, format, args...)
}

func Unsupported(format string, args ...any) error {
	return wrap(ErrUnsupportedOperation, format, args...)
}

func Constraint(format string, args ...any) error {
	return wrap(ErrConstraintViolation, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func InvalidQuery(format string, args ...any) error {
	return wrap(ErrInvalidQuerySpec, format, args...)
}

func Storage(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorageFailure, err)
}
