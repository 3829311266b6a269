package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the monitor core. Validation errors are rejected
// before any mutation; not-found is an acceptable outcome for
// idempotent operations like a double-acknowledge; transient errors
// are retry-eligible; permanent errors are surfaced as alerts instead
// of retried; persistence errors fail loudly without crashing.

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrTransient   = errors.New("transient external error")
	ErrPermanent   = errors.New("permanent external error")
	ErrPersistence = errors.New("persistence error")
)

func ValidationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundErr(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

func PersistenceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func IsValidation(err error) bool  { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }
