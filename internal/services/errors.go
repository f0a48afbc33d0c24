package services

import (
	"errors"
	"fmt"

	"tunnbox/internal/database"
)

// Error kinds returned by the Orchestrator. Each error wraps exactly one kind
// and, where there is one, the leaf cause from the component that failed.
var (
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrSanitization = errors.New("command not allowed")
	ErrExecution    = errors.New("execution failed")
	ErrDecryption   = errors.New("decryption failed")
	ErrAllocation   = errors.New("address allocation failed")
	ErrNotFound     = errors.New("not found")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func execFailed(err error) error {
	if errors.Is(err, ErrExecution) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrExecution, err)
}

// storeErr maps persistence errors onto error kinds. what names the record.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrNotFound):
		return notFound("%s", what)
	case errors.Is(err, database.ErrDuplicate):
		return fmt.Errorf("%w: %s: %w", ErrConflict, what, err)
	}
	return err
}
