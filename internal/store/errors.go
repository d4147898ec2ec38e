package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("entry not found")
	ErrProtected   = errors.New("entry is protected")
	ErrNotArchived = errors.New("entry is not archived")
)

// ValidationError rejects a malformed entry before it reaches disk. It is
// the only store error surfaced to callers as-is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid entry: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
