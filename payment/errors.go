package payment

import (
	"errors"
	"fmt"
)

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var (
	ErrNotFound        = errors.New("transaction not found")
	ErrAlreadyTerminal = errors.New("transaction already in a terminal state")
)

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
