package models

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed job or recipient input. It is returned
// before any state is read or written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err contains a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExternalCallFailure reports a failed paid call or delivery. Billed is set
// only when the provider confirmed the call was charged despite failing.
type ExternalCallFailure struct {
	Op            string
	Billed        bool
	BilledCostUSD float64
	Err           error
}

func (e *ExternalCallFailure) Error() string {
	if e.Billed {
		return fmt.Sprintf("%s failed (billed $%.4f): %v", e.Op, e.BilledCostUSD, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ExternalCallFailure) Unwrap() error { return e.Err }
