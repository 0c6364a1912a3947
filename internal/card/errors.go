package card

import (
	"errors"
	"fmt"
)

// DuplicateError reports that the backend already holds a record for this
// content hash. It is a terminal outcome, not a retryable failure.
type DuplicateError struct {
	ExistingRecordID string
}

func (e *DuplicateError) Error() string {
	if e.ExistingRecordID == "" {
		return "card already processed"
	}
	return fmt.Sprintf("card already processed as record %s", e.ExistingRecordID)
}

// DuplicateContent marks the error as a duplicate-content signal.
func (e *DuplicateError) DuplicateContent() string { return e.ExistingRecordID }

// TerminalError wraps a business-rule failure that must never be retried,
// such as an invalid location or a record that is no longer pending.
type TerminalError struct {
	Reason string
}

func (e *TerminalError) Error() string { return e.Reason }

// Terminal marks the error as non-retryable.
func (e *TerminalError) Terminal() bool { return true }

// IsDuplicate reports whether err carries a duplicate-content signal from
// any stage. The extraction package raises its own duplicate type; both
// satisfy the same marker method.
func IsDuplicate(err error) bool {
	var d interface{ DuplicateContent() string }
	return errors.As(err, &d)
}

// DuplicateRecordID returns the existing record referenced by a duplicate
// signal, if any.
func DuplicateRecordID(err error) string {
	var d interface{ DuplicateContent() string }
	if errors.As(err, &d) {
		return d.DuplicateContent()
	}
	return ""
}

// IsTerminal reports whether err is a business-rule failure that retrying
// cannot fix.
func IsTerminal(err error) bool {
	var t interface{ Terminal() bool }
	return errors.As(err, &t) && t.Terminal()
}
