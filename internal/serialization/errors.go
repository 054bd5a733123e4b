package serialization

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrCorrupt is wrapped by every error describing a malformed record.
var ErrCorrupt = errors.New("corrupt record")

// Malformed records.
var (
	ErrKindMismatch    = errors.WithMessage(ErrCorrupt, "element byte width does not match kind")
	ErrNameTooLong     = errors.WithMessage(ErrCorrupt, "record name too long")
	ErrTooManyDims     = errors.WithMessage(ErrCorrupt, "too many dimensions")
	ErrTooManyElements = errors.WithMessage(ErrCorrupt, "too many elements")
	ErrTruncated       = errors.WithMessage(ErrCorrupt, "truncated payload")
	ErrUnknownKind     = errors.WithMessage(ErrCorrupt, "unknown kind tag")
	ErrNegativeValue   = errors.WithMessage(ErrCorrupt, "negative length or dimension")
)

// Common errors.
var (
	ErrNoConversion = errors.New("no conversion between element kinds")
	ErrFileExists   = errors.New("file already exists")
)

// ValidationError provides detailed information about a malformed record.
type ValidationError struct {
	Type    string // Type of error (e.g., "kind_mismatch", "truncated")
	Record  string // Name of the record involved
	Details string // Additional details
	Err     error  // Sentinel error, one of the Err* values
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Record != "" {
		return fmt.Sprintf("%s: record %q: %s", e.Type, e.Record, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

// Unwrap returns the sentinel error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TransientError reports a file that could not be opened yet. Opening is
// retried after Delay; it is never escalated to a fatal error.
type TransientError struct {
	Path    string
	Attempt int
	Delay   time.Duration
	Err     error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("%s unavailable (attempt %d, retrying in %s): %v", e.Path, e.Attempt, e.Delay, e.Err)
}

// Unwrap returns the underlying I/O error.
func (e *TransientError) Unwrap() error {
	return e.Err
}
