package session

import "errors"

// Sentinel errors for manifest validation.
var (
	ErrMissingField  = errors.New("missing required field")
	ErrDuplicateName = errors.New("duplicate collection name")
	ErrInvalidValue  = errors.New("invalid value")
	ErrNoCollections = errors.New("manifest defines no collections")
	ErrOutputOverlap = errors.New("output directory shared by more than one collection")
)

// ErrInvalidManifest is returned by New when the manifest fails validation.
var ErrInvalidManifest = errors.New("invalid manifest")

// ValidationError is one manifest problem, located by collection and field.
type ValidationError struct {
	SourceFile string
	Collection string
	Field      string
	Err        error
}

// Error returns a human-readable string including source file and
// collection context.
func (e *ValidationError) Error() string {
	if e.Collection != "" {
		return e.SourceFile + ": collection " + e.Collection + ": " + e.Err.Error()
	}
	return e.SourceFile + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
