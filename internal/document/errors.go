package document

import "errors"

var (
	// ErrShape indicates source data whose structure cannot form a document,
	// such as a top-level array.
	ErrShape = errors.New("invalid document shape")
	// ErrUnsupportedFormat indicates a file extension with no registered codec.
	ErrUnsupportedFormat = errors.New("unsupported document format")
)
