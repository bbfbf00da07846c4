package collection

import "errors"

var (
	// ErrUnknownGrouping indicates a grouping strategy name that has no GroupFunc.
	ErrUnknownGrouping = errors.New("unknown grouping strategy")
	// ErrNotInitialized indicates a file was loaded before Init ran the
	// schema and bootstrap hooks.
	ErrNotInitialized = errors.New("collection service not initialized")
)
