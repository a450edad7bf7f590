package marksync

import "errors"

var (
	ErrNotFound      = errors.New("item not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDepthExceeded = errors.New("nesting depth ceiling exceeded")
	ErrCycle         = errors.New("item cannot be moved into its own subtree")
	ErrUnavailable   = errors.New("host tree unavailable")
)
