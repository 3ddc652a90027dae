package access

import "errors"

var (
	// ErrForbidden is the only error a denied caller ever sees. The concrete
	// reason goes to the access log, never over the wire.
	ErrForbidden = errors.New("access: forbidden")

	ErrInvalidInput = errors.New("access: invalid input")
	ErrNotFound     = errors.New("access: not found")
)
