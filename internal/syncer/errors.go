package syncer

import "errors"

// Validation failures, rejected before any optimistic write.
var (
	ErrEmptyBody    = errors.New("message body is empty")
	ErrNoSelection  = errors.New("no conversation selected")
	ErrInvalidPhone = errors.New("invalid phone identifier")
)
