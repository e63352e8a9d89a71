package store

import "errors"

// ErrLoadInFlight is returned when a full reload is requested while
// another directory load is still running.
var ErrLoadInFlight = errors.New("directory load already in flight")

// ErrNoOpenConversation is returned when an optimistic append is
// attempted before any conversation has been selected.
var ErrNoOpenConversation = errors.New("no open conversation")
