package interfaces

import "errors"

// ErrNotFound is returned when a job, step, or work item does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyTerminal is returned when a completion targets a work item that
// already reached a terminal status. The coordinator maps it to 409.
var ErrAlreadyTerminal = errors.New("work item is already terminal")
