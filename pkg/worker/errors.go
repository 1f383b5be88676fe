package worker

import "errors"

// Pool construction and lifecycle errors.
var (
	// ErrNilProcessor indicates NewPool was called without a processor.
	ErrNilProcessor = errors.New("worker pool requires a processor function")
)
