package engine

import "errors"

// Sentinel errors for execution
var (
	// Setup errors
	ErrAlreadyExecuted    = errors.New("engine already executed")
	ErrMetricsNotComputed = errors.New("topology metrics have not been computed")
	ErrNoProxyFunction    = errors.New("proxy function name is not set")
	ErrNoProxyLibrary     = errors.New("proxy library name is not set")

	// Execution errors
	ErrTaskFailed          = errors.New("task failed with no retries left")
	ErrInterrupted         = errors.New("execution interrupted")
	ErrDuplicateCompletion = errors.New("duplicate completion")
)
