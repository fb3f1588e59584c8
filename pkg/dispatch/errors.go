package dispatch

import "errors"

// Sentinel errors for dispatch operations
var (
	ErrEdgeAlreadyFired = errors.New("dependency edge fired twice")
	ErrUnknownChild     = errors.New("unknown child node")
	ErrUnresolvedTask   = errors.New("returned task resolves to no node")
)
