package graphfile

import "errors"

// Sentinel errors for definition loading
var (
	ErrInvalidDocument = errors.New("invalid graph definition document")
	ErrSchemaViolation = errors.New("graph definition violates schema")
)
