package storage

import "errors"

// Sentinel errors for storage operations
var (
	ErrNoOutputDir    = errors.New("output directory is not configured")
	ErrOutputDirInUse = errors.New("output directory is locked by another run")
	ErrEmptyPath      = errors.New("path is empty")
)
