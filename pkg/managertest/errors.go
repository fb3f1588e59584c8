package managertest

import "errors"

// Sentinel errors for the simulated manager
var (
	ErrNilTask     = errors.New("task is nil")
	ErrForeignFile = errors.New("file was not declared by this manager")
	ErrNoWorkers   = errors.New("no workers connected")
)
