package core

import (
	"errors"
)

var (
	ErrNotInitialized = errors.New("not initialized")
	ErrShuttingDown   = errors.New("shutting down")
)
