package database

import "errors"

// Write path errors
var (
	ErrManagerClosed       = errors.New("database manager is closed")
	ErrManagerShuttingDown = errors.New("database manager is shutting down")
	ErrWriteTimeout        = errors.New("write operation timeout")
)
