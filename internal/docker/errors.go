package docker

import "errors"

var (
	// ErrNotFound indicates the requested Docker resource was not found.
	ErrNotFound = errors.New("docker: resource not found")
	// ErrNotInitialized is returned by methods called on a nil client.
	ErrNotInitialized = errors.New("docker: client not initialized")
)
