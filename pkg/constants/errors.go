package constants

import "errors"

// Errors
var (
	ErrInvalidResponse = errors.New("invalid gateway response")
	ErrNotConfigured   = errors.New("gateway not configured")
	ErrNoNonce         = errors.New("gateway did not return a nonce")
	ErrClosed          = errors.New("client closed")
)
