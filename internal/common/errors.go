// Package common defines shared sentinel errors used across the sync client
// layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
)
