// Package apperrors holds the sentinel errors shared across TalonWatch roles.
package apperrors

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrMalformedRecord    = errors.New("malformed metrics record")
	ErrMalformedEvent     = errors.New("malformed event")
	ErrUnknownEvent       = errors.New("unknown event")
	ErrNotProbe           = errors.New("sender is not a probe")
	ErrRelayUnavailable   = errors.New("relay unavailable")
)
