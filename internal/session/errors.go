package session

import "errors"

var (
	ErrUnknownService     = errors.New("service not found")
	ErrServiceUnavailable = errors.New("service is not taking tickets")
	ErrUnknownCounter     = errors.New("counter not found")
	ErrDuplicateCode      = errors.New("counter code already in use")
	ErrClosed             = errors.New("session closed")
)
