package domain

import "errors"

// Errors shared by the broker components. Callers wrap them with
// fmt.Errorf("...: %w", ErrX) and the HTTP layer maps them with errors.Is.
var (
	// ErrAuthN indicates the caller presented an identity that could not be verified.
	ErrAuthN = errors.New("authentication failed")

	// ErrAuth indicates the caller is unknown or not linked to the requested provider.
	ErrAuth = errors.New("not authorized")

	// ErrUser indicates malformed client input.
	ErrUser = errors.New("invalid request")

	// ErrUnconfiguredProvider indicates the requested idp is not configured.
	ErrUnconfiguredProvider = errors.New("provider not configured")

	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInternal indicates an upstream provider failed or misbehaved.
	ErrInternal = errors.New("internal error")
)
