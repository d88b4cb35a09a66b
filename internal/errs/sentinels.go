// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/client/session layers.
var (
	// ErrNotFound indicates the requested key does not exist in the persistent store.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the identity service rejected the credentials or token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoSession indicates an operation that needs an active identity was called without one.
	ErrNoSession = errors.New("no active session")

	// ErrSessionChanged indicates renewed credentials arrived for a session that has since ended or been replaced.
	ErrSessionChanged = errors.New("session changed")

	// ErrTransport indicates the identity service could not be reached or answered garbage.
	ErrTransport = errors.New("transport error")

	// ErrRefreshFailed indicates the access token could not be renewed.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrInvalidRole indicates a role outside student/counselor/admin.
	ErrInvalidRole = errors.New("invalid role")

	// ErrInvalidStep indicates an onboarding transition that is not allowed from the current step.
	ErrInvalidStep = errors.New("invalid onboarding step")
)
