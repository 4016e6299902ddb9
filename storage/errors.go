package storage

import "errors"

// Sentinel errors returned by storage implementations. Callers match with
// errors.Is so backends may wrap them with additional detail.
var (
	// ErrTokenNotFound indicates no record exists for the client identity.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the record is past its expiry and cannot be
	// refreshed (no refresh token present).
	ErrTokenExpired = errors.New("token expired")

	// ErrRedirectNotFound indicates the state token is unknown or was already
	// consumed.
	ErrRedirectNotFound = errors.New("pending redirect not found")

	// ErrRedirectExpired indicates the pending redirect outlived its TTL.
	ErrRedirectExpired = errors.New("pending redirect expired")
)
