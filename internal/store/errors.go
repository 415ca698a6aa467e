package store

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrCodeConsumed is returned when an authorization code has already
	// been exchanged. The conditional update affecting zero rows is the
	// only source of truth for this; there is no read-then-write window.
	ErrCodeConsumed = errors.New("store: authorization code already consumed")

	// ErrCodeExpired is returned when an authorization code exists but
	// its lifetime has elapsed.
	ErrCodeExpired = errors.New("store: authorization code expired")

	// ErrTokenConsumed is returned when a refresh token has already been
	// rotated or revoked. Callers treat this as a reuse signal.
	ErrTokenConsumed = errors.New("store: refresh token already consumed")

	// ErrDuplicateCredential is returned when a (method, identifier)
	// pair is already bound to an identity. Resolvers retry the lookup
	// on this error to converge concurrent first-use races.
	ErrDuplicateCredential = errors.New("store: credential already registered")

	// ErrDuplicateEmail is returned when the primary email is already
	// owned by another identity.
	ErrDuplicateEmail = errors.New("store: email already registered")
)
