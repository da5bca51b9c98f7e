package app

import "errors"

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// This message is intended to be shown to end users and should not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	// ErrEmailNotVerified rejects a login whose password checked out but
	// whose email address is still unverified.
	ErrEmailNotVerified = errors.New("verify your email address before logging in")

	ErrEmailAlreadyExists = errors.New("email already exists")
	ErrMissingFields      = errors.New("all registration fields are required")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidAadhaar     = errors.New("aadhaar number must be 12 digits")
	ErrInvalidPhone       = errors.New("phone number must be 10 digits")
	ErrNotSignedIn        = errors.New("not signed in")
	ErrUserNotFound       = errors.New("user not found")
	ErrPhotoRequired      = errors.New("photo content is required")
	ErrPhotoTooLarge      = errors.New("photo exceeds the maximum allowed size")
)
