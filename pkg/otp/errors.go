package otp

import "errors"

var (
	// ErrMissingPhone means the session has no phone number to link.
	ErrMissingPhone = errors.New("phone number is required before verification")
	// ErrChallengeDispatch means the verification code could not be sent.
	ErrChallengeDispatch = errors.New("failed to send verification code")
	// ErrResendCooldown means a challenge was requested again too soon.
	ErrResendCooldown = errors.New("verification code already sent, wait before resending")
	// ErrInvalidCode rejects a redemption that cannot possibly succeed:
	// malformed code or no pending challenge. No lookup is performed.
	ErrInvalidCode = errors.New("verification code is invalid")
	// ErrCodeRedemption means the code did not match the pending challenge.
	ErrCodeRedemption = errors.New("incorrect verification code")
	// ErrRedeemInFlight rejects a redemption while another is running.
	ErrRedeemInFlight = errors.New("verification already in progress")
	// ErrTooManyAttempts means the anti-abuse verifier refused the phone.
	ErrTooManyAttempts = errors.New("too many verification requests for this phone")
)
