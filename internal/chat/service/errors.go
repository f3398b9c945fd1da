package service

import "errors"

// Validation reasons. Validate reports these in Validation.Reason, the
// other operations return them wrapped.
var (
	ErrMalformedToken      = errors.New("malformed_token")
	ErrExpiredClaim        = errors.New("expired_claim")
	ErrStoredExpired       = errors.New("stored_expired")
	ErrTokenRevoked        = errors.New("token_revoked")
	ErrUnknownToken        = errors.New("unknown_token")
	ErrFingerprintMismatch = errors.New("fingerprint_mismatch")
	ErrSubjectMismatch     = errors.New("subject_mismatch")
	ErrUnsupportedToken    = errors.New("unsupported_token")
)

var (
	ErrNoTokenPresent     = errors.New("no_token_present")
	ErrTokenNotFound      = errors.New("token_not_found")
	ErrInvalidToken       = errors.New("invalid_token")
	ErrDuplicateToken     = errors.New("duplicate_token")
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrUserExists         = errors.New("user_exists")
	ErrInvalidInput       = errors.New("invalid_input")
)

// reasonLabel is the metrics label for a validation reason.
func reasonLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
