package pds

import (
	"errors"
	"fmt"
	"time"
)

// Machine-readable error codes. Server-originated codes are carried
// through verbatim; client-originated ones are minted here.
const (
	CodeRateLimitExceeded    = "RateLimitExceeded"
	CodeExpiredToken         = "ExpiredToken"
	CodeInvalidToken         = "InvalidToken"
	CodeAuthRequired         = "AuthenticationRequired"
	CodeAuthFactorRequired   = "AuthFactorTokenRequired"
	CodeInvalidInviteCode    = "InvalidInviteCode"
	CodeAccountAlreadyExists = "AlreadyExists"
	CodeBlobNotFound         = "BlobNotFound"
	CodeRepoNotFound         = "RepoNotFound"

	// CodeIdentityMismatch is minted client-side when account creation
	// returns an identity other than the one requested.
	CodeIdentityMismatch = "IdentityMismatch"
)

// Error is the tagged protocol error returned by every client
// operation. Callers switch on Code rather than on concrete types.
type Error struct {
	Code       string
	Message    string
	StatusCode int

	// RetryAfter is the server-supplied backoff hint, zero when the
	// server gave none.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// AsError extracts a protocol error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRateLimited reports whether the error is a rate-limit signal.
func IsRateLimited(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Code == CodeRateLimitExceeded
}

// IsAuthFactorRequired reports whether a login was rejected pending a
// second-factor code. This is not an authentication failure and must
// never be swallowed by a generic auth handler.
func IsAuthFactorRequired(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Code == CodeAuthFactorRequired
}

// IsExpiredToken reports whether the error indicates the access or
// refresh token is no longer accepted.
func IsExpiredToken(err error) bool {
	pe, ok := AsError(err)
	return ok && (pe.Code == CodeExpiredToken || pe.Code == CodeInvalidToken)
}

// Fatal reports whether retrying the operation can never change the
// outcome.
func Fatal(err error) bool {
	pe, ok := AsError(err)
	if !ok {
		return false
	}
	switch pe.Code {
	case CodeIdentityMismatch, CodeInvalidInviteCode, CodeAccountAlreadyExists:
		return true
	}
	return false
}
