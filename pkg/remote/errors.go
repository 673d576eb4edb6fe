package remote

import (
	"errors"
	"fmt"
	"time"
)

// Configuration errors: fatal to the operation, never retried.
var ErrNotConfigured = errors.New("remote api credentials not configured")

// Login-flow validation errors. All are terminal for the attempt except
// ErrTwoFactorNeeded, which pauses the attempt (client and lock kept) until
// the caller supplies a password.
var (
	ErrTwoFactorNeeded = errors.New("second factor required")
	ErrCodeInvalid     = errors.New("verification code invalid")
	ErrCodeExpired     = errors.New("verification code expired")
	ErrPasswordInvalid = errors.New("second-factor password invalid")
	ErrPhoneInvalid    = errors.New("phone number invalid")
	ErrNotAuthorized   = errors.New("not authorized")
)

// ErrStorageLocked is transient local contention on the native session
// storage. The runner retries it internally with linear backoff.
var ErrStorageLocked = errors.New("session storage locked")

// errSessionInvalid underlies SessionInvalid wrappers: the stored credentials
// are dead (revoked, unregistered, deactivated) and the account must log in
// again. Never retried automatically.
var errSessionInvalid = errors.New("session invalid")

// SessionInvalid marks err as an invalid/expired-credential failure.
func SessionInvalid(err error) error {
	if err == nil {
		return errSessionInvalid
	}
	return fmt.Errorf("%w: %w", errSessionInvalid, err)
}

// IsSessionInvalid reports whether err indicates dead stored credentials.
func IsSessionInvalid(err error) bool {
	return errors.Is(err, errSessionInvalid)
}

// FloodWait wraps err with the server-specified retry-after duration.
// Callers decide whether to retry; the duration must be surfaced to them.
func FloodWait(err error, after time.Duration) error {
	if after < 0 {
		after = 0
	}
	return floodWaitError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfterOf extracts a retry-after hint from err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

type floodWaitError struct {
	err   error
	after time.Duration
}

func (e floodWaitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("rate limited, retry after %s", e.after)
	}
	return fmt.Sprintf("rate limited, retry after %s: %v", e.after, e.err)
}
func (e floodWaitError) Unwrap() error             { return e.err }
func (e floodWaitError) RetryAfter() time.Duration { return e.after }
