package transport

import "errors"

// ErrNotReady means the adapter exists but its session is not usable yet
// (still connecting, or mid-reconnect). Always worth retrying.
var ErrNotReady = errors.New("transport: adapter not ready")

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a temporary delivery failure. Callers that retry
// check IsTransient; anything unmarked counts as permanent.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked by Transient or is ErrNotReady.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotReady) {
		return true
	}
	var te *transientError
	return errors.As(err, &te)
}
