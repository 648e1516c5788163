// Package syncerr classifies sync failures. The queue's retry policy keys
// off the class, never off error strings.
package syncerr

import "errors"

var (
	// ErrPermissionDenied: the remote store rejected the caller's
	// credentials or zone access. Retrying cannot help.
	ErrPermissionDenied = errors.New("permission denied by remote store")

	// ErrQuotaExceeded: the remote store refused the write for capacity
	// reasons. Treated like a denial: surfaced, not retried forever.
	ErrQuotaExceeded = errors.New("remote store quota exceeded")

	// ErrMalformedPayload: a queued payload cannot be decoded. The single
	// offending item is dead-lettered; the queue keeps moving.
	ErrMalformedPayload = errors.New("malformed operation payload")

	// ErrMissingMapping: a threshold event references an app with no known
	// identifier mapping. Dropped with a diagnostic, never fatal.
	ErrMissingMapping = errors.New("no identifier mapping for app")
)

// Permanent reports whether an error must not be retried.
func Permanent(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrMalformedPayload)
}

// Transient reports whether an error is worth retrying with backoff.
// Anything not classified permanent is assumed to be a network or server
// hiccup.
func Transient(err error) bool {
	return err != nil && !Permanent(err)
}
