package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrInvalidState  = errors.New("invalid state")
	ErrRateLimited   = errors.New("rate limited")
)

// Provider failure classes. Transient failures are retried, permanent ones
// terminate the job on first occurrence.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}

// Transient marks err as a retryable provider failure.
func Transient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return errors.Join(ErrTransient, err)
}

// Permanent marks err as a non-retryable provider failure.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return errors.Join(ErrPermanent, err)
}

// Retryable reports whether a send failure should consume a retry rather
// than fail the job outright. Unclassified errors are retryable.
func Retryable(err error) bool {
	return !errors.Is(err, ErrPermanent)
}
