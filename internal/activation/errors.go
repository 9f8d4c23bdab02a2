package activation

import (
	"errors"
	"fmt"

	"sheetkey-license-bot/internal/store"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrExpired               = errors.New("expired")
	ErrConflict              = errors.New("state changed, fetch and retry")
	ErrUnauthorized          = errors.New("identity mismatch")
	ErrForbidden             = errors.New("exceeded attempts, contact administrator")
	ErrDeviceLimitReached    = errors.New("device limit reached")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	ErrBlocked               = errors.New("too many re-subscriptions, try again later")
	ErrRequestLimit          = errors.New("request limit reached")
	ErrInvalidInput          = errors.New("invalid input")
)

var domainErrors = []error{
	ErrNotFound,
	ErrExpired,
	ErrConflict,
	ErrUnauthorized,
	ErrForbidden,
	ErrDeviceLimitReached,
	ErrDownstreamUnavailable,
	ErrBlocked,
	ErrRequestLimit,
	ErrInvalidInput,
}

// errUnchanged aborts a store transaction whose callback decided nothing needs writing.
var errUnchanged = errors.New("unchanged")

// AttemptsError is a failed match that still leaves the caller some tries.
type AttemptsError struct {
	Remaining int
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("%s: %d attempts remaining", ErrUnauthorized, e.Remaining)
}

func (e *AttemptsError) Unwrap() error { return ErrUnauthorized }

// RemainingAttempts extracts the remaining-attempts count from an Unauthorized outcome.
func RemainingAttempts(err error) (int, bool) {
	var ae *AttemptsError
	if errors.As(err, &ae) {
		return ae.Remaining, true
	}
	return 0, false
}

// classify turns anything that is not part of the taxonomy into ErrDownstreamUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
}

// resultLabel names an outcome for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrDeviceLimitReached):
		return "device_limit"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrRequestLimit):
		return "limited"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
