package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these sentinels so the
// business layer can classify failures without knowing wire details.
var (
	// General errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Venue errors (spec'd failure taxonomy)
	ErrInvalidSize          = errors.New("order size below minimum or zero after rounding")
	ErrInvalidPrice         = errors.New("order price outside permissible range")
	ErrPositionModeMismatch = errors.New("order position side conflicts with account position mode")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrUnauthorized         = errors.New("venue authentication failed")
	ErrTransport            = errors.New("transport-level failure")
	ErrCircuitOpen          = errors.New("venue scheduler circuit breaker is open")
	ErrImmediateTrigger     = errors.New("order price too close to market, would trigger immediately")
	ErrReduceOnlyRejected   = errors.New("reduce-only order rejected, position already closed")

	// Database errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
	ErrBotHasExposure = errors.New("bot still has open positions")
)

// VenueRejectedError carries the venue's rejection code and message for
// errors that have no dedicated sentinel.
type VenueRejectedError struct {
	Code    int64
	Message string
}

func (e *VenueRejectedError) Error() string {
	return fmt.Sprintf("venue rejected request (code %d): %s", e.Code, e.Message)
}

// IsPermanent reports whether the error is a permanent venue rejection that
// must not be retried.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrInvalidSize) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrPositionModeMismatch) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrReduceOnlyRejected) {
		return true
	}
	var rejected *VenueRejectedError
	return errors.As(err, &rejected)
}

// IsTransient reports whether the error is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTransport)
}
