package payment

import "errors"

var (
	// ErrUnresolvable marks events that can never be applied (unknown user or
	// price). They are acknowledged so the provider stops retrying.
	ErrUnresolvable = errors.New("payment event cannot be applied")

	ErrUnknownPrice = errors.New("unknown price")

	ErrSessionNotPaid = errors.New("checkout session is not paid")

	// ErrSessionNotOwned is returned when a session was opened for another user
	ErrSessionNotOwned = errors.New("checkout session belongs to another user")

	ErrSessionLookup = errors.New("checkout session lookup failed")

	ErrNotConfigured = errors.New("payment provider not configured")
)
