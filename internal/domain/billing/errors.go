package billing

import "errors"

var (
	// ErrInsufficientCredits is returned when the balance is below the requested amount
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrAccountFrozen is returned while the payment provider reports the account delinquent
	ErrAccountFrozen = errors.New("account frozen")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	ErrInvalidKey = errors.New("idempotency key is required")

	ErrInvalidUserID = errors.New("user id is required")

	ErrInvalidPlan = errors.New("invalid plan")

	// ErrHoldNotFound is returned by GetHold; FinalizeDebit reports a missing hold as a status instead
	ErrHoldNotFound = errors.New("hold not found")

	ErrAccountNotFound = errors.New("billing account not found")

	// ErrKeyConflict is returned when an idempotency key was already used by another user
	ErrKeyConflict = errors.New("idempotency key belongs to another user")

	ErrCustomerRefInUse = errors.New("payment customer already linked to another account")

	ErrInternal = errors.New("internal error")
)

// IsPaymentRequired reports whether err should send the user to a purchase or billing-fix flow.
func IsPaymentRequired(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrAccountFrozen)
}
