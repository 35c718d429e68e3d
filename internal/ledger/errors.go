package ledger

import "errors"

var (
	// ErrInvalidQuantity rejects zero or negative quantities.
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")

	// ErrInsufficientAvailableQuantity means the unit does not hold enough
	// available quantity for the requested reserve or retire.
	ErrInsufficientAvailableQuantity = errors.New("insufficient available quantity")

	// ErrNotFound is returned when a credit unit or reservation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReservationExhausted means a commit or release asked for more than
	// the reservation still holds. Reservations are sized at creation, so this
	// indicates a coordination bug, not bad input.
	ErrReservationExhausted = errors.New("reservation holds less than requested quantity")
)
