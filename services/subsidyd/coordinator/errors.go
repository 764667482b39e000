package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when request fields are missing or malformed.
	ErrValidation = errors.New("coordinator: invalid request")
	// ErrConflict is returned when a vendor wallet or account email already exists.
	ErrConflict = errors.New("coordinator: vendor or account already exists")
	// ErrNotFound is returned when the referenced vendor does not exist.
	ErrNotFound = errors.New("coordinator: vendor not found")
	// ErrLedger is returned when the ledger rejected or failed to confirm a write. No
	// relational state was changed.
	ErrLedger = errors.New("coordinator: ledger write failed")
	// ErrDivergence is matched by *DivergenceError.
	ErrDivergence = errors.New("coordinator: ledger and store diverged")
	// ErrStore is returned when a relational write failed before any ledger write.
	ErrStore = errors.New("coordinator: store write failed")
)

// DivergenceError reports a ledger write that was confirmed while the relational
// write that should have followed it failed. The ledger holds state the store does
// not; operators reconcile from the fields carried here.
type DivergenceError struct {
	Operation string
	VendorID  uint
	Wallet    string
	Delta     int64
	TxHash    string
	Err       error
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("coordinator: ledger and store diverged on %s (vendor %d, wallet %s, delta %d, tx %s): %v",
		e.Operation, e.VendorID, e.Wallet, e.Delta, e.TxHash, e.Err)
}

// Unwrap returns the relational failure.
func (e *DivergenceError) Unwrap() error {
	return e.Err
}

// Is matches ErrDivergence.
func (e *DivergenceError) Is(target error) bool {
	return target == ErrDivergence
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// outcome labels an error for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDivergence):
		return "divergence"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLedger):
		return "ledger_error"
	default:
		return "store_error"
	}
}
