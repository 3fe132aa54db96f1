package chain

import "errors"

var (
	ErrTxNotFound               = errors.New("chain: transaction not found")
	ErrTxReverted               = errors.New("chain: transaction reverted")
	ErrNotFinalized             = errors.New("chain: transaction not finalized")
	ErrNotLockTransaction       = errors.New("chain: transaction did not lock tokens")
	ErrDepositorMismatch        = errors.New("chain: lock belongs to a different depositor")
	ErrNotSettlementTransaction = errors.New("chain: transaction did not settle tokens")
	ErrNoSigner                 = errors.New("chain: signing key not configured")
	ErrInvalidDuration          = errors.New("chain: lock duration out of range")
)

// Retryable reports whether a verification failure may clear on its own as
// the chain advances. Everything else is final for that transaction.
func Retryable(err error) bool {
	return errors.Is(err, ErrNotFinalized) || errors.Is(err, ErrTxNotFound)
}
