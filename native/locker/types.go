package locker

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	// Decimals is the precision of the custodied token.
	Decimals = 6
	// MinDuration is the shortest lock accepted, in seconds.
	MinDuration uint64 = 1
	// MaxDuration is the longest lock accepted (168 hours), in seconds.
	MaxDuration uint64 = 168 * 60 * 60
)

// Call names recorded on receipts. They mirror the contract ABI so that the
// in-process ledger and the EVM deployment report identical methods.
const (
	MethodMint    = "mint"
	MethodApprove = "approve"
	MethodLock    = "lockTokens"
	MethodRelease = "unlockTokens"
	MethodSettle  = "settle"
)

// Receipt statuses follow the EVM convention.
const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

// VaultAddress holds every custodied token while a lock is live.
var VaultAddress = common.BytesToAddress(crypto.Keccak256([]byte("cryptobazaar/locker/vault"))[12:])

// Lock is the single lock slot kept per depositor. An empty slot has a zero
// amount and a zero unlock time. TxHash is the lockTokens call that opened it.
type Lock struct {
	Amount     *uint256.Int
	UnlockTime uint64
	TxHash     common.Hash
}

// Active reports whether the slot currently custodies tokens.
func (l Lock) Active() bool {
	return l.Amount != nil && !l.Amount.IsZero()
}

// Matured reports whether the depositor may withdraw at the provided time.
func (l Lock) Matured(now uint64) bool {
	return now >= l.UnlockTime
}

// Clone returns a deep copy of the lock.
func (l Lock) Clone() Lock {
	out := Lock{UnlockTime: l.UnlockTime, TxHash: l.TxHash, Amount: new(uint256.Int)}
	if l.Amount != nil {
		out.Amount.Set(l.Amount)
	}
	return out
}

// Receipt is the stored outcome of a ledger call. Failed calls keep a receipt
// with ReceiptStatusFailed and the revert reason so clients can inspect why
// the transaction did not apply.
//
// Height is the ledger-wide position of the call and orders receipts across
// callers. LockTxHash names the lock a release or settlement emptied.
type Receipt struct {
	TxHash     common.Hash
	Method     string
	Caller     common.Address
	Nonce      uint64
	Height     uint64
	Status     uint64
	Revert     string
	Timestamp  uint64
	Amount     *uint256.Int
	UnlockTime uint64
	Depositor  common.Address
	Recipient  common.Address
	LockTxHash common.Hash
}

// Succeeded reports whether the call applied.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == ReceiptStatusSuccessful
}

// Clone returns a deep copy of the receipt.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	out := *r
	out.Amount = new(uint256.Int)
	if r.Amount != nil {
		out.Amount.Set(r.Amount)
	}
	return &out
}
