package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Position orders transactions on a ledger: by block, then by index within
// the block.
type Position struct {
	Block uint64
	Index uint64
}

// After reports whether p comes strictly later than other.
func (p Position) After(other Position) bool {
	if p.Block != other.Block {
		return p.Block > other.Block
	}
	return p.Index > other.Index
}

// LockProof is the verified content of a final TokensLocked event.
type LockProof struct {
	TxHash     common.Hash
	Depositor  common.Address
	Amount     *big.Int
	UnlockTime time.Time
	Position   Position
}

// SettlementProof is the verified content of a final TokensSettled event.
// UnlockTime is that of the settled lock. LockTxHash is set when the ledger
// records which lock transaction was settled and is zero otherwise.
type SettlementProof struct {
	TxHash     common.Hash
	Depositor  common.Address
	Recipient  common.Address
	Amount     *big.Int
	UnlockTime time.Time
	LockTxHash common.Hash
	Position   Position
}

// LockState is the live lock slot of a depositor.
type LockState struct {
	Amount     *big.Int
	UnlockTime time.Time
}

// Active reports whether the slot holds tokens.
func (s *LockState) Active() bool {
	return s != nil && s.Amount != nil && s.Amount.Sign() > 0
}

// Verifier confirms that a transaction applied on the escrow ledger and is
// final.
type Verifier interface {
	VerifyLock(ctx context.Context, txHash common.Hash, depositor common.Address) (*LockProof, error)
	VerifySettlement(ctx context.Context, txHash common.Hash, depositor common.Address) (*SettlementProof, error)
}

// LockReader reads live lock slots.
type LockReader interface {
	LockOf(ctx context.Context, depositor common.Address) (*LockState, error)
}
