package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cryptobazaar/native/locker"
)

// LedgerVerifier verifies calls against the in-process ledger engine. A
// committed receipt is final, so no confirmation depth applies.
type LedgerVerifier struct {
	engine *locker.Engine
}

// NewLedgerVerifier wraps engine.
func NewLedgerVerifier(engine *locker.Engine) *LedgerVerifier {
	return &LedgerVerifier{engine: engine}
}

func (v *LedgerVerifier) receipt(txHash common.Hash, method string, mismatch error) (*locker.Receipt, error) {
	if v == nil || v.engine == nil {
		return nil, fmt.Errorf("ledger verifier not initialised")
	}
	receipt, err := v.engine.Receipt(txHash)
	if errors.Is(err, locker.ErrReceiptNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txHash.Hex())
	}
	if err != nil {
		return nil, err
	}
	if !receipt.Succeeded() {
		return nil, fmt.Errorf("%w: %s (%s)", ErrTxReverted, txHash.Hex(), receipt.Revert)
	}
	if receipt.Method != method {
		return nil, fmt.Errorf("%w: %s is %s", mismatch, txHash.Hex(), receipt.Method)
	}
	return receipt, nil
}

// VerifyLock implements Verifier.
func (v *LedgerVerifier) VerifyLock(_ context.Context, txHash common.Hash, depositor common.Address) (*LockProof, error) {
	receipt, err := v.receipt(txHash, locker.MethodLock, ErrNotLockTransaction)
	if err != nil {
		return nil, err
	}
	if receipt.Depositor != depositor {
		return nil, fmt.Errorf("%w: %s", ErrDepositorMismatch, txHash.Hex())
	}
	return &LockProof{
		TxHash:     txHash,
		Depositor:  receipt.Depositor,
		Amount:     receipt.Amount.ToBig(),
		UnlockTime: time.Unix(int64(receipt.UnlockTime), 0).UTC(),
		Position:   Position{Block: receipt.Height},
	}, nil
}

// VerifySettlement implements Verifier.
func (v *LedgerVerifier) VerifySettlement(_ context.Context, txHash common.Hash, depositor common.Address) (*SettlementProof, error) {
	receipt, err := v.receipt(txHash, locker.MethodSettle, ErrNotSettlementTransaction)
	if err != nil {
		return nil, err
	}
	if receipt.Depositor != depositor {
		return nil, fmt.Errorf("%w: %s", ErrDepositorMismatch, txHash.Hex())
	}
	return &SettlementProof{
		TxHash:     txHash,
		Depositor:  receipt.Depositor,
		Recipient:  receipt.Recipient,
		Amount:     receipt.Amount.ToBig(),
		UnlockTime: time.Unix(int64(receipt.UnlockTime), 0).UTC(),
		LockTxHash: receipt.LockTxHash,
		Position:   Position{Block: receipt.Height},
	}, nil
}

// LedgerReader reads live lock slots from the in-process ledger.
type LedgerReader struct {
	engine *locker.Engine
}

// NewLedgerReader wraps engine.
func NewLedgerReader(engine *locker.Engine) *LedgerReader {
	return &LedgerReader{engine: engine}
}

// LockOf implements LockReader.
func (r *LedgerReader) LockOf(_ context.Context, depositor common.Address) (*LockState, error) {
	if r == nil || r.engine == nil {
		return nil, fmt.Errorf("ledger reader not initialised")
	}
	lock, err := r.engine.LockOf(depositor)
	if err != nil {
		return nil, err
	}
	state := &LockState{Amount: lock.Amount.ToBig()}
	if lock.UnlockTime > 0 {
		state.UnlockTime = time.Unix(int64(lock.UnlockTime), 0).UTC()
	}
	return state, nil
}
