package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const defaultPollInterval = 2 * time.Second

// Waiter blocks until a transaction verified by the wrapped Verifier is
// final. Terminal failures (reverted, not a lock, wrong depositor) return
// immediately; only "not yet mined" and "not yet final" are waited out.
type Waiter struct {
	verifier Verifier
	interval time.Duration
	timeout  time.Duration
}

// NewWaiter wraps verifier. A zero interval falls back to two seconds; a zero
// timeout means the caller's context alone bounds the wait.
func NewWaiter(verifier Verifier, interval, timeout time.Duration) *Waiter {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Waiter{verifier: verifier, interval: interval, timeout: timeout}
}

// WaitLock blocks until txHash is a final lock by depositor.
func (w *Waiter) WaitLock(ctx context.Context, txHash common.Hash, depositor common.Address) (*LockProof, error) {
	var proof *LockProof
	err := w.wait(ctx, func(ctx context.Context) error {
		var err error
		proof, err = w.verifier.VerifyLock(ctx, txHash, depositor)
		return err
	})
	return proof, err
}

// WaitSettlement blocks until txHash is a final settlement of depositor's lock.
func (w *Waiter) WaitSettlement(ctx context.Context, txHash common.Hash, depositor common.Address) (*SettlementProof, error) {
	var proof *SettlementProof
	err := w.wait(ctx, func(ctx context.Context) error {
		var err error
		proof, err = w.verifier.VerifySettlement(ctx, txHash, depositor)
		return err
	})
	return proof, err
}

// VerifyLock lets a Waiter stand in for a Verifier, waiting at most the
// configured timeout.
func (w *Waiter) VerifyLock(ctx context.Context, txHash common.Hash, depositor common.Address) (*LockProof, error) {
	return w.WaitLock(ctx, txHash, depositor)
}

// VerifySettlement lets a Waiter stand in for a Verifier.
func (w *Waiter) VerifySettlement(ctx context.Context, txHash common.Hash, depositor common.Address) (*SettlementProof, error) {
	return w.WaitSettlement(ctx, txHash, depositor)
}

func (w *Waiter) wait(ctx context.Context, check func(context.Context) error) error {
	if w == nil || w.verifier == nil {
		return fmt.Errorf("waiter not initialised")
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		err := check(ctx)
		if err == nil || !Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			// Report the chain condition the caller was waiting on.
			return fmt.Errorf("%w (gave up: %v)", err, ctx.Err())
		case <-ticker.C:
		}
	}
}
