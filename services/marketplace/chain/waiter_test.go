package chain

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestWaitLockBlocksUntilFinal(t *testing.T) {
	client := newFakeEVM(100)
	tx := common.HexToHash("0xbeef")
	client.put(tx, minedReceipt(100, gethtypes.ReceiptStatusSuccessful, lockLog(t, testLocker, testDepositor, 7, 8)))
	waiter := NewWaiter(NewEVMVerifier(client, testLocker, Finality{Confirmations: 3}), 5*time.Millisecond, 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.advance(2)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	proof, err := waiter.WaitLock(ctx, tx, testDepositor)
	require.NoError(t, err)
	require.Equal(t, int64(7), proof.Amount.Int64())
}

func TestWaitLockWaitsForMining(t *testing.T) {
	client := newFakeEVM(100)
	tx := common.HexToHash("0xcafe")
	waiter := NewWaiter(NewEVMVerifier(client, testLocker, Finality{Confirmations: 1}), 5*time.Millisecond, time.Second)
	receipt := minedReceipt(100, gethtypes.ReceiptStatusSuccessful, lockLog(t, testLocker, testDepositor, 1, 2))
	go func() {
		time.Sleep(20 * time.Millisecond)
		client.put(tx, receipt)
	}()
	_, err := waiter.VerifyLock(context.Background(), tx, testDepositor)
	require.NoError(t, err)
}

func TestWaitLockReturnsTerminalErrorsImmediately(t *testing.T) {
	client := newFakeEVM(100)
	tx := common.HexToHash("0xdead")
	client.put(tx, minedReceipt(90, gethtypes.ReceiptStatusFailed))
	waiter := NewWaiter(NewEVMVerifier(client, testLocker, Finality{Confirmations: 1}), time.Hour, 0)

	start := time.Now()
	_, err := waiter.WaitLock(context.Background(), tx, testDepositor)
	require.ErrorIs(t, err, ErrTxReverted)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 1, client.calls)
}

func TestWaitLockHonoursTimeout(t *testing.T) {
	client := newFakeEVM(100)
	waiter := NewWaiter(NewEVMVerifier(client, testLocker, Finality{Confirmations: 1}), 5*time.Millisecond, 30*time.Millisecond)
	_, err := waiter.WaitLock(context.Background(), common.HexToHash("0x99"), testDepositor)
	require.ErrorIs(t, err, ErrTxNotFound)
	require.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

func TestWaitLockHonoursCancellation(t *testing.T) {
	client := newFakeEVM(100)
	waiter := NewWaiter(NewEVMVerifier(client, testLocker, Finality{Confirmations: 1}), 5*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := waiter.WaitLock(ctx, common.HexToHash("0x98"), testDepositor)
	require.Error(t, err)
	require.Contains(t, err.Error(), context.Canceled.Error())
}
