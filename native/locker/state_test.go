package locker

import (
	"testing"

	"github.com/holiman/uint256"

	"cryptobazaar/storage"
)

func TestOverlayStagesUntilCommit(t *testing.T) {
	db := storage.NewMemDB()
	o := newOverlay(db)
	o.setBalance(seller, uint256.NewInt(7))
	lockTx := TxHash(seller, 0, MethodLock)
	if err := o.setLock(seller, Lock{Amount: uint256.NewInt(7), UnlockTime: 42, TxHash: lockTx}); err != nil {
		t.Fatalf("set lock: %v", err)
	}

	if bal, _ := newOverlay(db).balance(seller); !bal.IsZero() {
		t.Fatalf("staged balance leaked before commit: %s", bal.Dec())
	}
	if got, _ := o.balance(seller); got.Uint64() != 7 {
		t.Fatalf("overlay must read its own writes, got %s", got.Dec())
	}
	if err := o.commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	fresh := newOverlay(db)
	lock, err := fresh.lock(seller)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if lock.Amount.Uint64() != 7 || lock.UnlockTime != 42 || lock.TxHash != lockTx {
		t.Fatalf("unexpected lock %+v", lock)
	}

	fresh.setBalance(seller, new(uint256.Int))
	if err := fresh.setLock(seller, Lock{}); err != nil {
		t.Fatalf("clear lock: %v", err)
	}
	if err := fresh.commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ok, _ := db.Has(balanceKey(seller)); ok {
		t.Fatalf("zero balance should delete the key")
	}
	if ok, _ := db.Has(lockKey(seller)); ok {
		t.Fatalf("empty lock should delete the key")
	}
}

func TestReceiptRoundTripKeepsRevert(t *testing.T) {
	db := storage.NewMemDB()
	o := newOverlay(db)
	want := &Receipt{
		TxHash:     TxHash(seller, 9, MethodLock),
		Method:     MethodLock,
		Caller:     seller,
		Nonce:      9,
		Status:     ReceiptStatusFailed,
		Revert:     ErrInvalidDuration.Error(),
		Height:     4,
		Timestamp:  11,
		Amount:     uint256.NewInt(5),
		LockTxHash: TxHash(seller, 8, MethodLock),
	}
	if err := o.setReceipt(want); err != nil {
		t.Fatalf("set receipt: %v", err)
	}
	if err := o.commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := newOverlay(db).receipt(want.TxHash)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if got.Revert != want.Revert || got.Nonce != 9 || got.Amount.Uint64() != 5 || got.Succeeded() {
		t.Fatalf("unexpected receipt %+v", got)
	}
	if got.Height != 4 || got.LockTxHash != want.LockTxHash {
		t.Fatalf("unexpected receipt %+v", got)
	}
}
