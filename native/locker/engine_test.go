package locker

import (
	"errors"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cryptobazaar/core/events"
	"cryptobazaar/storage"
)

const hour = uint64(60 * 60)

var (
	seller   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type clock struct{ now int64 }

func (c *clock) Now() int64 { return c.now }

func usdc(whole uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(whole), uint256.NewInt(1_000_000))
}

func newTestEngine(t *testing.T) (*Engine, *clock, *events.Recorder) {
	t.Helper()
	clk := &clock{now: 1_700_000_000}
	rec := &events.Recorder{}
	engine := NewEngine(storage.NewMemDB())
	engine.SetNowFunc(clk.Now)
	engine.SetEmitter(rec)
	engine.SetOperator(operator)
	if err := engine.Mint(seller, usdc(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return engine, clk, rec
}

func approveAndLock(t *testing.T, engine *Engine, amount *uint256.Int, duration uint64) *Receipt {
	t.Helper()
	if _, err := engine.Approve(seller, VaultAddress, amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	receipt, err := engine.Lock(seller, amount, duration)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	return receipt
}

func mustBalance(t *testing.T, engine *Engine, addr common.Address) *uint256.Int {
	t.Helper()
	bal, err := engine.BalanceOf(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func assertConservation(t *testing.T, engine *Engine) {
	t.Helper()
	total := new(uint256.Int)
	for _, addr := range []common.Address{seller, buyer, operator, VaultAddress} {
		total.Add(total, mustBalance(t, engine, addr))
	}
	supply, err := engine.TotalSupply()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if !total.Eq(supply) {
		t.Fatalf("balances %s do not sum to supply %s", total.Dec(), supply.Dec())
	}
	lock, err := engine.LockOf(seller)
	if err != nil {
		t.Fatalf("lock of: %v", err)
	}
	if !mustBalance(t, engine, VaultAddress).Eq(lock.Amount) {
		t.Fatalf("vault %s does not match locked %s", mustBalance(t, engine, VaultAddress).Dec(), lock.Amount.Dec())
	}
}

func TestLockMovesTokensIntoVault(t *testing.T) {
	engine, clk, rec := newTestEngine(t)
	receipt := approveAndLock(t, engine, usdc(100), 24*hour)

	if !receipt.Succeeded() || receipt.Method != MethodLock {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if receipt.UnlockTime != uint64(clk.now)+24*hour {
		t.Fatalf("unexpected unlock time %d", receipt.UnlockTime)
	}
	lock, err := engine.LockOf(seller)
	if err != nil {
		t.Fatalf("lock of: %v", err)
	}
	if !lock.Active() || !lock.Amount.Eq(usdc(100)) || lock.UnlockTime != receipt.UnlockTime {
		t.Fatalf("unexpected lock %+v", lock)
	}
	if !mustBalance(t, engine, seller).Eq(usdc(900)) {
		t.Fatalf("unexpected seller balance %s", mustBalance(t, engine, seller).Dec())
	}
	allowance, _ := engine.Allowance(seller, VaultAddress)
	if !allowance.IsZero() {
		t.Fatalf("expected allowance consumed, got %s", allowance.Dec())
	}
	assertConservation(t, engine)

	got := rec.Events()
	if len(got) != 1 || got[0].Type != events.TypeTokensLocked {
		t.Fatalf("expected a single TokensLocked event, got %+v", got)
	}
	if got[0].Attributes["amount"] != "100000000" || got[0].Attributes["user"] != seller.Hex() {
		t.Fatalf("unexpected event attributes %+v", got[0].Attributes)
	}

	stored, err := engine.Receipt(receipt.TxHash)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if stored.TxHash != receipt.TxHash || !stored.Amount.Eq(usdc(100)) || stored.Status != ReceiptStatusSuccessful {
		t.Fatalf("stored receipt mismatch %+v", stored)
	}
}

func TestLockValidationOrder(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	cases := []struct {
		name     string
		amount   *uint256.Int
		duration uint64
		want     error
	}{
		{name: "zero amount", amount: uint256.NewInt(0), duration: hour, want: ErrInvalidAmount},
		{name: "nil amount", amount: nil, duration: 0, want: ErrInvalidAmount},
		{name: "zero duration", amount: usdc(1), duration: 0, want: ErrInvalidDuration},
		{name: "too long", amount: usdc(1), duration: MaxDuration + 1, want: ErrInvalidDuration},
		{name: "no allowance", amount: usdc(1), duration: hour, want: ErrInsufficientAllowance},
	}
	for _, tc := range cases {
		receipt, err := engine.Lock(seller, tc.amount, tc.duration)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if receipt == nil || receipt.Status != ReceiptStatusFailed || receipt.Revert != tc.want.Error() {
			t.Fatalf("%s: expected failed receipt, got %+v", tc.name, receipt)
		}
	}

	if _, err := engine.Approve(seller, VaultAddress, usdc(5_000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := engine.Lock(seller, usdc(5_000), hour); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := engine.Lock(seller, usdc(10), MaxDuration); err != nil {
		t.Fatalf("max duration lock: %v", err)
	}
	if _, err := engine.Lock(seller, usdc(10), hour); !errors.Is(err, ErrLockAlreadyActive) {
		t.Fatalf("expected ErrLockAlreadyActive, got %v", err)
	}
	lock, _ := engine.LockOf(seller)
	if !lock.Amount.Eq(usdc(10)) {
		t.Fatalf("second lock must not alter the slot, got %s", lock.Amount.Dec())
	}
	assertConservation(t, engine)
}

func TestRevertedCallStillAdvancesNonce(t *testing.T) {
	engine, _, rec := newTestEngine(t)
	first, err := engine.Lock(seller, usdc(1), hour)
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected allowance failure, got %v", err)
	}
	nonce, _ := engine.Nonce(seller)
	if nonce != 1 {
		t.Fatalf("expected nonce 1 after revert, got %d", nonce)
	}
	stored, err := engine.Receipt(first.TxHash)
	if err != nil {
		t.Fatalf("reverted receipt not stored: %v", err)
	}
	if stored.Succeeded() {
		t.Fatalf("expected failed status")
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("reverted call must not emit events")
	}
	second := approveAndLock(t, engine, usdc(1), hour)
	if second.TxHash == first.TxHash {
		t.Fatalf("expected distinct tx hashes")
	}
}

func TestTxHashDeterministic(t *testing.T) {
	a := TxHash(seller, 3, MethodSettle, seller, buyer)
	b := TxHash(seller, 3, MethodSettle, seller, buyer)
	if a != b {
		t.Fatalf("tx hash not deterministic")
	}
	if a == TxHash(seller, 4, MethodSettle, seller, buyer) {
		t.Fatalf("nonce must affect tx hash")
	}
	if TxHash(seller, 0, MethodRelease) != TxHash(seller, 0, MethodRelease, []interface{}{}...) {
		t.Fatalf("empty args must hash consistently")
	}
}

func TestReleaseRequiresMaturity(t *testing.T) {
	engine, clk, rec := newTestEngine(t)
	if _, err := engine.Release(seller); !errors.Is(err, ErrNoActiveLock) {
		t.Fatalf("expected ErrNoActiveLock, got %v", err)
	}
	lockReceipt := approveAndLock(t, engine, usdc(100), hour)

	clk.now = int64(lockReceipt.UnlockTime) - 1
	if _, err := engine.Release(seller); !errors.Is(err, ErrLockNotMatured) {
		t.Fatalf("expected ErrLockNotMatured, got %v", err)
	}

	clk.now = int64(lockReceipt.UnlockTime)
	receipt, err := engine.Release(seller)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !receipt.Amount.Eq(usdc(100)) || receipt.Recipient != seller {
		t.Fatalf("unexpected release receipt %+v", receipt)
	}
	if !mustBalance(t, engine, seller).Eq(usdc(1_000)) {
		t.Fatalf("expected full refund, got %s", mustBalance(t, engine, seller).Dec())
	}
	lock, _ := engine.LockOf(seller)
	if lock.Active() || lock.UnlockTime != 0 {
		t.Fatalf("expected empty slot, got %+v", lock)
	}
	assertConservation(t, engine)

	evts := rec.Events()
	if evts[len(evts)-1].Type != events.TypeTokensUnlocked {
		t.Fatalf("expected TokensUnlocked, got %s", evts[len(evts)-1].Type)
	}
	if _, err := engine.Release(seller); !errors.Is(err, ErrNoActiveLock) {
		t.Fatalf("double release: expected ErrNoActiveLock, got %v", err)
	}

	// the slot is reusable after release
	approveAndLock(t, engine, usdc(50), hour)
}

func TestSettleToBuyer(t *testing.T) {
	engine, clk, rec := newTestEngine(t)
	lockReceipt := approveAndLock(t, engine, usdc(100), hour)

	if _, err := engine.Settle(buyer, seller, buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := engine.Settle(operator, seller, common.Address{}); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
	if _, err := engine.Settle(operator, buyer, buyer); !errors.Is(err, ErrNoActiveLock) {
		t.Fatalf("expected ErrNoActiveLock, got %v", err)
	}

	clk.now = int64(lockReceipt.UnlockTime) - 1
	receipt, err := engine.Settle(operator, seller, buyer)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if receipt.Depositor != seller || receipt.Recipient != buyer || !receipt.Amount.Eq(usdc(100)) {
		t.Fatalf("unexpected settle receipt %+v", receipt)
	}
	if receipt.LockTxHash != lockReceipt.TxHash || receipt.UnlockTime != lockReceipt.UnlockTime {
		t.Fatalf("settle receipt does not name its lock: %+v", receipt)
	}
	if receipt.Height <= lockReceipt.Height {
		t.Fatalf("settle height %d not after lock height %d", receipt.Height, lockReceipt.Height)
	}
	if !mustBalance(t, engine, buyer).Eq(usdc(100)) {
		t.Fatalf("buyer not credited: %s", mustBalance(t, engine, buyer).Dec())
	}
	assertConservation(t, engine)
	evts := rec.Events()
	last := evts[len(evts)-1]
	if last.Type != events.TypeTokensSettled || last.Attributes["recipient"] != buyer.Hex() ||
		last.Attributes["unlockTime"] != strconv.FormatUint(lockReceipt.UnlockTime, 10) {
		t.Fatalf("unexpected settle event %+v", last)
	}
}

func TestSettleAfterMaturityIsRejected(t *testing.T) {
	engine, clk, _ := newTestEngine(t)
	lockReceipt := approveAndLock(t, engine, usdc(100), hour)
	clk.now = int64(lockReceipt.UnlockTime)
	if _, err := engine.Settle(operator, seller, buyer); !errors.Is(err, ErrLockExpired) {
		t.Fatalf("expected ErrLockExpired, got %v", err)
	}
	if _, err := engine.Release(seller); err != nil {
		t.Fatalf("depositor release after expiry: %v", err)
	}
	assertConservation(t, engine)
}

func TestSettleDisabledWithoutOperator(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.SetOperator(common.Address{})
	approveAndLock(t, engine, usdc(1), hour)
	if _, err := engine.Settle(common.Address{}, seller, buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApproveOverwritesAllowance(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.Approve(seller, VaultAddress, usdc(10)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := engine.Approve(seller, VaultAddress, usdc(3)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	allowance, _ := engine.Allowance(seller, VaultAddress)
	if !allowance.Eq(usdc(3)) {
		t.Fatalf("expected overwritten allowance, got %s", allowance.Dec())
	}
	if _, err := engine.Approve(seller, common.Address{}, usdc(1)); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestReceiptNotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.Receipt(common.HexToHash("0x01")); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
}

func TestEngineStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	engine := NewEngine(db)
	engine.SetNowFunc(func() int64 { return 100 })
	if err := engine.Mint(seller, usdc(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := engine.Approve(seller, VaultAddress, usdc(10)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	receipt, err := engine.Lock(seller, usdc(4), hour)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	db.Close()

	reopened, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	restored := NewEngine(reopened)
	lock, err := restored.LockOf(seller)
	if err != nil {
		t.Fatalf("lock of: %v", err)
	}
	if !lock.Amount.Eq(usdc(4)) || lock.UnlockTime != 100+hour {
		t.Fatalf("unexpected restored lock %+v", lock)
	}
	if _, err := restored.Receipt(receipt.TxHash); err != nil {
		t.Fatalf("restored receipt: %v", err)
	}
	nonce, _ := restored.Nonce(seller)
	if nonce != 2 {
		t.Fatalf("expected nonce 2, got %d", nonce)
	}
}
