package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cryptobazaar/core/types"
	"cryptobazaar/native/locker"
	"cryptobazaar/services/marketplace/chain"
	"cryptobazaar/services/marketplace/models"
	"cryptobazaar/storage"
)

var (
	sellerWallet = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	otherWallet  = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	buyerWallet  = common.HexToAddress("0x000000000000000000000000000000000000beef")
	operatorAddr = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	t        *testing.T
	db       *gorm.DB
	clock    *testClock
	engine   *locker.Engine
	profiles *GormProfiles
	rec      *Reconciler
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	return setupTestDBWith(t, &gorm.Config{})
}

func setupTestDBWith(t *testing.T, cfg *gorm.Config) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T, pageSize int) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	clock := &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	engine := locker.NewEngine(storage.NewMemDB())
	engine.SetNowFunc(func() int64 { return clock.Now().Unix() })
	engine.SetOperator(operatorAddr)

	profiles := NewGormProfiles(db)
	rec, err := NewReconciler(Config{
		DB:       db,
		Verifier: chain.NewLedgerVerifier(engine),
		Profiles: profiles,
		Now:      clock.Now,
		PageSize: pageSize,
	})
	require.NoError(t, err)
	return &testEnv{t: t, db: db, clock: clock, engine: engine, profiles: profiles, rec: rec}
}

func (e *testEnv) onboard(subject string) {
	e.t.Helper()
	_, err := e.profiles.Upsert(context.Background(), &models.UserProfile{
		Subject:   subject,
		FirstName: "Asha",
		LastName:  "Rao",
		Address:   "1 Market Street",
		Age:       31,
		PAN:       "abcde1234f",
	})
	require.NoError(e.t, err)
}

// lock funds wallet with whole token units and locks them for duration.
func (e *testEnv) lock(wallet common.Address, whole uint64, duration time.Duration) common.Hash {
	e.t.Helper()
	amount := new(uint256.Int).Mul(uint256.NewInt(whole), uint256.NewInt(1_000_000))
	require.NoError(e.t, e.engine.Mint(wallet, amount))
	_, err := e.engine.Approve(wallet, locker.VaultAddress, amount)
	require.NoError(e.t, err)
	receipt, err := e.engine.Lock(wallet, amount, uint64(duration/time.Second))
	require.NoError(e.t, err)
	return receipt.TxHash
}

func (e *testEnv) createOrder(actor Actor, wallet common.Address, amount string, txHash common.Hash) *models.Order {
	e.t.Helper()
	order, err := e.rec.CreateOrder(context.Background(), actor, CreateOrderRequest{
		Amount:        amount,
		Rate:          "84.50",
		WalletAddress: wallet.Hex(),
		LockTxHash:    txHash.Hex(),
	})
	require.NoError(e.t, err)
	return order
}

func requireFailure(t *testing.T, err error, sentinel error, kind Kind, funds Funds) *Error {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)
	rerr, ok := AsError(err)
	require.True(t, ok, "expected *reconciler.Error, got %T", err)
	require.Equal(t, kind, rerr.Kind)
	require.Equal(t, funds, rerr.Funds)
	return rerr
}

func TestCreateOrderFromVerifiedLock(t *testing.T) {
	env := newTestEnv(t, 0)
	env.onboard("seller-1")
	txHash := env.lock(sellerWallet, 100, 24*time.Hour)
	expires := env.clock.Now().Add(24 * time.Hour)

	order, err := env.rec.CreateOrder(context.Background(), Actor{Subject: "seller-1", Wallet: sellerWallet}, CreateOrderRequest{
		Amount:        "100.00",
		Rate:          "84.50",
		WalletAddress: sellerWallet.Hex(),
		ExpiresAt:     &expires,
		LockTxHash:    txHash.Hex(),
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, order.Status)
	require.Equal(t, int64(100_000_000), order.AmountUnits)
	require.Equal(t, int64(8_450), order.RateCents)
	require.Equal(t, "8450.00", types.FormatFixed(big.NewInt(order.TotalCents), models.TotalDecimals))
	require.True(t, order.ExpiresAt.Equal(expires))
	require.Equal(t, txHash.Hex(), order.LockTxHash)
	require.Equal(t, "Asha Rao", order.Seller.DisplayName())

	stored, err := env.rec.GetOrder(context.Background(), Actor{Subject: "buyer-1"}, order.ID)
	require.NoError(t, err)
	require.Equal(t, order.TotalCents, stored.TotalCents)
	require.Equal(t, "seller-1", stored.SellerSubject)

	history, err := env.rec.History(context.Background(), Actor{Subject: "seller-1"}, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "created", history[0].Action)
}

func TestCreateOrderAdoptsOnChainExpiry(t *testing.T) {
	env := newTestEnv(t, 0)
	env.onboard("seller-1")
	txHash := env.lock(sellerWallet, 5, 2*time.Hour)

	order := env.createOrder(Actor{Subject: "seller-1"}, sellerWallet, "5", txHash)
	require.True(t, order.ExpiresAt.Equal(env.clock.Now().Add(2*time.Hour)))
}

func TestCancelDoesNotReleaseFunds(t *testing.T) {
	env := newTestEnv(t, 0)
	env.onboard("seller-1")
	txHash := env.lock(sellerWallet, 100, 24*time.Hour)
	order := env.createOrder(Actor{Subject: "seller-1"}, sellerWallet, "100.00", txHash)
	ctx := context.Background()
	env.clock.Advance(time.Second)

	_, err := env.rec.CancelOrder(ctx, Actor{Subject: "intruder"}, order.ID)
	requireFailure(t, err, ErrNotOwner, KindAuthorization, "")

	cancelled, err := env.rec.CancelOrder(ctx, Actor{Subject: "seller-1"}, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, cancelled.Status)

	_, err = env.rec.CancelOrder(ctx, Actor{Subject: "seller-1"}, order.ID)
	requireFailure(t, err, ErrOrderNotActive, KindState, "")
	_, err = env.rec.CancelOrder(ctx, Actor{Subject: "seller-1"}, uuid.New())
	requireFailure(t, err, ErrOrderNotFound, KindNotFound, "")

	_, err = env.engine.Release(sellerWallet)
	require.ErrorIs(t, err, locker.ErrLockNotMatured)
	balance, err := env.engine.BalanceOf(sellerWallet)
	require.NoError(t, err)
	require.True(t, balance.IsZero())

	env.clock.Advance(24*time.Hour - time.Second)
	_, err = env.engine.Release(sellerWallet)
	require.NoError(t, err)
	balance, err = env.engine.BalanceOf(sellerWallet)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000_000), balance.Uint64())

	history, err := env.rec.History(ctx, Actor{Subject: "seller-1"}, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "cancelled", history[1].Action)
}

func TestCreateOrderRejectsUnverifiedLocks(t *testing.T) {
	env := newTestEnv(t, 0)
	env.onboard("seller-1")
	ctx := context.Background()
	actor := Actor{Subject: "seller-1"}

	lockHash := env.lock(sellerWallet, 100, 24*time.Hour)
	approve, err := env.engine.Approve(sellerWallet, locker.VaultAddress, uint256.NewInt(1))
	require.NoError(t, err)
	reverted, err := env.engine.Lock(sellerWallet, uint256.NewInt(1), 3_600)
	require.ErrorIs(t, err, locker.ErrLockAlreadyActive)
	foreign := env.lock(otherWallet, 100, 24*time.Hour)
	wrongExpiry := env.clock.Now().Add(23 * time.Hour)

	cases := []struct {
		name   string
		req    CreateOrderRequest
		funds  Funds
		reason error
	}{
		{"unknown transaction", CreateOrderRequest{Amount: "100", Rate: "84.50", WalletAddress: sellerWallet.Hex(), LockTxHash: common.HexToHash("0x01").Hex()}, FundsPending, chain.ErrTxNotFound},
		{"approval is not a lock", CreateOrderRequest{Amount: "100", Rate: "84.50", WalletAddress: sellerWallet.Hex(), LockTxHash: approve.TxHash.Hex()}, FundsUnmoved, chain.ErrNotLockTransaction},
		{"reverted lock", CreateOrderRequest{Amount: "100", Rate: "84.50", WalletAddress: sellerWallet.Hex(), LockTxHash: reverted.TxHash.Hex()}, FundsUnmoved, chain.ErrTxReverted},
		{"lock by another wallet", CreateOrderRequest{Amount: "100", Rate: "84.50", WalletAddress: sellerWallet.Hex(), LockTxHash: foreign.Hex()}, FundsUnmoved, chain.ErrDepositorMismatch},
		{"expiry mismatch", CreateOrderRequest{Amount: "100", Rate: "84.50", WalletAddress: sellerWallet.Hex(), LockTxHash: lockHash.Hex(), ExpiresAt: &wrongExpiry}, FundsEscrowed, ErrExpiryMismatch},
		{"amount mismatch", CreateOrderRequest{Amount: "99.99", Rate: "84.50", WalletAddress: sellerWallet.Hex(), LockTxHash: lockHash.Hex()}, FundsEscrowed, ErrAmountMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.rec.CreateOrder(ctx, actor, tc.req)
			rerr := requireFailure(t, err, ErrLockNotVerified, KindState, tc.funds)
			require.ErrorIs(t, err, tc.reason)
			require.Equal(t, "LOCK_NOT_VERIFIED", rerr.Code)
		})
	}

	var count int64
	require.NoError(t, env.db.Model(&models.Order{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t, 0)
	env.onboard("seller-1")
	ctx := context.Background()
	txHash := env.lock(sellerWallet, 100, 24*time.Hour)
	valid := CreateOrderRequest{Amount: "100", Rate: "84.50", WalletAddress: sellerWallet.Hex(), LockTxHash: txHash.Hex()}
	with := func(mutate func(*CreateOrderRequest)) CreateOrderRequest {
		req := valid
		mutate(&req)
		return req
	}

	_, err := env.rec.CreateOrder(ctx, Actor{}, valid)
	requireFailure(t, err, ErrUnauthenticated, KindUnauthenticated, FundsUnverified)

	_, err = env.rec.CreateOrder(ctx, Actor{Subject: "stranger"}, valid)
	requireFailure(t, err, ErrProfileIncomplete, KindAuthorization, FundsUnverified)

	cases := []struct {
		name     string
		actor    Actor
		req      CreateOrderRequest
		sentinel error
		kind     Kind
	}{
		{"zero amount", Actor{Subject: "seller-1"}, with(func(r *CreateOrderRequest) { r.Amount = "0" }), ErrInvalidAmountOrRate, KindValidation},
		{"negative rate", Actor{Subject: "seller-1"}, with(func(r *CreateOrderRequest) { r.Rate = "-1" }), ErrInvalidAmountOrRate, KindValidation},
		{"rate precision", Actor{Subject: "seller-1"}, with(func(r *CreateOrderRequest) { r.Rate = "84.505" }), ErrInvalidAmountOrRate, KindValidation},
		{"garbage amount", Actor{Subject: "seller-1"}, with(func(r *CreateOrderRequest) { r.Amount = "ten" }), ErrInvalidAmountOrRate, KindValidation},
		{"bad wallet", Actor{Subject: "seller-1"}, with(func(r *CreateOrderRequest) { r.WalletAddress = "nope" }), ErrInvalidWallet, KindValidation},
		{"wallet not bound to caller", Actor{Subject: "seller-1", Wallet: otherWallet}, valid, ErrInvalidWallet, KindAuthorization},
		{"short hash", Actor{Subject: "seller-1"}, with(func(r *CreateOrderRequest) { r.LockTxHash = "0x1234" }), ErrInvalidTxHash, KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.rec.CreateOrder(ctx, tc.actor, tc.req)
			requireFailure(t, err, tc.sentinel, tc.kind, FundsUnverified)
		})
	}
}

func TestCreateOrderRejectsMaturedLock(t *testing.T) {
	env := newTestEnv(t, 0)
	env.onboard("seller-1")
	txHash := env.lock(sellerWallet, 10, time.Minute)
	env.clock.Advance(time.Minute)

	_, err := env.rec.CreateOrder(context.Background(), Actor{Subject: "seller-1"}, CreateOrderRequest{
		Amount: "10", Rate: "1", WalletAddress: sellerWallet.Hex(), LockTxHash: txHash.Hex(),
	})
	requireFailure(t, err, ErrLockMatured, KindTemporal, FundsEscrowed)
}

func TestLockBacksSingleOrder(t *testing.T) {
	env := newTestEnv(t, 0)
	env.onboard("seller-1")
	txHash := env.lock(sellerWallet, 100, 24*time.Hour)
	req := CreateOrderRequest{Amount: "100", Rate: "84.50", WalletAddress: sellerWallet.Hex(), LockTxHash: txHash.Hex()}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		claimed   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.rec.CreateOrder(context.Background(), Actor{Subject: "seller-1"}, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrLockAlreadyClaimed):
				claimed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, succeeded)
	require.Equal(t, workers-1, claimed)
	require.Zero(t, env.rec.locks.size())
}

func TestCompleteOrderRequiresSettlement(t *testing.T) {
	env := newTestEnv(t, 0)
	env.onboard("seller-1")
	ctx := context.Background()
	operator := Actor{Subject: "ops", Operator: true}

	lockHash := env.lock(sellerWallet, 100, 24*time.Hour)
	order := env.createOrder(Actor{Subject: "seller-1"}, sellerWallet, "100", lockHash)

	_, err := env.rec.CompleteOrder(ctx, Actor{Subject: "seller-1"}, order.ID, lockHash.Hex())
	requireFailure(t, err, ErrNotOperator, KindAuthorization, "")

	_, err = env.rec.CompleteOrder(ctx, operator, order.ID, lockHash.Hex())
	requireFailure(t, err, ErrSettlementNotVerified, KindState, FundsEscrowed)

	settle, err := env.engine.Settle(operatorAddr, sellerWallet, buyerWallet)
	require.NoError(t, err)
	completed, err := env.rec.CompleteOrder(ctx, operator, order.ID, settle.TxHash.Hex())
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, completed.Status)
	require.Equal(t, buyerWallet.Hex(), completed.BuyerAddress)
	require.Equal(t, settle.TxHash.Hex(), completed.SettleTxHash)

	balance, err := env.engine.BalanceOf(buyerWallet)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000_000), balance.Uint64())

	_, err = env.rec.CancelOrder(ctx, Actor{Subject: "seller-1"}, order.ID)
	requireFailure(t, err, ErrOrderNotActive, KindState, "")

	second := env.createOrder(Actor{Subject: "seller-1"}, sellerWallet, "100", env.lock(sellerWallet, 100, 24*time.Hour))
	_, err = env.rec.CompleteOrder(ctx, operator, second.ID, settle.TxHash.Hex())
	requireFailure(t, err, ErrSettlementNotVerified, KindState, FundsEscrowed)
	require.ErrorIs(t, err, ErrSettlementReused)
}

// positionOnly reports settlements the way an EVM ledger does, without the
// settled lock transaction.
type positionOnly struct {
	chain.Verifier
}

func (v positionOnly) VerifySettlement(ctx context.Context, txHash common.Hash, depositor common.Address) (*chain.SettlementProof, error) {
	proof, err := v.Verifier.VerifySettlement(ctx, txHash, depositor)
	if proof != nil {
		proof.LockTxHash = common.Hash{}
	}
	return proof, err
}

func TestCompleteOrderRejectsSettlementOfEarlierLock(t *testing.T) {
	cases := []struct {
		name     string
		verifier func(*locker.Engine) chain.Verifier
		gap      time.Duration
	}{
		{name: "lock hash recorded", verifier: func(e *locker.Engine) chain.Verifier { return chain.NewLedgerVerifier(e) }},
		{name: "position only same unlock time", verifier: func(e *locker.Engine) chain.Verifier {
			return positionOnly{chain.NewLedgerVerifier(e)}
		}},
		{name: "position only later lock", gap: time.Minute, verifier: func(e *locker.Engine) chain.Verifier {
			return positionOnly{chain.NewLedgerVerifier(e)}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 0)
			rec, err := NewReconciler(Config{
				DB:       env.db,
				Verifier: tc.verifier(env.engine),
				Profiles: env.profiles,
				Now:      env.clock.Now,
			})
			require.NoError(t, err)
			env.rec = rec
			env.onboard("seller-1")
			ctx := context.Background()
			seller := Actor{Subject: "seller-1"}
			operator := Actor{Subject: "ops", Operator: true}

			first := env.createOrder(seller, sellerWallet, "100", env.lock(sellerWallet, 100, 24*time.Hour))
			_, err = env.rec.CancelOrder(ctx, seller, first.ID)
			require.NoError(t, err)
			stale, err := env.engine.Settle(operatorAddr, sellerWallet, buyerWallet)
			require.NoError(t, err)

			env.clock.Advance(tc.gap)
			second := env.createOrder(seller, sellerWallet, "100", env.lock(sellerWallet, 100, 24*time.Hour))
			_, err = env.rec.CompleteOrder(ctx, operator, second.ID, stale.TxHash.Hex())
			requireFailure(t, err, ErrSettlementNotVerified, KindState, FundsEscrowed)
			require.ErrorIs(t, err, ErrSettlementLock)

			lock, err := env.engine.LockOf(sellerWallet)
			require.NoError(t, err)
			require.True(t, lock.Active())
			got, err := env.rec.GetOrder(ctx, seller, second.ID)
			require.NoError(t, err)
			require.Equal(t, models.StatusActive, got.Status)

			settle, err := env.engine.Settle(operatorAddr, sellerWallet, buyerWallet)
			require.NoError(t, err)
			completed, err := env.rec.CompleteOrder(ctx, operator, second.ID, settle.TxHash.Hex())
			require.NoError(t, err)
			require.Equal(t, models.StatusCompleted, completed.Status)
		})
	}
}

func TestGetOrderHidesInactiveOrders(t *testing.T) {
	env := newTestEnv(t, 0)
	env.onboard("seller-1")
	ctx := context.Background()
	order := env.createOrder(Actor{Subject: "seller-1"}, sellerWallet, "100", env.lock(sellerWallet, 100, 24*time.Hour))
	_, err := env.rec.CancelOrder(ctx, Actor{Subject: "seller-1"}, order.ID)
	require.NoError(t, err)

	_, err = env.rec.GetOrder(ctx, Actor{Subject: "buyer-1"}, order.ID)
	requireFailure(t, err, ErrOrderNotFound, KindNotFound, "")
	_, err = env.rec.GetOrder(ctx, Actor{}, order.ID)
	requireFailure(t, err, ErrUnauthenticated, KindUnauthenticated, "")

	owned, err := env.rec.GetOrder(ctx, Actor{Subject: "seller-1"}, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, owned.Status)
	_, err = env.rec.GetOrder(ctx, Actor{Subject: "ops", Operator: true}, order.ID)
	require.NoError(t, err)
}

func collect(t *testing.T, rec *Reconciler) []uuid.UUID {
	t.Helper()
	var ids []uuid.UUID
	for order, err := range rec.ListActiveOrders(context.Background()) {
		require.NoError(t, err)
		require.Equal(t, models.StatusActive, order.Status)
		ids = append(ids, order.ID)
	}
	return ids
}

func TestListActiveOrdersNewestFirst(t *testing.T) {
	env := newTestEnv(t, 2)
	var created []*models.Order
	for i := 0; i < 5; i++ {
		subject := fmt.Sprintf("seller-%d", i)
		wallet := common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		env.onboard(subject)
		created = append(created, env.createOrder(Actor{Subject: subject}, wallet, "10", env.lock(wallet, 10, 24*time.Hour)))
		env.clock.Advance(time.Second)
	}
	_, err := env.rec.CancelOrder(context.Background(), Actor{Subject: "seller-2"}, created[2].ID)
	require.NoError(t, err)

	want := []uuid.UUID{created[4].ID, created[3].ID, created[1].ID, created[0].ID}
	require.Equal(t, want, collect(t, env.rec))
	require.Equal(t, want, collect(t, env.rec), "ranging again restarts the sequence")

	var first *models.Order
	for order, err := range env.rec.ListActiveOrders(context.Background()) {
		require.NoError(t, err)
		first = order
		break
	}
	require.Equal(t, created[4].ID, first.ID)
	require.Equal(t, "Asha Rao", first.Seller.DisplayName())
}

func TestListActiveOrdersYieldsQueryErrors(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for order, err := range env.rec.ListActiveOrders(ctx) {
		require.Nil(t, order)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	require.Error(t, errs[0])
}

func TestListSellerOrders(t *testing.T) {
	env := newTestEnv(t, 0)
	env.onboard("seller-1")
	ctx := context.Background()
	actor := Actor{Subject: "seller-1"}

	first := env.createOrder(actor, sellerWallet, "10", env.lock(sellerWallet, 10, time.Hour))
	_, err := env.rec.CancelOrder(ctx, actor, first.ID)
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	_, err = env.engine.Release(sellerWallet)
	require.NoError(t, err)
	second := env.createOrder(actor, sellerWallet, "20", env.lock(sellerWallet, 20, time.Hour))

	visible, err := env.rec.ListSellerOrders(ctx, actor, false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, second.ID, visible[0].ID)

	all, err := env.rec.ListSellerOrders(ctx, actor, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, second.ID, all[0].ID)
	require.Equal(t, first.ID, all[1].ID)

	_, err = env.rec.ListSellerOrders(ctx, Actor{}, true)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestProfileUpsertNormalisesNames(t *testing.T) {
	db := setupTestDB(t)
	profiles := NewGormProfiles(db)
	ctx := context.Background()

	created, err := profiles.Upsert(ctx, &models.UserProfile{Subject: "s", FirstName: "  Ａsha  ", LastName: "Rao   Devi", Address: "x", Age: 20, PAN: " abc "})
	require.NoError(t, err)
	require.Equal(t, "Asha", created.FirstName)
	require.Equal(t, "Rao Devi", created.LastName)
	require.Equal(t, "ABC", created.PAN)

	updated, err := profiles.Upsert(ctx, &models.UserProfile{Subject: "s", FirstName: "Asha", LastName: "Rao", Address: "y", Age: 21, PAN: "abc"})
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)

	stored, err := profiles.Profile(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, "y", stored.Address)
	require.Equal(t, 21, stored.Age)
	require.True(t, stored.Complete())

	_, err = profiles.Profile(ctx, "missing")
	require.ErrorIs(t, err, ErrProfileNotFound)
}

type gormLines struct {
	mu    sync.Mutex
	lines []string
}

func (g *gormLines) Printf(format string, args ...interface{}) {
	g.mu.Lock()
	g.lines = append(g.lines, fmt.Sprintf(format, args...))
	g.mu.Unlock()
}

func TestMissingRecordsAreNotLoggedAsErrors(t *testing.T) {
	sink := &gormLines{}
	db := setupTestDBWith(t, &gorm.Config{Logger: logger.New(sink, logger.Config{LogLevel: logger.Error})})
	engine := locker.NewEngine(storage.NewMemDB())
	rec, err := NewReconciler(Config{DB: db, Verifier: chain.NewLedgerVerifier(engine)})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = rec.CreateOrder(ctx, Actor{Subject: "newcomer"}, CreateOrderRequest{Amount: "1", Rate: "1"})
	requireFailure(t, err, ErrProfileIncomplete, KindAuthorization, FundsUnverified)
	_, err = rec.GetOrder(ctx, Actor{Subject: "newcomer"}, uuid.New())
	requireFailure(t, err, ErrOrderNotFound, KindNotFound, "")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Empty(t, sink.lines)
}
