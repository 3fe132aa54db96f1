package reconciler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"cryptobazaar/core/types"
	"cryptobazaar/crypto"
	"cryptobazaar/observability"
	"cryptobazaar/services/marketplace/chain"
	"cryptobazaar/services/marketplace/models"
)

const defaultPageSize = 50

// Actor is the authenticated caller of a reconciler operation.
type Actor struct {
	Subject string
	// Wallet is the address bound to the caller's credentials, if any. When
	// set, orders may only be created for that wallet.
	Wallet   common.Address
	Operator bool
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB       *gorm.DB
	Verifier chain.Verifier
	Profiles ProfileDirectory
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *observability.MarketplaceMetrics
	Tracer   trace.Tracer
	PageSize int
}

// CreateOrderRequest carries the seller-supplied order fields. Amount and
// Rate are decimal strings.
type CreateOrderRequest struct {
	Amount        string
	Rate          string
	WalletAddress string
	// ExpiresAt, when nil, adopts the unlock time recorded on-chain.
	ExpiresAt  *time.Time
	LockTxHash string
}

// Reconciler keeps sell orders consistent with escrow state. It never moves
// funds.
type Reconciler struct {
	db       *gorm.DB
	verifier chain.Verifier
	profiles ProfileDirectory
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.MarketplaceMetrics
	tracer   trace.Tracer
	pageSize int
	locks    *keyedMutex
}

// NewReconciler validates cfg and applies defaults.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("reconciler: database required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("reconciler: verifier required")
	}
	profiles := cfg.Profiles
	if profiles == nil {
		profiles = NewGormProfiles(cfg.DB)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("cryptobazaar/marketplace/reconciler")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Reconciler{
		db:       cfg.DB,
		verifier: cfg.Verifier,
		profiles: profiles,
		now:      now,
		logger:   logger.With("component", "reconciler"),
		metrics:  cfg.Metrics,
		tracer:   tracer,
		pageSize: pageSize,
		locks:    newKeyedMutex(),
	}, nil
}

func (r *Reconciler) begin(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := r.tracer.Start(ctx, "reconciler."+op)
	started := time.Now()
	return ctx, func(errp *error) {
		err := *errp
		outcome := "success"
		if err != nil {
			outcome = CodeOf(err)
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		r.metrics.ObserveOrder(op, outcome, time.Since(started))
		span.End()
	}
}

// CreateOrder persists an ACTIVE order once the referenced lock transaction
// is final on-chain, locked the order amount for the order wallet, and
// records the unlock time the order expires at.
func (r *Reconciler) CreateOrder(ctx context.Context, actor Actor, req CreateOrderRequest) (order *models.Order, err error) {
	ctx, end := r.begin(ctx, "create")
	defer end(&err)

	if strings.TrimSpace(actor.Subject) == "" {
		return nil, fail(KindUnauthenticated, FundsUnverified, ErrUnauthenticated, nil)
	}
	profile, err := r.profiles.Profile(ctx, actor.Subject)
	if err != nil && !errors.Is(err, ErrProfileNotFound) {
		return nil, fail(KindInternal, FundsUnverified, ErrInternal, err)
	}
	if !profile.Complete() {
		return nil, fail(KindAuthorization, FundsUnverified, ErrProfileIncomplete, nil)
	}

	amount, err := parsePositive(req.Amount, models.AmountDecimals)
	if err != nil {
		return nil, failf(KindValidation, FundsUnverified, ErrInvalidAmountOrRate, "amount: %v", err)
	}
	rate, err := parsePositive(req.Rate, models.RateDecimals)
	if err != nil {
		return nil, failf(KindValidation, FundsUnverified, ErrInvalidAmountOrRate, "rate: %v", err)
	}
	total := types.MulFixed(amount, models.AmountDecimals, rate, models.RateDecimals, models.TotalDecimals)
	if !total.IsInt64() || total.Sign() <= 0 {
		return nil, failf(KindValidation, FundsUnverified, ErrInvalidAmountOrRate, "total %s out of range", total)
	}

	wallet, err := crypto.ParseAddress(req.WalletAddress)
	if err != nil {
		return nil, fail(KindValidation, FundsUnverified, ErrInvalidWallet, err)
	}
	if actor.Wallet != (common.Address{}) && actor.Wallet != wallet {
		return nil, failf(KindAuthorization, FundsUnverified, ErrInvalidWallet, "%s is not bound to the caller", wallet.Hex())
	}
	txHash, err := parseTxHash(req.LockTxHash)
	if err != nil {
		return nil, fail(KindValidation, FundsUnverified, ErrInvalidTxHash, err)
	}

	unlockCreate := r.locks.Lock("create:" + actor.Subject + ":" + wallet.Hex())
	defer unlockCreate()
	unlockTx := r.locks.Lock("lock:" + txHash.Hex())
	defer unlockTx()

	if claimed, err := r.lockClaimed(ctx, txHash); err != nil {
		return nil, fail(KindInternal, FundsUnverified, ErrInternal, err)
	} else if claimed {
		return nil, failf(KindState, FundsEscrowed, ErrLockAlreadyClaimed, "%s", txHash.Hex())
	}

	verifyStarted := time.Now()
	proof, err := r.verifier.VerifyLock(ctx, txHash, wallet)
	r.metrics.ObserveVerification("lock", err, time.Since(verifyStarted))
	if err != nil {
		r.logger.Warn("lock verification failed",
			slog.String("tx_hash", txHash.Hex()),
			slog.String("wallet", wallet.Hex()),
			slog.String("error", err.Error()))
		return nil, lockFailure(err)
	}
	if proof.Amount == nil || proof.Amount.Cmp(amount) != 0 {
		return nil, fail(KindState, FundsEscrowed, ErrLockNotVerified,
			fmt.Errorf("%w: locked %s, order %s", ErrAmountMismatch,
				types.FormatFixed(proof.Amount, models.AmountDecimals), types.FormatFixed(amount, models.AmountDecimals)))
	}
	unlockAt := proof.UnlockTime.UTC().Truncate(time.Second)
	if req.ExpiresAt != nil && !req.ExpiresAt.UTC().Truncate(time.Second).Equal(unlockAt) {
		return nil, fail(KindState, FundsEscrowed, ErrLockNotVerified,
			fmt.Errorf("%w: on-chain %s", ErrExpiryMismatch, unlockAt.Format(time.RFC3339)))
	}
	now := r.now().UTC()
	if !now.Before(unlockAt) {
		return nil, failf(KindTemporal, FundsEscrowed, ErrLockMatured, "unlocked at %s", unlockAt.Format(time.RFC3339))
	}

	order = &models.Order{
		ID:            uuid.New(),
		SellerID:      profile.ID,
		SellerSubject: actor.Subject,
		WalletAddress: wallet.Hex(),
		AmountUnits:   amount.Int64(),
		RateCents:     rate.Int64(),
		TotalCents:    total.Int64(),
		Status:        models.StatusActive,
		ExpiresAt:     unlockAt,
		LockTxHash:    txHash.Hex(),
		LockBlock:     proof.Position.Block,
		LockTxIndex:   proof.Position.Index,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Seller").Create(order).Error; err != nil {
			return err
		}
		details := fmt.Sprintf("lock %s amount %s rate %s expires %s", order.LockTxHash,
			types.FormatFixed(amount, models.AmountDecimals),
			types.FormatFixed(rate, models.RateDecimals),
			unlockAt.Format(time.RFC3339))
		return tx.Create(r.event(order.ID, actor.Subject, "created", details)).Error
	})
	if err != nil {
		if claimed, cerr := r.lockClaimed(ctx, txHash); cerr == nil && claimed {
			return nil, failf(KindState, FundsEscrowed, ErrLockAlreadyClaimed, "%s", txHash.Hex())
		}
		r.logger.Error("order not recorded for verified lock",
			slog.String("tx_hash", txHash.Hex()),
			slog.String("wallet", wallet.Hex()),
			slog.String("error", err.Error()))
		return nil, fail(KindInternal, FundsEscrowed, ErrOrderNotRecorded, err)
	}
	order.Seller = *profile
	r.logger.Info("order created",
		slog.String("order_id", order.ID.String()),
		slog.String("tx_hash", order.LockTxHash),
		slog.String("wallet", order.WalletAddress))
	return order, nil
}

// CancelOrder marks an ACTIVE order CANCELLED. The escrowed tokens stay
// locked until their unlock time; the seller releases them on-chain.
func (r *Reconciler) CancelOrder(ctx context.Context, actor Actor, id uuid.UUID) (order *models.Order, err error) {
	ctx, end := r.begin(ctx, "cancel")
	defer end(&err)

	if strings.TrimSpace(actor.Subject) == "" {
		return nil, fail(KindUnauthenticated, "", ErrUnauthenticated, nil)
	}
	unlock := r.locks.Lock("order:" + id.String())
	defer unlock()

	current, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.SellerSubject != actor.Subject {
		return nil, fail(KindAuthorization, "", ErrNotOwner, nil)
	}
	if current.Status != models.StatusActive {
		return nil, failf(KindState, "", ErrOrderNotActive, "status %s", current.Status)
	}

	now := r.now().UTC()
	details := fmt.Sprintf("tokens remain locked until %s", current.ExpiresAt.UTC().Format(time.RFC3339))
	if err := r.transition(ctx, id, map[string]any{
		"status":     models.StatusCancelled,
		"updated_at": now,
	}, r.event(id, actor.Subject, "cancelled", details)); err != nil {
		return nil, err
	}
	r.logger.Info("order cancelled", slog.String("order_id", id.String()))
	return r.load(ctx, id)
}

// CompleteOrder marks an ACTIVE order COMPLETED once a final settlement of
// its lock to the buyer is observed. Only operators may complete orders.
func (r *Reconciler) CompleteOrder(ctx context.Context, actor Actor, id uuid.UUID, settleTxHash string) (order *models.Order, err error) {
	ctx, end := r.begin(ctx, "complete")
	defer end(&err)

	if strings.TrimSpace(actor.Subject) == "" {
		return nil, fail(KindUnauthenticated, "", ErrUnauthenticated, nil)
	}
	if !actor.Operator {
		return nil, fail(KindAuthorization, "", ErrNotOperator, nil)
	}
	txHash, err := parseTxHash(settleTxHash)
	if err != nil {
		return nil, fail(KindValidation, "", ErrInvalidTxHash, err)
	}

	unlock := r.locks.Lock("order:" + id.String())
	defer unlock()

	current, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusActive {
		return nil, failf(KindState, "", ErrOrderNotActive, "status %s", current.Status)
	}
	var reused int64
	if err := r.db.WithContext(ctx).Model(&models.Order{}).Where("settle_tx_hash = ?", txHash.Hex()).Count(&reused).Error; err != nil {
		return nil, fail(KindInternal, "", ErrInternal, err)
	}
	if reused > 0 {
		return nil, fail(KindState, FundsEscrowed, ErrSettlementNotVerified, ErrSettlementReused)
	}

	wallet := common.HexToAddress(current.WalletAddress)
	verifyStarted := time.Now()
	proof, err := r.verifier.VerifySettlement(ctx, txHash, wallet)
	r.metrics.ObserveVerification("settlement", err, time.Since(verifyStarted))
	if err != nil {
		return nil, settlementFailure(err)
	}
	if proof.Amount == nil || proof.Amount.Cmp(big.NewInt(current.AmountUnits)) != 0 {
		return nil, fail(KindState, FundsEscrowed, ErrSettlementNotVerified,
			fmt.Errorf("%w: settled %s", ErrAmountMismatch, types.FormatFixed(proof.Amount, models.AmountDecimals)))
	}
	if err := settlesOrderLock(current, proof); err != nil {
		return nil, fail(KindState, FundsEscrowed, ErrSettlementNotVerified, err)
	}

	now := r.now().UTC()
	details := fmt.Sprintf("settlement %s to %s", txHash.Hex(), proof.Recipient.Hex())
	if err := r.transition(ctx, id, map[string]any{
		"status":         models.StatusCompleted,
		"settle_tx_hash": txHash.Hex(),
		"buyer_address":  proof.Recipient.Hex(),
		"updated_at":     now,
	}, r.event(id, actor.Subject, "completed", details)); err != nil {
		return nil, err
	}
	r.logger.Info("order completed",
		slog.String("order_id", id.String()),
		slog.String("tx_hash", txHash.Hex()))
	return r.load(ctx, id)
}

// GetOrder returns an order. Orders that are no longer ACTIVE are visible
// to their seller and to operators only.
func (r *Reconciler) GetOrder(ctx context.Context, actor Actor, id uuid.UUID) (*models.Order, error) {
	if strings.TrimSpace(actor.Subject) == "" {
		return nil, fail(KindUnauthenticated, "", ErrUnauthenticated, nil)
	}
	order, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != models.StatusActive && order.SellerSubject != actor.Subject && !actor.Operator {
		return nil, fail(KindNotFound, "", ErrOrderNotFound, nil)
	}
	return order, nil
}

// ListActiveOrders returns a lazy sequence of ACTIVE orders, newest first.
// Pages are fetched on demand; ranging over the sequence again restarts it.
// A query failure is yielded once as the final element.
func (r *Reconciler) ListActiveOrders(ctx context.Context) iter.Seq2[*models.Order, error] {
	return activeOrders(ctx, r.db, r.pageSize, true)
}

// ListSellerOrders returns the caller's ACTIVE and COMPLETED orders, or all
// of them when includeAll is set, newest first.
func (r *Reconciler) ListSellerOrders(ctx context.Context, actor Actor, includeAll bool) ([]models.Order, error) {
	if strings.TrimSpace(actor.Subject) == "" {
		return nil, fail(KindUnauthenticated, "", ErrUnauthenticated, nil)
	}
	query := r.db.WithContext(ctx).Preload("Seller").Where("seller_subject = ?", actor.Subject)
	if !includeAll {
		query = query.Where("status IN ?", []models.OrderStatus{models.StatusActive, models.StatusCompleted})
	}
	var orders []models.Order
	if err := query.Order("created_at DESC").Order("id DESC").Find(&orders).Error; err != nil {
		return nil, fail(KindInternal, "", ErrInternal, err)
	}
	return orders, nil
}

// History returns the audit trail of an order, oldest first.
func (r *Reconciler) History(ctx context.Context, actor Actor, id uuid.UUID) ([]models.OrderEvent, error) {
	order, err := r.GetOrder(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if order.SellerSubject != actor.Subject && !actor.Operator {
		return nil, fail(KindAuthorization, "", ErrNotOwner, nil)
	}
	var history []models.OrderEvent
	if err := r.db.WithContext(ctx).Where("order_id = ?", id).Order("created_at ASC").Find(&history).Error; err != nil {
		return nil, fail(KindInternal, "", ErrInternal, err)
	}
	return history, nil
}

func activeOrders(ctx context.Context, db *gorm.DB, pageSize int, preload bool) iter.Seq2[*models.Order, error] {
	return func(yield func(*models.Order, error) bool) {
		var cursor *models.Order
		for {
			query := db.WithContext(ctx).Where("status = ?", models.StatusActive)
			if preload {
				query = query.Preload("Seller")
			}
			if cursor != nil {
				query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
			}
			var page []models.Order
			if err := query.Order("created_at DESC").Order("id DESC").Limit(pageSize).Find(&page).Error; err != nil {
				yield(nil, err)
				return
			}
			for i := range page {
				if !yield(&page[i], nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			cursor = &page[len(page)-1]
		}
	}
}

func (r *Reconciler) load(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	res := r.db.WithContext(ctx).Preload("Seller").Where("id = ?", id).Limit(1).Find(&order)
	if res.Error != nil {
		return nil, fail(KindInternal, "", ErrInternal, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fail(KindNotFound, "", ErrOrderNotFound, nil)
	}
	return &order, nil
}

// transition applies updates to an order that is still ACTIVE and writes the
// audit event in the same transaction.
func (r *Reconciler) transition(ctx context.Context, id uuid.UUID, updates map[string]any, event *models.OrderEvent) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", id, models.StatusActive).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOrderNotActive
		}
		return tx.Create(event).Error
	})
	if errors.Is(err, ErrOrderNotActive) {
		return fail(KindState, "", ErrOrderNotActive, nil)
	}
	if err != nil {
		return fail(KindInternal, "", ErrInternal, err)
	}
	return nil
}

func (r *Reconciler) lockClaimed(ctx context.Context, txHash common.Hash) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Order{}).Where("lock_tx_hash = ?", txHash.Hex()).Count(&count).Error
	return count > 0, err
}

func (r *Reconciler) event(orderID uuid.UUID, actor, action, details string) *models.OrderEvent {
	return &models.OrderEvent{
		ID:        uuid.New(),
		OrderID:   orderID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: r.now().UTC(),
	}
}

// settlesOrderLock checks that proof released the lock backing order rather
// than an earlier lock of the same wallet.
func settlesOrderLock(order *models.Order, proof *chain.SettlementProof) error {
	if proof.LockTxHash != (common.Hash{}) && proof.LockTxHash != common.HexToHash(order.LockTxHash) {
		return fmt.Errorf("%w: settled lock %s", ErrSettlementLock, proof.LockTxHash.Hex())
	}
	if !proof.UnlockTime.UTC().Truncate(time.Second).Equal(order.ExpiresAt.UTC()) {
		return fmt.Errorf("%w: settled lock unlocking at %s", ErrSettlementLock, proof.UnlockTime.UTC().Format(time.RFC3339))
	}
	locked := chain.Position{Block: order.LockBlock, Index: order.LockTxIndex}
	if !proof.Position.After(locked) {
		return fmt.Errorf("%w: settlement precedes lock %s", ErrSettlementLock, order.LockTxHash)
	}
	return nil
}

func parsePositive(value string, decimals int) (*big.Int, error) {
	parsed, err := types.ParseFixed(value, decimals)
	if err != nil {
		return nil, err
	}
	if parsed.Sign() <= 0 {
		return nil, errors.New("must be greater than zero")
	}
	if !parsed.IsInt64() {
		return nil, errors.New("out of range")
	}
	return parsed, nil
}

func parseTxHash(value string) (common.Hash, error) {
	trimmed := strings.TrimSpace(value)
	raw, err := hexutil.Decode(trimmed)
	if err != nil {
		return common.Hash{}, err
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(raw))
	}
	return common.BytesToHash(raw), nil
}
