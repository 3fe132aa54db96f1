package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cryptobazaar/services/marketplace/chain"
)

// Kind classifies a reconciler failure.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthenticated Kind = "unauthenticated"
	KindAuthorization   Kind = "authorization"
	KindNotFound        Kind = "not_found"
	KindState           Kind = "state"
	KindTemporal        Kind = "temporal"
	KindUpstream        Kind = "upstream"
	KindInternal        Kind = "internal"
)

// Funds tells the caller what happened to the seller's tokens when a request
// failed.
type Funds string

const (
	// FundsUnmoved means no escrow happened for the supplied transaction. The
	// seller may start over with a fresh lock.
	FundsUnmoved Funds = "unmoved"
	// FundsPending means the lock transaction is not final yet. Resubmit the
	// same lockTxHash once it confirms.
	FundsPending Funds = "pending"
	// FundsEscrowed means the tokens are locked on-chain but no order was
	// recorded for them. Reconcile with the existing lockTxHash, never a new
	// lock.
	FundsEscrowed Funds = "escrowed"
	// FundsUnverified means the request was rejected before the lock was
	// inspected.
	FundsUnverified Funds = "unverified"
)

var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrProfileIncomplete     = errors.New("profile incomplete")
	ErrInvalidAmountOrRate   = errors.New("invalid amount or rate")
	ErrInvalidWallet         = errors.New("invalid wallet address")
	ErrInvalidTxHash         = errors.New("invalid transaction hash")
	ErrLockNotVerified       = errors.New("lock not verified")
	ErrLockMatured           = errors.New("lock already matured")
	ErrLockAlreadyClaimed    = errors.New("lock already backs an order")
	ErrOrderNotRecorded      = errors.New("order not recorded")
	ErrNotOwner              = errors.New("not the order owner")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderNotActive        = errors.New("order not active")
	ErrNotOperator           = errors.New("operator role required")
	ErrSettlementNotVerified = errors.New("settlement not verified")
	ErrChainUnavailable      = errors.New("chain unavailable")
	ErrInternal              = errors.New("internal error")

	// Causes attached to ErrLockNotVerified and ErrSettlementNotVerified.
	ErrAmountMismatch   = errors.New("on-chain amount differs from order amount")
	ErrExpiryMismatch   = errors.New("expiresAt differs from on-chain unlock time")
	ErrSettlementReused = errors.New("settlement already applied to another order")
	ErrSettlementLock   = errors.New("settlement released a different lock")
)

var errorCodes = map[error]string{
	ErrUnauthenticated:       "UNAUTHENTICATED",
	ErrProfileIncomplete:     "PROFILE_INCOMPLETE",
	ErrInvalidAmountOrRate:   "INVALID_AMOUNT_OR_RATE",
	ErrInvalidWallet:         "INVALID_WALLET",
	ErrInvalidTxHash:         "INVALID_TX_HASH",
	ErrLockNotVerified:       "LOCK_NOT_VERIFIED",
	ErrLockMatured:           "LOCK_MATURED",
	ErrLockAlreadyClaimed:    "LOCK_ALREADY_CLAIMED",
	ErrOrderNotRecorded:      "ORDER_NOT_RECORDED",
	ErrNotOwner:              "NOT_OWNER",
	ErrOrderNotFound:         "ORDER_NOT_FOUND",
	ErrOrderNotActive:        "ORDER_NOT_ACTIVE",
	ErrNotOperator:           "NOT_OPERATOR",
	ErrSettlementNotVerified: "SETTLEMENT_NOT_VERIFIED",
	ErrChainUnavailable:      "CHAIN_UNAVAILABLE",
	ErrInternal:              "INTERNAL",
}

// Error is returned by every reconciler operation. Err wraps one of the
// package sentinels and, when present, the underlying cause.
type Error struct {
	Code  string
	Kind  Kind
	Funds Funds
	Err   error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return "reconciler: unknown error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatus maps the failure kind onto a response status.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindState, KindTemporal:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts the reconciler error from err.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the stable error code carried by err, or "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if rerr, ok := AsError(err); ok {
		return rerr.Code
	}
	return errorCodes[ErrInternal]
}

func fail(kind Kind, funds Funds, sentinel, cause error) *Error {
	err := sentinel
	if cause != nil {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &Error{Code: errorCodes[sentinel], Kind: kind, Funds: funds, Err: err}
}

func failf(kind Kind, funds Funds, sentinel error, format string, args ...any) *Error {
	return fail(kind, funds, sentinel, fmt.Errorf(format, args...))
}

// lockFailure classifies a lock verification error by what it says about the
// seller's funds.
func lockFailure(err error) *Error {
	switch {
	case errors.Is(err, chain.ErrTxNotFound), errors.Is(err, chain.ErrNotFinalized):
		return fail(KindState, FundsPending, ErrLockNotVerified, err)
	case errors.Is(err, chain.ErrTxReverted),
		errors.Is(err, chain.ErrNotLockTransaction),
		errors.Is(err, chain.ErrDepositorMismatch):
		return fail(KindState, FundsUnmoved, ErrLockNotVerified, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fail(KindState, FundsPending, ErrLockNotVerified, err)
	default:
		return fail(KindUpstream, FundsPending, ErrChainUnavailable, err)
	}
}

// settlementFailure classifies a settlement verification error. The order's
// lock is untouched unless the settlement is final.
func settlementFailure(err error) *Error {
	switch {
	case errors.Is(err, chain.ErrTxNotFound), errors.Is(err, chain.ErrNotFinalized),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fail(KindState, FundsPending, ErrSettlementNotVerified, err)
	case errors.Is(err, chain.ErrTxReverted),
		errors.Is(err, chain.ErrNotSettlementTransaction),
		errors.Is(err, chain.ErrDepositorMismatch):
		return fail(KindState, FundsEscrowed, ErrSettlementNotVerified, err)
	default:
		return fail(KindUpstream, FundsPending, ErrChainUnavailable, err)
	}
}
