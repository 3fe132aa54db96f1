package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"cryptobazaar/core/types"
	"cryptobazaar/crypto"
	"cryptobazaar/native/locker"
	"cryptobazaar/observability"
	"cryptobazaar/services/marketplace/auth"
	mktmw "cryptobazaar/services/marketplace/middleware"
)

type receiptView struct {
	TxHash     string     `json:"tx_hash"`
	Method     string     `json:"method"`
	Caller     string     `json:"caller"`
	Nonce      uint64     `json:"nonce"`
	Height     uint64     `json:"height"`
	Status     uint64     `json:"status"`
	Revert     string     `json:"revert,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Amount     string     `json:"amount"`
	UnlockTime *time.Time `json:"unlock_time,omitempty"`
	Depositor  string     `json:"depositor,omitempty"`
	Recipient  string     `json:"recipient,omitempty"`
	LockTxHash string     `json:"lock_tx_hash,omitempty"`
}

func newReceiptView(r *locker.Receipt) receiptView {
	view := receiptView{
		TxHash:    r.TxHash.Hex(),
		Method:    r.Method,
		Caller:    r.Caller.Hex(),
		Nonce:     r.Nonce,
		Height:    r.Height,
		Status:    r.Status,
		Revert:    r.Revert,
		Timestamp: time.Unix(int64(r.Timestamp), 0).UTC(),
		Amount:    formatUnits(r.Amount),
	}
	if r.UnlockTime != 0 {
		unlock := time.Unix(int64(r.UnlockTime), 0).UTC()
		view.UnlockTime = &unlock
	}
	if r.Depositor != (common.Address{}) {
		view.Depositor = r.Depositor.Hex()
	}
	if r.Recipient != (common.Address{}) {
		view.Recipient = r.Recipient.Hex()
	}
	if r.LockTxHash != (common.Hash{}) {
		view.LockTxHash = r.LockTxHash.Hex()
	}
	return view
}

func formatUnits(v *uint256.Int) string {
	if v == nil {
		v = new(uint256.Int)
	}
	return types.FormatFixed(v.ToBig(), locker.Decimals)
}

func parseUnits(value string) (*uint256.Int, error) {
	parsed, err := types.ParseFixed(value, locker.Decimals)
	if err != nil {
		return nil, err
	}
	out, overflow := uint256.FromBig(parsed)
	if overflow {
		return nil, errors.New("amount overflows 256 bits")
	}
	return out, nil
}

func (s *Server) ledgerRoutes(limiter *mktmw.RateLimiter, idempotent func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Group(func(read chi.Router) {
			read.Use(limiter.Middleware(LimitRead))
			read.Get("/locks/{address}", s.LedgerLock)
			read.Get("/balances/{address}", s.LedgerBalance)
			read.Get("/receipts/{hash}", s.LedgerReceipt)
		})
		r.Group(func(write chi.Router) {
			write.Use(limiter.Middleware(LimitWrite), idempotent)
			write.Post("/approve", s.LedgerApprove)
			write.Post("/lock", s.LedgerLockTokens)
			write.Post("/unlock", s.LedgerUnlock)
			write.With(auth.RequireRole(auth.RoleOperator)).Post("/settle", s.LedgerSettle)
		})
	}
}

// callerWallet resolves the ledger caller from the wallet bound to the token.
func callerWallet(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return common.Address{}, false
	}
	if claims.Wallet == (common.Address{}) {
		writeError(w, http.StatusForbidden, "WALLET_REQUIRED", "token carries no wallet")
		return common.Address{}, false
	}
	return claims.Wallet, true
}

func pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_WALLET", "invalid address")
		return common.Address{}, false
	}
	return addr, true
}

func revertStatus(err error) int {
	switch {
	case errors.Is(err, locker.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, locker.ErrInvalidAmount),
		errors.Is(err, locker.ErrInvalidDuration),
		errors.Is(err, locker.ErrInvalidAddress),
		errors.Is(err, locker.ErrInvalidRecipient):
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

// respondCall renders the receipt of a ledger call. Reverted calls still
// consumed a nonce and are returned with their receipt.
func (s *Server) respondCall(w http.ResponseWriter, r *http.Request, receipt *locker.Receipt, err error) {
	if receipt == nil {
		s.logger.Error("ledger call failed", slog.String("path", r.URL.Path), slog.String("error", errString(err)))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "ledger unavailable")
		return
	}
	metrics := observability.LedgerMetrics()
	metrics.RecordCall(receipt.Method, receipt.Succeeded(), receipt.Revert)
	if vault, verr := s.ledger.BalanceOf(locker.VaultAddress); verr == nil {
		metrics.SetVaultBalance(vault.ToBig())
	}
	if err != nil {
		writeJSON(w, revertStatus(err), map[string]interface{}{
			"error":   err.Error(),
			"code":    "LEDGER_REVERTED",
			"receipt": newReceiptView(receipt),
		})
		return
	}
	s.logger.Info("ledger call applied",
		slog.String("method", receipt.Method),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.String("wallet", receipt.Caller.Hex()))
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// LedgerApprove sets the vault allowance of the caller.
func (s *Server) LedgerApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerWallet(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseUnits(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}
	receipt, err := s.ledger.Approve(caller, locker.VaultAddress, amount)
	s.respondCall(w, r, receipt, err)
}

// LedgerLockTokens escrows tokens of the caller for a duration.
func (s *Server) LedgerLockTokens(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerWallet(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount   string `json:"amount"`
		Duration string `json:"duration"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseUnits(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}
	duration, err := time.ParseDuration(strings.TrimSpace(req.Duration))
	if err != nil || duration < time.Second {
		writeError(w, http.StatusBadRequest, "INVALID_DURATION", "duration must be at least 1s")
		return
	}
	receipt, err := s.ledger.Lock(caller, amount, uint64(duration/time.Second))
	s.respondCall(w, r, receipt, err)
}

// LedgerUnlock releases a matured lock of the caller.
func (s *Server) LedgerUnlock(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerWallet(w, r)
	if !ok {
		return
	}
	receipt, err := s.ledger.Release(caller)
	s.respondCall(w, r, receipt, err)
}

// LedgerSettle pays a live lock out to the buyer. The operator wallet signs.
func (s *Server) LedgerSettle(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerWallet(w, r)
	if !ok {
		return
	}
	var req struct {
		Depositor string `json:"depositor"`
		Recipient string `json:"recipient"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	depositor, err := crypto.ParseAddress(req.Depositor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_WALLET", "invalid depositor")
		return
	}
	recipient, err := crypto.ParseAddress(req.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_WALLET", "invalid recipient")
		return
	}
	receipt, err := s.ledger.Settle(caller, depositor, recipient)
	s.respondCall(w, r, receipt, err)
}

// LedgerLock returns the lock slot of an address.
func (s *Server) LedgerLock(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	lock, err := s.ledger.LockOf(addr)
	if err != nil {
		s.respondCall(w, r, nil, err)
		return
	}
	resp := map[string]interface{}{
		"address": addr.Hex(),
		"amount":  formatUnits(lock.Amount),
		"active":  lock.Active(),
	}
	if lock.Active() {
		resp["unlock_time"] = time.Unix(int64(lock.UnlockTime), 0).UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

// LedgerBalance returns the token balance and vault allowance of an address.
func (s *Server) LedgerBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.BalanceOf(addr)
	if err != nil {
		s.respondCall(w, r, nil, err)
		return
	}
	allowance, err := s.ledger.Allowance(addr, locker.VaultAddress)
	if err != nil {
		s.respondCall(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":   addr.Hex(),
		"balance":   formatUnits(balance),
		"allowance": formatUnits(allowance),
	})
}

// LedgerReceipt returns the stored receipt of a transaction.
func (s *Server) LedgerReceipt(w http.ResponseWriter, r *http.Request) {
	raw, err := hexutil.Decode(strings.TrimSpace(chi.URLParam(r, "hash")))
	if err != nil || len(raw) != common.HashLength {
		writeError(w, http.StatusBadRequest, "INVALID_TX_HASH", "invalid transaction hash")
		return
	}
	receipt, err := s.ledger.Receipt(common.BytesToHash(raw))
	if errors.Is(err, locker.ErrReceiptNotFound) {
		writeError(w, http.StatusNotFound, "RECEIPT_NOT_FOUND", "receipt not found")
		return
	}
	if err != nil {
		s.respondCall(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}
