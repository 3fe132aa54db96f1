package server

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"cryptobazaar/core/types"
	"cryptobazaar/services/marketplace/models"
	"cryptobazaar/services/marketplace/reconciler"
)

type orderView struct {
	ID            string     `json:"id"`
	Seller        string     `json:"seller"`
	WalletAddress string     `json:"wallet_address"`
	Amount        string     `json:"amount"`
	Rate          string     `json:"rate"`
	Total         string     `json:"total"`
	Status        string     `json:"status"`
	ExpiresAt     time.Time  `json:"expires_at"`
	LockTxHash    string     `json:"lock_tx_hash"`
	SettleTxHash  string     `json:"settle_tx_hash,omitempty"`
	BuyerAddress  string     `json:"buyer_address,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

func newOrderView(order *models.Order) orderView {
	view := orderView{
		ID:            order.ID.String(),
		Seller:        order.Seller.DisplayName(),
		WalletAddress: order.WalletAddress,
		Amount:        types.FormatFixed(big.NewInt(order.AmountUnits), models.AmountDecimals),
		Rate:          types.FormatFixed(big.NewInt(order.RateCents), models.RateDecimals),
		Total:         types.FormatFixed(big.NewInt(order.TotalCents), models.TotalDecimals),
		Status:        string(order.Status),
		ExpiresAt:     order.ExpiresAt.UTC(),
		LockTxHash:    order.LockTxHash,
		SettleTxHash:  order.SettleTxHash,
		BuyerAddress:  order.BuyerAddress,
		CreatedAt:     order.CreatedAt.UTC(),
	}
	if !order.UpdatedAt.IsZero() && !order.UpdatedAt.Equal(order.CreatedAt) {
		updated := order.UpdatedAt.UTC()
		view.UpdatedAt = &updated
	}
	return view
}

type eventView struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListActiveOrders streams ACTIVE orders newest first. The optional limit
// query parameter caps the number returned.
func (s *Server) ListActiveOrders(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	// The status line goes out with the first element so an immediate query
	// failure still yields a proper error response.
	started := false
	count := 0
	enc := json.NewEncoder(w)
	for order, err := range s.reconciler.ListActiveOrders(r.Context()) {
		if err != nil {
			if !started {
				s.writeFailure(w, r, err)
				return
			}
			s.logger.Error("order stream aborted", slog.Int("sent", count), slog.String("error", err.Error()))
			return
		}
		if !started {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"orders":[`))
			started = true
		} else {
			_, _ = w.Write([]byte(","))
		}
		if err := enc.Encode(newOrderView(order)); err != nil {
			return
		}
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	if !started {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"orders":[`))
	}
	_, _ = w.Write([]byte("]}\n"))
}

// ListSellerOrders returns the caller's own orders.
func (s *Server) ListSellerOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	includeAll, _ := strconv.ParseBool(r.URL.Query().Get("includeAll"))
	orders, err := s.reconciler.ListSellerOrders(r.Context(), actor, includeAll)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for i := range orders {
		views = append(views, newOrderView(&orders[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": views})
}

// CreateOrder records a sell order backed by a verified lock.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount        string     `json:"amount"`
		Rate          string     `json:"rate"`
		WalletAddress string     `json:"wallet_address"`
		ExpiresAt     *time.Time `json:"expires_at"`
		LockTxHash    string     `json:"lock_tx_hash"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := s.reconciler.CreateOrder(r.Context(), actor, reconciler.CreateOrderRequest{
		Amount:        req.Amount,
		Rate:          req.Rate,
		WalletAddress: req.WalletAddress,
		ExpiresAt:     req.ExpiresAt,
		LockTxHash:    req.LockTxHash,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderView(order))
}

// GetOrder returns a single order.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := s.reconciler.GetOrder(r.Context(), actor, id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

// CancelOrder withdraws an ACTIVE order. The lock is untouched.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := s.reconciler.CancelOrder(r.Context(), actor, id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

// CompleteOrder marks an order settled once the settle transaction is final.
func (s *Server) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req struct {
		SettleTxHash string `json:"settle_tx_hash"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := s.reconciler.CompleteOrder(r.Context(), actor, id, req.SettleTxHash)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

// OrderHistory returns the audit trail of an order.
func (s *Server) OrderHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	history, err := s.reconciler.History(r.Context(), actor, id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	views := make([]eventView, 0, len(history))
	for _, evt := range history {
		views = append(views, eventView{Actor: evt.Actor, Action: evt.Action, Details: evt.Details, CreatedAt: evt.CreatedAt.UTC()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": views})
}
