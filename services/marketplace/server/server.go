package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"cryptobazaar/native/locker"
	"cryptobazaar/services/marketplace/auth"
	mktmw "cryptobazaar/services/marketplace/middleware"
	"cryptobazaar/services/marketplace/reconciler"
)

const moduleName = "marketplace"

// Rate limit groups.
const (
	LimitRead  = "read"
	LimitWrite = "write"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB         *gorm.DB
	Reconciler *reconciler.Reconciler
	Profiles   *reconciler.GormProfiles
	// Authenticate verifies the caller and stores auth.Claims on the request
	// context.
	Authenticate func(http.Handler) http.Handler
	Limiter      *mktmw.RateLimiter
	// Ledger enables the native ledger routes when set.
	Ledger *locker.Engine
	Logger *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db         *gorm.DB
	reconciler *reconciler.Reconciler
	profiles   *reconciler.GormProfiles
	ledger     *locker.Engine
	logger     *slog.Logger

	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, errors.New("server: database required")
	}
	if cfg.Reconciler == nil || cfg.Profiles == nil {
		return nil, errors.New("server: reconciler and profiles required")
	}
	if cfg.Authenticate == nil {
		return nil, errors.New("server: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = mktmw.NewRateLimiter(nil, logger)
	}
	srv := &Server{
		db:         cfg.DB,
		reconciler: cfg.Reconciler,
		profiles:   cfg.Profiles,
		ledger:     cfg.Ledger,
		logger:     logger,
	}
	srv.router = srv.buildRouter(cfg.Authenticate, limiter)
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(authenticate func(http.Handler) http.Handler, limiter *mktmw.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(mktmw.Observe(moduleName))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	idempotent := func(next http.Handler) http.Handler { return mktmw.WithIdempotency(s.db, next) }

	r.Route("/api", func(api chi.Router) {
		api.Use(authenticate)

		api.Group(func(read chi.Router) {
			read.Use(limiter.Middleware(LimitRead))
			read.Get("/orders", s.ListActiveOrders)
			read.Get("/orders/mine", s.ListSellerOrders)
			read.Get("/orders/{id}", s.GetOrder)
			read.Get("/orders/{id}/history", s.OrderHistory)
			read.Get("/profile", s.GetProfile)
		})

		api.Group(func(write chi.Router) {
			write.Use(limiter.Middleware(LimitWrite))
			write.With(idempotent).Post("/orders", s.CreateOrder)
			write.Delete("/orders/{id}", s.CancelOrder)
			write.With(auth.RequireRole(auth.RoleOperator), idempotent).Post("/orders/{id}/complete", s.CompleteOrder)
			write.Put("/profile", s.PutProfile)
		})

		if s.ledger != nil {
			api.Route("/ledger", s.ledgerRoutes(limiter, idempotent))
		}
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Funds string `json:"funds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeFailure renders a reconciler failure with its funds disposition.
// Internal causes are logged and never echoed to the client.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	rerr, ok := reconciler.AsError(err)
	if !ok {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, reconciler.CodeOf(err), "internal error")
		return
	}
	message := rerr.Error()
	if rerr.Kind == reconciler.KindInternal {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("code", rerr.Code),
			slog.String("error", message))
		message = "internal error"
	}
	writeJSON(w, rerr.HTTPStatus(), errorResponse{Error: message, Code: rerr.Code, Funds: string(rerr.Funds)})
}

func actorFrom(r *http.Request) (reconciler.Actor, bool) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		return reconciler.Actor{}, false
	}
	return reconciler.Actor{
		Subject:  claims.Subject,
		Wallet:   claims.Wallet,
		Operator: claims.Role == auth.RoleOperator,
	}, true
}

func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (reconciler.Actor, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
	}
	return actor, ok
}

func orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ORDER_ID", "invalid order id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return false
	}
	return true
}
