// Package server exposes the HTTP API: purchases, order lifecycle, country
// rankings, wallets and the admin corrections surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/numgate/numgate/internal/config"
	"github.com/numgate/numgate/internal/httputil"
	"github.com/numgate/numgate/internal/ledger"
	"github.com/numgate/numgate/internal/provider"
	"github.com/numgate/numgate/internal/purchase"
)

// Purchaser runs the purchase flow.
type Purchaser interface {
	Purchase(ctx context.Context, req purchase.Request) (*ledger.Order, error)
}

// Lifecycle exposes the manual order operations.
type Lifecycle interface {
	GetActive(ctx context.Context, userID string) ([]ledger.Order, error)
	Order(ctx context.Context, orderID string) (*ledger.Order, error)
	Cancel(ctx context.Context, orderID, userID string) (*ledger.Order, error)
	Extend(ctx context.Context, orderID string, minutes int) (*ledger.Order, error)
	Finish(ctx context.Context, orderID string) (*ledger.Order, error)
}

// Wallets is the wallet slice of the ledger store the handlers need.
type Wallets interface {
	Wallet(ctx context.Context, userID string) (*ledger.Wallet, error)
	EnsureWallet(ctx context.Context, userID string) (*ledger.Wallet, error)
	Deposit(ctx context.Context, userID string, amount int64) (*ledger.Wallet, error)
	AdminCredit(ctx context.Context, orderID string, amount int64, note string) (*ledger.Correction, error)
}

// Server is the main HTTP server for numgate.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	purchaser Purchaser
	lifecycle Lifecycle
	wallets   Wallets
	registry  *provider.Registry
	startTime time.Time
}

// New creates a new Server with middleware and routes configured.
func New(cfg *config.Config, logger *slog.Logger, p Purchaser, lc Lifecycle, w Wallets, reg *provider.Registry) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		purchaser: p,
		lifecycle: lc,
		wallets:   w,
		registry:  reg,
		startTime: time.Now(),
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/services/{service}/countries", s.handleCountries)
		r.Get("/orders/active", s.handleActiveOrders)
		r.Get("/orders/{id}", s.handleGetOrder)
		r.Get("/wallets/{user}", s.handleGetWallet)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			r.Post("/purchase", s.handlePurchase)
			r.Post("/orders/{id}/cancel", s.handleCancelOrder)
			r.Post("/orders/{id}/extend", s.handleExtendOrder)
			r.Post("/orders/{id}/finish", s.handleFinishOrder)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Use(middleware.AllowContentType("application/json"))
			r.Post("/credit", s.handleAdminCredit)
			r.Post("/deposit", s.handleAdminDeposit)
		})
	})

	return s
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}
