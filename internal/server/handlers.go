package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/numgate/numgate/internal/httputil"
	"github.com/numgate/numgate/internal/ledger"
	"github.com/numgate/numgate/internal/lifecycle"
	"github.com/numgate/numgate/internal/operator"
	"github.com/numgate/numgate/internal/purchase"
)

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var werr *purchase.WaterfallError
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		httputil.WriteError(w, http.StatusPaymentRequired, "insufficient funds")
	case errors.As(err, &werr):
		httputil.WriteErrorData(w, http.StatusConflict, werr.Error(),
			map[string]any{"attempts": werr.Attempts})
	case errors.Is(err, ledger.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrNotRefundable):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrHoldingPeriod):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrNotRental):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchase.Request
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := s.purchaser.Purchase(r.Context(), req)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			writeDomainError(w, err)
			return
		}
		var werr *purchase.WaterfallError
		if errors.As(err, &werr) {
			s.logger.Warn("purchase failed across all providers",
				"user", req.UserID, "service", req.Service, "country", req.Country)
			writeDomainError(w, err)
			return
		}
		s.logger.Error("purchase failed", "user", req.UserID, "error", err)
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, order)
}

func (s *Server) handleActiveOrders(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	orders, err := s.lifecycle.GetActive(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !httputil.IsValidUUID(id) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	order, err := s.lifecycle.Order(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

// finalizedFallback handles the lost side of a finalization race: the order
// reached a terminal state through another path, so return its current state
// instead of an error.
func (s *Server) finalizedFallback(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := s.lifecycle.Order(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !httputil.IsValidUUID(id) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		httputil.WriteError(w, http.StatusBadRequest, "userId is required")
		return
	}

	order, err := s.lifecycle.Cancel(r.Context(), id, req.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyFinalized) {
			s.finalizedFallback(w, r, id)
			return
		}
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

func (s *Server) handleExtendOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !httputil.IsValidUUID(id) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	var req struct {
		DurationMinutes int `json:"durationMinutes"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.DurationMinutes <= 0 {
		httputil.WriteError(w, http.StatusBadRequest, "durationMinutes must be positive")
		return
	}

	order, err := s.lifecycle.Extend(r.Context(), id, req.DurationMinutes)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyFinalized) {
			s.finalizedFallback(w, r, id)
			return
		}
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

func (s *Server) handleFinishOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !httputil.IsValidUUID(id) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := s.lifecycle.Finish(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyFinalized) {
			s.finalizedFallback(w, r, id)
			return
		}
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	countriesParam := strings.TrimSpace(r.URL.Query().Get("countries"))
	if countriesParam == "" {
		httputil.WriteError(w, http.StatusBadRequest, "countries query parameter is required")
		return
	}
	countries := strings.Split(countriesParam, ",")
	if len(countries) > 50 {
		httputil.WriteError(w, http.StatusBadRequest, "too many countries, maximum is 50")
		return
	}

	// First provider with stock answers for each country.
	byCountry := make(map[string]map[string]operator.Quote, len(countries))
	for _, country := range countries {
		country = strings.TrimSpace(country)
		if country == "" {
			continue
		}
		for _, gw := range s.registry.Ordered() {
			quotes, err := s.registry.Quotes(r.Context(), gw, service, country)
			if err != nil || len(quotes) == 0 {
				continue
			}
			byCountry[country] = quotes
			break
		}
	}

	ranked := operator.RankCountries(byCountry)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"service":   service,
		"countries": ranked,
	})
}

type walletResponse struct {
	*ledger.Wallet
	Available int64 `json:"available"`
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	wallet, err := s.wallets.EnsureWallet(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, walletResponse{Wallet: wallet, Available: wallet.Available()})
}

func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"orderId"`
		Amount  int64  `json:"amount"`
		Note    string `json:"note"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !httputil.IsValidUUID(req.OrderID) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	if req.Amount <= 0 {
		httputil.WriteError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	correction, err := s.wallets.AdminCredit(r.Context(), req.OrderID, req.Amount, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("admin credit applied",
		"order", req.OrderID, "user", correction.UserID, "amount", req.Amount)
	httputil.WriteJSON(w, http.StatusCreated, correction)
}

func (s *Server) handleAdminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Amount int64  `json:"amount"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		httputil.WriteError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Amount <= 0 {
		httputil.WriteError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	if _, err := s.wallets.EnsureWallet(r.Context(), req.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	wallet, err := s.wallets.Deposit(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("deposit applied", "user", req.UserID, "amount", req.Amount)
	httputil.WriteJSON(w, http.StatusOK, walletResponse{Wallet: wallet, Available: wallet.Available()})
}
