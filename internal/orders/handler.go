package orders

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tokensim/simcore/internal/kv"
	"github.com/tokensim/simcore/internal/model"
)

// HandleSubmit handles POST /api/v1/orders.
func (e *Engine) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := e.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), orderStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

// HandleListOrders handles GET /api/v1/orders/{userID}. Returns the
// user's execution records in insertion order.
func (e *Engine) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	all, err := e.repo.Orders.ReadAll(r.Context())
	if err != nil {
		writeError(w, "failed to read orders", http.StatusInternalServerError)
		return
	}

	mine := []model.Order{}
	for _, o := range all {
		if o.UserID == userID {
			mine = append(mine, o)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mine)
}

// HandleHoldings handles GET /api/v1/holdings/{userID}. Returns the
// user's net positions plus available balance.
func (e *Engine) HandleHoldings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	all, err := e.repo.Investments.ReadAll(r.Context())
	if err != nil {
		writeError(w, "failed to read holdings", http.StatusInternalServerError)
		return
	}

	mine := []model.Investment{}
	for _, inv := range all {
		if inv.UserID == userID {
			mine = append(mine, inv)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"holdings":      mine,
		"balance_cents": e.Balance(userID),
	})
}

func orderStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientHoldings):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, kv.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
