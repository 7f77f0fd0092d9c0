// Package orders validates and settles buy/sell orders against user
// balances and holdings. Settlement is instant: a submitted order always
// completes synchronously with a definite outcome, and a validation
// failure commits nothing.
package orders

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokensim/simcore/internal/metrics"
	"github.com/tokensim/simcore/internal/model"
	"github.com/tokensim/simcore/internal/repo"
	"github.com/tokensim/simcore/internal/session"
)

var (
	// ErrNotAuthenticated is returned when no active session exists for
	// the submitting user.
	ErrNotAuthenticated = errors.New("orders: not authenticated")

	// ErrInsufficientFunds is returned when a buy's gross amount exceeds
	// the user's available balance.
	ErrInsufficientFunds = errors.New("orders: insufficient funds")

	// ErrInsufficientHoldings is returned when a sell exceeds the tokens
	// owned in the asset.
	ErrInsufficientHoldings = errors.New("orders: insufficient holdings")

	// ErrInvalidRequest is returned for non-positive quantities or an
	// unknown side.
	ErrInvalidRequest = errors.New("orders: invalid request")
)

// DefaultStartingBalanceCents seeds each user's simulated cash account on
// first touch.
const DefaultStartingBalanceCents = int64(100000)

// Request describes one order submission.
type Request struct {
	UserID         string `json:"user_id"`
	PropertyID     string `json:"property_id"`
	Tokens         int64  `json:"tokens"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Side           string `json:"side"` // "buy" or "sell"
}

func (r Request) validate() error {
	if r.UserID == "" || r.PropertyID == "" {
		return ErrInvalidRequest
	}
	if r.Tokens <= 0 || r.UnitPriceCents <= 0 {
		return ErrInvalidRequest
	}
	// The gross amount must fit in int64 cents; a wrapped product would
	// slip past the funds check with a negative gross.
	if r.Tokens > math.MaxInt64/r.UnitPriceCents {
		return ErrInvalidRequest
	}
	if r.Side != model.SideBuy && r.Side != model.SideSell {
		return ErrInvalidRequest
	}
	return nil
}

// Result is the committed outcome: the settled order, the refreshed
// holding, and the user's balance after settlement.
type Result struct {
	Order        model.Order      `json:"order"`
	Holding      model.Investment `json:"holding"`
	BalanceCents int64            `json:"balance_cents"`
}

// Engine settles orders through the repository. A mutex serializes
// execution within this context; across contexts there is no
// compare-and-swap, so two contexts racing on the same holding clobber
// each other: the last writer wins, matching the whole-collection
// replace semantics of the store.
type Engine struct {
	repo     *repo.Repository
	sessions *session.Manager
	now      func() time.Time

	mu       sync.Mutex
	balances map[string]int64 // simulated cash, this context only
	seed     int64
}

// NewEngine creates an engine. startingBalanceCents <= 0 selects
// DefaultStartingBalanceCents.
func NewEngine(r *repo.Repository, sessions *session.Manager, startingBalanceCents int64) *Engine {
	if startingBalanceCents <= 0 {
		startingBalanceCents = DefaultStartingBalanceCents
	}
	return &Engine{
		repo:     r,
		sessions: sessions,
		now:      time.Now,
		balances: make(map[string]int64),
		seed:     startingBalanceCents,
	}
}

// Balance returns the user's available cash, seeding it on first touch.
// The balance is transient display state, not derived from the
// transaction ledger.
func (e *Engine) Balance(userID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceLocked(userID)
}

func (e *Engine) balanceLocked(userID string) int64 {
	if _, ok := e.balances[userID]; !ok {
		e.balances[userID] = e.seed
	}
	return e.balances[userID]
}

// Submit validates and settles one order. On any returned error no order
// record, holding mutation, or balance change is visible.
func (e *Engine) Submit(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if err := req.validate(); err != nil {
		metrics.OrderRejections.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	sess := e.sessions.Current(ctx)
	if sess == nil || sess.UserID != req.UserID {
		metrics.OrderRejections.WithLabelValues("not_authenticated").Inc()
		return nil, ErrNotAuthenticated
	}

	// Serialize settlement: the order append and the holding upsert must
	// both land before any reader in this context observes either.
	e.mu.Lock()
	defer e.mu.Unlock()

	gross := req.Tokens * req.UnitPriceCents
	balance := e.balanceLocked(req.UserID)

	investments, err := e.repo.Investments.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	holdingIdx := -1
	for i, inv := range investments {
		if inv.UserID == req.UserID && inv.PropertyID == req.PropertyID {
			holdingIdx = i
			break
		}
	}

	switch req.Side {
	case model.SideBuy:
		if gross > balance {
			metrics.OrderRejections.WithLabelValues("insufficient_funds").Inc()
			return nil, ErrInsufficientFunds
		}
	case model.SideSell:
		if holdingIdx < 0 || investments[holdingIdx].TokensOwned < req.Tokens {
			metrics.OrderRejections.WithLabelValues("insufficient_holdings").Inc()
			return nil, ErrInsufficientHoldings
		}
	}

	order := model.Order{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		PropertyID:       req.PropertyID,
		Tokens:           req.Tokens,
		UnitPriceCents:   req.UnitPriceCents,
		GrossAmountCents: gross,
		Status:           model.OrderStatusPaid,
		TxType:           req.Side,
		CreatedAt:        e.now().UTC(),
	}

	// Upsert the holding: one row per (user, asset), never a second.
	original := make([]model.Investment, len(investments))
	copy(original, investments)

	var holding model.Investment
	if req.Side == model.SideBuy {
		if holdingIdx < 0 {
			holding = model.Investment{UserID: req.UserID, PropertyID: req.PropertyID}
			investments = append(investments, holding)
			holdingIdx = len(investments) - 1
		}
		investments[holdingIdx].TokensOwned += req.Tokens
		investments[holdingIdx].InvestmentAmountCents += gross
	} else {
		investments[holdingIdx].TokensOwned -= req.Tokens
		investments[holdingIdx].InvestmentAmountCents -= gross
		if investments[holdingIdx].InvestmentAmountCents < 0 {
			investments[holdingIdx].InvestmentAmountCents = 0
		}
	}
	holding = investments[holdingIdx]

	// Holding first, then the order: if the second write fails the
	// holding is rolled back, so a paid order is never visible without
	// its holding update.
	if err := e.repo.Investments.WriteAll(ctx, investments); err != nil {
		return nil, err
	}
	if err := e.repo.Orders.Insert(ctx, order); err != nil {
		if rbErr := e.repo.Investments.WriteAll(ctx, original); rbErr != nil {
			slog.Error("orders: rollback failed, holding and ledger diverged",
				"user", req.UserID, "asset", req.PropertyID, "err", rbErr)
		}
		return nil, err
	}

	// Adjust the externally-tracked cash balance.
	if req.Side == model.SideBuy {
		e.balances[req.UserID] = balance - gross
	} else {
		e.balances[req.UserID] = balance + gross
	}

	// Audit record: write-only, never read back into balances. A failed
	// append degrades bookkeeping, not settlement.
	amount := gross
	if req.Side == model.SideBuy {
		amount = -gross
	}
	tx := model.Transaction{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		AmountCents: amount,
		Kind:        "trade",
		Reference:   order.ID,
		CreatedAt:   order.CreatedAt,
	}
	if err := e.repo.Transactions.Insert(ctx, tx); err != nil {
		slog.Warn("orders: audit transaction not persisted", "order", order.ID, "err", err)
	}

	metrics.OrdersTotal.WithLabelValues(req.Side).Inc()
	metrics.OrderLatency.WithLabelValues(req.Side).Observe(time.Since(start).Seconds())
	slog.Info("order settled",
		"order", order.ID,
		"user", req.UserID,
		"asset", req.PropertyID,
		"side", req.Side,
		"tokens", req.Tokens,
		"gross_cents", gross,
		"balance_cents", e.balances[req.UserID],
	)

	return &Result{
		Order:        order,
		Holding:      holding,
		BalanceCents: e.balances[req.UserID],
	}, nil
}
