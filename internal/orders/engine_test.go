package orders_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tokensim/simcore/internal/bus"
	"github.com/tokensim/simcore/internal/kv"
	"github.com/tokensim/simcore/internal/model"
	"github.com/tokensim/simcore/internal/orders"
	"github.com/tokensim/simcore/internal/repo"
	"github.com/tokensim/simcore/internal/session"
)

// newTestEnv builds an engine over an in-memory store with a signed-in
// user, returning the user's id.
func newTestEnv(t *testing.T, startingBalanceCents int64) (*orders.Engine, *repo.Repository, string) {
	t.Helper()
	store := kv.NewMemoryStore()
	b := bus.NewLocalBus()
	r := repo.New(store, b)

	mgr := session.NewManager(store, r, b)
	t.Cleanup(mgr.Close)
	sess, err := mgr.SignUp(context.Background(), "trader@example.com", "pw", session.ProfileFields{FullName: "Trader"})
	if err != nil {
		t.Fatalf("failed to sign up test user: %v", err)
	}

	return orders.NewEngine(r, mgr, startingBalanceCents), r, sess.UserID
}

// TestSubmit_BuyThenOversell is the canonical scenario: balance 1000.00,
// buy 10 tokens at 50.00 succeeds and halves the balance; selling 15 on a
// 10-token holding is rejected without side effects.
func TestSubmit_BuyThenOversell(t *testing.T) {
	eng, r, userID := newTestEnv(t, 100000)
	ctx := context.Background()

	res, err := eng.Submit(ctx, orders.Request{
		UserID:         userID,
		PropertyID:     "P1",
		Tokens:         10,
		UnitPriceCents: 5000,
		Side:           model.SideBuy,
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if res.Order.GrossAmountCents != 50000 {
		t.Errorf("expected gross 50000, got %d", res.Order.GrossAmountCents)
	}
	if res.Order.Status != model.OrderStatusPaid || res.Order.TxType != model.SideBuy {
		t.Errorf("unexpected order: %+v", res.Order)
	}
	if res.Holding.TokensOwned != 10 {
		t.Errorf("expected holding of 10 tokens, got %d", res.Holding.TokensOwned)
	}
	if res.BalanceCents != 50000 {
		t.Errorf("expected balance 50000, got %d", res.BalanceCents)
	}

	_, err = eng.Submit(ctx, orders.Request{
		UserID:         userID,
		PropertyID:     "P1",
		Tokens:         15,
		UnitPriceCents: 5000,
		Side:           model.SideSell,
	})
	if err != orders.ErrInsufficientHoldings {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}

	// The rejection must commit nothing.
	if eng.Balance(userID) != 50000 {
		t.Errorf("balance changed on rejected order: %d", eng.Balance(userID))
	}
	persisted, _ := r.Orders.ReadAll(ctx)
	if len(persisted) != 1 {
		t.Errorf("rejected order must not be recorded, found %d orders", len(persisted))
	}
	holdings, _ := r.Investments.ReadAll(ctx)
	if len(holdings) != 1 || holdings[0].TokensOwned != 10 {
		t.Errorf("holding mutated by rejected order: %+v", holdings)
	}
}

func TestSubmit_RequiresSession(t *testing.T) {
	eng, _, _ := newTestEnv(t, 0)

	_, err := eng.Submit(context.Background(), orders.Request{
		UserID:         "someone-else",
		PropertyID:     "P1",
		Tokens:         1,
		UnitPriceCents: 100,
		Side:           model.SideBuy,
	})
	if err != orders.ErrNotAuthenticated {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSubmit_InsufficientFunds(t *testing.T) {
	eng, r, userID := newTestEnv(t, 1000)
	ctx := context.Background()

	_, err := eng.Submit(ctx, orders.Request{
		UserID:         userID,
		PropertyID:     "P1",
		Tokens:         10,
		UnitPriceCents: 5000,
		Side:           model.SideBuy,
	})
	if err != orders.ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if eng.Balance(userID) != 1000 {
		t.Errorf("balance changed on rejected buy: %d", eng.Balance(userID))
	}
	persisted, _ := r.Orders.ReadAll(ctx)
	if len(persisted) != 0 {
		t.Errorf("rejected buy must not be recorded, found %d orders", len(persisted))
	}
}

func TestSubmit_InvalidRequest(t *testing.T) {
	eng, _, userID := newTestEnv(t, 0)
	ctx := context.Background()

	bad := []orders.Request{
		{UserID: userID, PropertyID: "P1", Tokens: 0, UnitPriceCents: 100, Side: model.SideBuy},
		{UserID: userID, PropertyID: "P1", Tokens: -5, UnitPriceCents: 100, Side: model.SideBuy},
		{UserID: userID, PropertyID: "P1", Tokens: 1, UnitPriceCents: 0, Side: model.SideBuy},
		{UserID: userID, PropertyID: "P1", Tokens: 1, UnitPriceCents: 100, Side: "short"},
		{UserID: userID, PropertyID: "", Tokens: 1, UnitPriceCents: 100, Side: model.SideBuy},
	}
	for i, req := range bad {
		if _, err := eng.Submit(ctx, req); err != orders.ErrInvalidRequest {
			t.Errorf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
}

// TestSubmit_GrossOverflow rejects a buy whose tokens*unitPrice product
// wraps int64. A wrapped gross is negative, passes the funds check, and
// would credit the buyer instead of charging them.
func TestSubmit_GrossOverflow(t *testing.T) {
	eng, r, userID := newTestEnv(t, 1000)
	ctx := context.Background()

	_, err := eng.Submit(ctx, orders.Request{
		UserID:         userID,
		PropertyID:     "P1",
		Tokens:         4_000_000_000,
		UnitPriceCents: 4_000_000_000,
		Side:           model.SideBuy,
	})
	if err != orders.ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	if eng.Balance(userID) != 1000 {
		t.Errorf("balance changed on rejected buy: %d", eng.Balance(userID))
	}
	persisted, _ := r.Orders.ReadAll(ctx)
	if len(persisted) != 0 {
		t.Errorf("overflowing order must not be recorded, found %d", len(persisted))
	}
	holdings, _ := r.Investments.ReadAll(ctx)
	if len(holdings) != 0 {
		t.Errorf("overflowing order created a holding: %+v", holdings)
	}

	// The engine keeps working after the rejection.
	if _, err := eng.Submit(ctx, orders.Request{
		UserID:         userID,
		PropertyID:     "P1",
		Tokens:         10,
		UnitPriceCents: 100,
		Side:           model.SideBuy,
	}); err != nil {
		t.Fatalf("in-range buy failed after overflow rejection: %v", err)
	}
}

// TestSubmit_UpsertsHolding verifies repeated buys collapse into one
// Investment row instead of appending duplicates.
func TestSubmit_UpsertsHolding(t *testing.T) {
	eng, r, userID := newTestEnv(t, 100000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := eng.Submit(ctx, orders.Request{
			UserID:         userID,
			PropertyID:     "P1",
			Tokens:         2,
			UnitPriceCents: 1000,
			Side:           model.SideBuy,
		}); err != nil {
			t.Fatalf("buy %d failed: %v", i, err)
		}
	}

	holdings, _ := r.Investments.ReadAll(ctx)
	if len(holdings) != 1 {
		t.Fatalf("expected a single upserted row, got %d", len(holdings))
	}
	if holdings[0].TokensOwned != 6 || holdings[0].InvestmentAmountCents != 6000 {
		t.Errorf("unexpected aggregate holding: %+v", holdings[0])
	}
}

// TestSubmit_BalanceAndHoldingInvariants walks a mixed order sequence and
// checks tokensOwned never goes negative and cash never overdraws.
func TestSubmit_BalanceAndHoldingInvariants(t *testing.T) {
	eng, r, userID := newTestEnv(t, 50000)
	ctx := context.Background()

	steps := []orders.Request{
		{UserID: userID, PropertyID: "P1", Tokens: 5, UnitPriceCents: 2000, Side: model.SideBuy},
		{UserID: userID, PropertyID: "P2", Tokens: 3, UnitPriceCents: 5000, Side: model.SideBuy},
		{UserID: userID, PropertyID: "P1", Tokens: 5, UnitPriceCents: 2500, Side: model.SideSell},
		{UserID: userID, PropertyID: "P1", Tokens: 1, UnitPriceCents: 2500, Side: model.SideSell}, // nothing left in P1
		{UserID: userID, PropertyID: "P2", Tokens: 3, UnitPriceCents: 4000, Side: model.SideSell},
	}

	for i, req := range steps {
		_, err := eng.Submit(ctx, req)
		if i == 3 && err != orders.ErrInsufficientHoldings {
			t.Fatalf("step %d: expected ErrInsufficientHoldings, got %v", i, err)
		}
		if i != 3 && err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}

		if eng.Balance(userID) < 0 {
			t.Fatalf("step %d drove balance negative: %d", i, eng.Balance(userID))
		}
		holdings, _ := r.Investments.ReadAll(ctx)
		for _, h := range holdings {
			if h.TokensOwned < 0 {
				t.Fatalf("step %d drove holding negative: %+v", i, h)
			}
		}
	}

	// 50000 - 10000 - 15000 + 12500 + 12000
	if got := eng.Balance(userID); got != 49500 {
		t.Errorf("expected final balance 49500, got %d", got)
	}
}

func TestSubmit_SellUnknownAsset(t *testing.T) {
	eng, _, userID := newTestEnv(t, 0)

	_, err := eng.Submit(context.Background(), orders.Request{
		UserID:         userID,
		PropertyID:     "never-bought",
		Tokens:         1,
		UnitPriceCents: 100,
		Side:           model.SideSell,
	})
	if err != orders.ErrInsufficientHoldings {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}
}

func TestSubmit_WritesAuditTransaction(t *testing.T) {
	eng, r, userID := newTestEnv(t, 100000)
	ctx := context.Background()

	res, err := eng.Submit(ctx, orders.Request{
		UserID:         userID,
		PropertyID:     "P1",
		Tokens:         4,
		UnitPriceCents: 250,
		Side:           model.SideBuy,
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	txs, _ := r.Transactions.ReadAll(ctx)
	if len(txs) != 1 {
		t.Fatalf("expected one audit transaction, got %d", len(txs))
	}
	if txs[0].AmountCents != -1000 || txs[0].Reference != res.Order.ID {
		t.Errorf("unexpected audit record: %+v", txs[0])
	}
}

// --- HTTP handler tests ---

func newTestRouter(t *testing.T) (chi.Router, string) {
	t.Helper()
	eng, _, userID := newTestEnv(t, 100000)

	r := chi.NewRouter()
	r.Post("/api/v1/orders", eng.HandleSubmit)
	r.Get("/api/v1/orders/{userID}", eng.HandleListOrders)
	r.Get("/api/v1/holdings/{userID}", eng.HandleHoldings)
	return r, userID
}

func doSubmit(t *testing.T, router chi.Router, req orders.Request) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func TestHandleSubmit_Created(t *testing.T) {
	router, userID := newTestRouter(t)

	w := doSubmit(t, router, orders.Request{
		UserID:         userID,
		PropertyID:     "P1",
		Tokens:         10,
		UnitPriceCents: 5000,
		Side:           model.SideBuy,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var res orders.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Order.ID == "" || res.Holding.TokensOwned != 10 {
		t.Errorf("unexpected response: %+v", res)
	}
}

func TestHandleSubmit_RejectionStatus(t *testing.T) {
	router, userID := newTestRouter(t)

	w := doSubmit(t, router, orders.Request{
		UserID:         userID,
		PropertyID:     "P1",
		Tokens:         1,
		UnitPriceCents: 100,
		Side:           model.SideSell,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for oversell, got %d", w.Code)
	}

	w = doSubmit(t, router, orders.Request{
		UserID:         "intruder",
		PropertyID:     "P1",
		Tokens:         1,
		UnitPriceCents: 100,
		Side:           model.SideBuy,
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for foreign user, got %d", w.Code)
	}
}

func TestHandleHoldings(t *testing.T) {
	router, userID := newTestRouter(t)

	doSubmit(t, router, orders.Request{
		UserID:         userID,
		PropertyID:     "P1",
		Tokens:         2,
		UnitPriceCents: 1500,
		Side:           model.SideBuy,
	})

	req := httptest.NewRequest("GET", "/api/v1/holdings/"+userID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Holdings     []model.Investment `json:"holdings"`
		BalanceCents int64              `json:"balance_cents"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Holdings) != 1 || resp.Holdings[0].TokensOwned != 2 {
		t.Errorf("unexpected holdings: %+v", resp.Holdings)
	}
	if resp.BalanceCents != 97000 {
		t.Errorf("expected balance 97000, got %d", resp.BalanceCents)
	}
}
