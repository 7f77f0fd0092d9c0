package pricefeed

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// Hub lazily creates one running Simulator per (asset, range) and relays
// its ticks to the WebSocket stream. Feeds run until Stop.
type Hub struct {
	stream *StreamHub

	mu    sync.Mutex
	feeds map[string]*Simulator
}

// NewHub creates a hub. stream may be nil when no WebSocket relay is
// needed (tests).
func NewHub(stream *StreamHub) *Hub {
	return &Hub{
		stream: stream,
		feeds:  make(map[string]*Simulator),
	}
}

// Feed returns the running simulator for cfg's (AssetID, Range),
// creating and starting it on first use. Later callers get the existing
// feed; their parameters do not re-seed it.
func (h *Hub) Feed(cfg Config) *Simulator {
	cfg = cfg.normalized()
	key := cfg.AssetID + "|" + string(cfg.Range)

	h.mu.Lock()
	defer h.mu.Unlock()

	if sim, ok := h.feeds[key]; ok {
		return sim
	}

	sim := New(cfg)
	if h.stream != nil {
		sim.Subscribe(func(p Point) {
			h.stream.Broadcast(StreamMessage{
				Type:    "price_tick",
				AssetID: cfg.AssetID,
				Range:   string(cfg.Range),
				Price:   p.Price.String(),
				Time:    p.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			})
		})
	}
	sim.Start()
	h.feeds[key] = sim
	return sim
}

// Stop halts every running feed.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sim := range h.feeds {
		sim.Stop()
	}
}

// HandleSnapshot handles GET /api/v1/pricefeed/{assetID}. Query
// parameters: range (1D|1W|1M|1Y), base, volatility, trend. The first
// request for an (asset, range) pair fixes its parameters.
func (h *Hub) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	cfg := Config{
		AssetID: chi.URLParam(r, "assetID"),
		Range:   Range(r.URL.Query().Get("range")),
		Trend:   Trend(r.URL.Query().Get("trend")),
	}
	if base := r.URL.Query().Get("base"); base != "" {
		if d, err := decimal.NewFromString(base); err == nil {
			cfg.BasePrice = d
		}
	}
	if vol := r.URL.Query().Get("volatility"); vol != "" {
		if f, err := strconv.ParseFloat(vol, 64); err == nil {
			cfg.Volatility = f
		}
	}

	sim := h.Feed(cfg)
	points, ok := sim.Snapshot()
	if !ok {
		writeError(w, "no data", http.StatusNotFound)
		return
	}

	suggested, _ := sim.DefaultUnitPriceCents()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"asset_id":                   cfg.AssetID,
		"range":                      sim.cfg.Range,
		"points":                     points,
		"suggested_unit_price_cents": suggested,
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
