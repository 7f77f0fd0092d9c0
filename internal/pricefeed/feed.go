// Package pricefeed produces bounded synthetic price series per asset:
// a fixed-length historical backfill plus live random-walk ticks over a
// sliding window. The feed is display-grade data: it suggests a default
// unit price for orders but is never an authoritative clearing price.
package pricefeed

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokensim/simcore/internal/metrics"
)

// WindowSize is the fixed length of every series. The live loop appends
// one point and drops the oldest, never growing past this.
const WindowSize = 150

// Trend biases the walk's drift.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
)

// Range selects the emulated time span. Wider ranges use larger per-step
// volatility (macro noise) and slower live ticks.
type Range string

const (
	Range1D Range = "1D"
	Range1W Range = "1W"
	Range1M Range = "1M"
	Range1Y Range = "1Y"
)

// per-step volatility scale and live tick interval per range.
var rangeParams = map[Range]struct {
	stepScale float64
	interval  time.Duration
	span      time.Duration
}{
	Range1D: {0.005, 2 * time.Second, 24 * time.Hour},
	Range1W: {0.01, 5 * time.Second, 7 * 24 * time.Hour},
	Range1M: {0.02, 10 * time.Second, 30 * 24 * time.Hour},
	Range1Y: {0.04, 30 * time.Second, 365 * 24 * time.Hour},
}

// minPrice is the floor every generated point is clamped to. The walk can
// never produce a zero, negative, or NaN price.
var minPrice = decimal.NewFromFloat(0.01)

// Point is one observation in a price series.
type Point struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// Config parameterizes one asset's feed. Zero values fall back to
// defaults: BasePrice 100, Range1D, TrendFlat.
type Config struct {
	AssetID    string
	BasePrice  decimal.Decimal
	Volatility float64 // clamped to [0, 1]
	Trend      Trend
	Range      Range
	Seed       int64 // 0 means time-seeded; set for deterministic tests
}

func (c Config) normalized() Config {
	if c.BasePrice.LessThanOrEqual(decimal.Zero) {
		c.BasePrice = decimal.NewFromInt(100)
	}
	if c.Volatility < 0 {
		c.Volatility = 0
	}
	if c.Volatility > 1 {
		c.Volatility = 1
	}
	if _, ok := rangeParams[c.Range]; !ok {
		c.Range = Range1D
	}
	switch c.Trend {
	case TrendUp, TrendDown, TrendFlat:
	default:
		c.Trend = TrendFlat
	}
	return c
}

func (c Config) drift() float64 {
	p := rangeParams[c.Range]
	switch c.Trend {
	case TrendUp:
		return 0.3 * p.stepScale
	case TrendDown:
		return -0.3 * p.stepScale
	default:
		return 0
	}
}

// Simulator owns one asset's series. Start launches the live tick loop;
// Stop tears it down. All reads return copies.
type Simulator struct {
	cfg Config

	mu      sync.Mutex
	rng     *rand.Rand
	window  []Point
	subs    map[int]func(Point)
	nextSub int

	stopOnce sync.Once
	done     chan struct{}
}

// New builds a simulator and backfills WindowSize historical points
// working backward from BasePrice. The live loop is not started.
func New(cfg Config) *Simulator {
	cfg = cfg.normalized()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Simulator{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(seed)),
		subs: make(map[int]func(Point)),
		done: make(chan struct{}),
	}
	s.backfill(time.Now().UTC())
	return s
}

// backfill fills the window from newest to oldest, starting at BasePrice.
// Generation runs backward in time, so the drift is applied opposite to
// the configured trend.
func (s *Simulator) backfill(now time.Time) {
	p := rangeParams[s.cfg.Range]
	step := p.span / WindowSize

	points := make([]Point, WindowSize)
	price := s.cfg.BasePrice
	ts := now
	for i := WindowSize - 1; i >= 0; i-- {
		points[i] = Point{Time: ts, Price: price.Round(4)}

		noise := (s.rng.Float64()*2 - 1) * s.cfg.Volatility * p.stepScale
		factor := 1 + noise - s.cfg.drift()
		price = clamp(price.Mul(decimal.NewFromFloat(factor)))
		ts = ts.Add(-step)
	}
	s.window = points
}

// Start launches the live tick loop in a goroutine.
func (s *Simulator) Start() {
	interval := rangeParams[s.cfg.Range].interval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.Tick(time.Now().UTC())
			}
		}
	}()
}

// Stop halts the live loop. Safe to call more than once.
func (s *Simulator) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Tick appends one live point derived from the last price and slides the
// window. Exported so tests can drive the walk without real timers.
func (s *Simulator) Tick(now time.Time) Point {
	p := rangeParams[s.cfg.Range]

	s.mu.Lock()
	last := s.cfg.BasePrice
	if n := len(s.window); n > 0 {
		last = s.window[n-1].Price
	}

	// Live perturbation is half the backfill step size: intraday noise
	// on top of the macro series.
	noise := (s.rng.Float64()*2 - 1) * s.cfg.Volatility * p.stepScale * 0.5
	factor := 1 + noise + s.cfg.drift()
	next := Point{Time: now, Price: clamp(last.Mul(decimal.NewFromFloat(factor))).Round(4)}

	s.window = append(s.window, next)
	if len(s.window) > WindowSize {
		s.window = s.window[len(s.window)-WindowSize:]
	}

	fns := make([]func(Point), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	metrics.PriceTicks.WithLabelValues(s.cfg.AssetID).Inc()
	for _, fn := range fns {
		fn(next)
	}
	return next
}

// Snapshot returns a copy of the current series. ok is false when the
// window is momentarily empty; callers get "no data", never a crash.
func (s *Simulator) Snapshot() ([]Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.window) == 0 {
		return nil, false
	}
	out := make([]Point, len(s.window))
	copy(out, s.window)
	return out, true
}

// Subscribe registers a listener for live ticks. Returns an unsubscribe
// handle.
func (s *Simulator) Subscribe(fn func(Point)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// DefaultUnitPriceCents converts the latest price to integer cents as a
// suggestion for order forms. ok is false with no data.
func (s *Simulator) DefaultUnitPriceCents() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.window) == 0 {
		return 0, false
	}
	last := s.window[len(s.window)-1].Price
	return last.Mul(decimal.NewFromInt(100)).Round(0).IntPart(), true
}

func clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(minPrice) {
		return minPrice
	}
	return p
}
