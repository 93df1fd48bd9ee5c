// Package liquidity simulates realistic order execution against an order
// book snapshot: book walking for VWAP, partial fills bounded by available
// depth, market impact, and volume-based limit fill estimates.
package liquidity

import (
	"math"

	"papertrade/internal/marketdata"
	"papertrade/internal/types"
)

// Config tunes the simulation.
type Config struct {
	// DepthMultiplier scales book depth. 1.0 uses real depth, 10.0 simulates
	// ten times the liquidity.
	DepthMultiplier float64
	// ImpactFactor maps the fraction of book consumed to price impact.
	ImpactFactor float64
	// MinFillRatePerHour is the floor on limit-order fill rate, as a
	// fraction of order size per hour.
	MinFillRatePerHour float64
	// AllowPartialFills permits market orders to fill less than requested.
	AllowPartialFills bool
	// MaxSlippagePct caps execution slippage when set.
	MaxSlippagePct *float64
}

func DefaultConfig() Config {
	return Config{
		DepthMultiplier:    1.0,
		ImpactFactor:       0.1,
		MinFillRatePerHour: 0.05,
		AllowPartialFills:  true,
	}
}

// LevelFill is the part of a simulated fill taken at one price level.
type LevelFill struct {
	Price              float64 `json:"price"`
	Quantity           float64 `json:"quantity"`
	CumulativeQuantity float64 `json:"cumulative_quantity"`
}

// MarketOrderSimulation is the outcome of walking the book with a market
// order.
type MarketOrderSimulation struct {
	VWAP             float64     `json:"vwap"`
	FilledQuantity   float64     `json:"filled_quantity"`
	UnfilledQuantity float64     `json:"unfilled_quantity"`
	FullyFilled      bool        `json:"fully_filled"`
	Slippage         float64     `json:"slippage"`
	SlippagePct      float64     `json:"slippage_pct"`
	ImpactCost       float64     `json:"impact_cost"`
	LevelsConsumed   int         `json:"levels_consumed"`
	Fills            []LevelFill `json:"fills"`
}

// LimitOrderSimulation estimates fill probability and timing for a resting
// limit order.
type LimitOrderSimulation struct {
	IsExecutable        bool     `json:"is_executable"`
	AvailableQuantity   float64  `json:"available_quantity"`
	CanFillImmediately  bool     `json:"can_fill_immediately"`
	FillProbability     float64  `json:"fill_probability"`
	EstimatedTimeToFill *float64 `json:"estimated_time_to_fill_secs,omitempty"`
	DistanceFromBest    float64  `json:"distance_from_best"`
	DistanceFromBestPct float64  `json:"distance_from_best_pct"`
	EstimatedQueueDepth float64  `json:"estimated_queue_depth"`
}

type Simulator struct {
	cfg Config
}

func NewSimulator(cfg Config) *Simulator {
	return &Simulator{cfg: cfg}
}

// SimulateMarketOrder walks the asks for a buy (ascending) or the bids for a
// sell (descending) and reports the volume-weighted outcome.
func (s *Simulator) SimulateMarketOrder(book *marketdata.OrderBook, side types.OrderSide, quantity float64) MarketOrderSimulation {
	levels := book.Asks
	if side == types.OrderSideSell {
		levels = book.Bids
	}

	mid := book.MidPrice
	remaining := quantity
	totalCost := 0.0
	filled := 0.0
	var fills []LevelFill
	consumed := 0

	for _, level := range levels {
		if remaining <= 0 {
			break
		}
		available := level.Quantity * s.cfg.DepthMultiplier
		fillQty := math.Min(remaining, available)

		filled += fillQty
		totalCost += fillQty * level.Price
		remaining -= fillQty
		consumed++

		fills = append(fills, LevelFill{
			Price:              level.Price,
			Quantity:           fillQty,
			CumulativeQuantity: filled,
		})
	}

	vwap := mid
	if filled > 0 {
		vwap = totalCost / filled
	}

	slippage := vwap - mid
	if side == types.OrderSideSell {
		slippage = mid - vwap
	}
	slippagePct := 0.0
	if mid > 0 {
		slippagePct = slippage / mid * 100
	}

	return MarketOrderSimulation{
		VWAP:             vwap,
		FilledQuantity:   filled,
		UnfilledQuantity: math.Max(remaining, 0),
		FullyFilled:      remaining <= 0,
		Slippage:         slippage,
		SlippagePct:      slippagePct,
		ImpactCost:       math.Abs(slippage) * filled,
		LevelsConsumed:   consumed,
		Fills:            fills,
	}
}

// SimulateLimitOrder estimates whether a limit order executes now and, if
// not, how likely and how soon it is to fill given 24h volume.
func (s *Simulator) SimulateLimitOrder(book *marketdata.OrderBook, side types.OrderSide, quantity, limitPrice float64, volume24h *float64) LimitOrderSimulation {
	var levels []marketdata.Level
	var bestPrice float64
	var executable bool
	if side == types.OrderSideBuy {
		levels = book.Asks
		bestPrice = book.BestAsk
		executable = limitPrice >= book.BestAsk
	} else {
		levels = book.Bids
		bestPrice = book.BestBid
		executable = limitPrice <= book.BestBid
	}

	available := 0.0
	for _, l := range levels {
		if (side == types.OrderSideBuy && l.Price <= limitPrice) ||
			(side == types.OrderSideSell && l.Price >= limitPrice) {
			available += l.Quantity * s.cfg.DepthMultiplier
		}
	}

	distance := math.Max(limitPrice-book.BestBid, 0)
	if side == types.OrderSideBuy {
		distance = math.Max(book.BestAsk-limitPrice, 0)
	}
	distancePct := 0.0
	if bestPrice > 0 {
		distancePct = distance / bestPrice * 100
	}

	queueDepth := s.estimateQueueDepth(levels, side, limitPrice)
	probability := s.fillProbability(book, side, limitPrice, executable)

	var eta *float64
	if executable {
		zero := 0.0
		eta = &zero
	} else if volume24h != nil && *volume24h > 0 {
		hourlyVolume := *volume24h / 24
		effectiveQueue := queueDepth + quantity
		fillRate := s.cfg.MinFillRatePerHour + math.Max(1-distancePct/10, 0)*0.5
		secs := effectiveQueue / (hourlyVolume * fillRate) * 3600
		eta = &secs
	}

	return LimitOrderSimulation{
		IsExecutable:        executable,
		AvailableQuantity:   available,
		CanFillImmediately:  executable && available >= quantity,
		FillProbability:     probability,
		EstimatedTimeToFill: eta,
		DistanceFromBest:    distance,
		DistanceFromBestPct: distancePct,
		EstimatedQueueDepth: queueDepth,
	}
}

// CalculateExecutionPrice returns (execution price, absolute slippage,
// filled quantity) for a market order, clamping to the configured maximum
// slippage when one is set.
func (s *Simulator) CalculateExecutionPrice(book *marketdata.OrderBook, side types.OrderSide, quantity float64) (float64, float64, float64) {
	sim := s.SimulateMarketOrder(book, side, quantity)

	if s.cfg.MaxSlippagePct != nil && math.Abs(sim.SlippagePct) > *s.cfg.MaxSlippagePct {
		maxSlip := *s.cfg.MaxSlippagePct
		cappedPrice := book.MidPrice * (1 + maxSlip/100)
		if side == types.OrderSideSell {
			cappedPrice = book.MidPrice * (1 - maxSlip/100)
		}
		return cappedPrice, book.MidPrice * maxSlip / 100, sim.FilledQuantity
	}

	return sim.VWAP, math.Abs(sim.Slippage), sim.FilledQuantity
}

// AvailableFillQuantity is the depth immediately fillable at maxPrice or
// better, or the whole side for market orders. Used for IOC and FOK checks.
func (s *Simulator) AvailableFillQuantity(book *marketdata.OrderBook, side types.OrderSide, maxPrice *float64) float64 {
	levels := book.Asks
	if side == types.OrderSideSell {
		levels = book.Bids
	}

	total := 0.0
	for _, l := range levels {
		if maxPrice != nil {
			if side == types.OrderSideBuy && l.Price > *maxPrice {
				continue
			}
			if side == types.OrderSideSell && l.Price < *maxPrice {
				continue
			}
		}
		total += l.Quantity * s.cfg.DepthMultiplier
	}
	return total
}

// WouldLimitFill reports whether a candle's range touched the limit price.
// Backtesting helper.
func (s *Simulator) WouldLimitFill(side types.OrderSide, limitPrice, candleHigh, candleLow float64) bool {
	if side == types.OrderSideBuy {
		return candleLow <= limitPrice
	}
	return candleHigh >= limitPrice
}

// EstimateLimitFillQuantity approximates how much of a limit order a candle
// would fill. Volume thins quadratically toward the candle extremes and at
// most 10% of candle volume trades at any one level.
func (s *Simulator) EstimateLimitFillQuantity(side types.OrderSide, orderQuantity, limitPrice, candleHigh, candleLow, candleVolume float64) float64 {
	if !s.WouldLimitFill(side, limitPrice, candleHigh, candleLow) {
		return 0
	}

	candleRange := candleHigh - candleLow
	if candleRange <= 0 {
		return orderQuantity
	}

	depthRatio := (limitPrice - candleLow) / candleRange
	if side == types.OrderSideBuy {
		depthRatio = (candleHigh - limitPrice) / candleRange
	}

	volumeAtLevel := candleVolume * math.Pow(1-depthRatio, 2)
	return math.Min(orderQuantity, volumeAtLevel*0.1)
}

// estimateQueueDepth sums resting volume priced strictly better than the
// limit, i.e. volume ahead of us in the queue.
func (s *Simulator) estimateQueueDepth(levels []marketdata.Level, side types.OrderSide, limitPrice float64) float64 {
	depth := 0.0
	for _, l := range levels {
		if (side == types.OrderSideBuy && l.Price < limitPrice) ||
			(side == types.OrderSideSell && l.Price > limitPrice) {
			depth += l.Quantity * s.cfg.DepthMultiplier
		}
	}
	return depth
}

// fillProbability decays exponentially with distance from the best price,
// measured in spreads: ~95% at the touch, ~50% one spread away, floored at
// 1%.
func (s *Simulator) fillProbability(book *marketdata.OrderBook, side types.OrderSide, limitPrice float64, executable bool) float64 {
	if executable {
		return 1.0
	}
	if book.Spread <= 0 {
		return 0.5
	}

	distance := limitPrice - book.BestBid
	if side == types.OrderSideBuy {
		distance = book.BestAsk - limitPrice
	}

	spreadsAway := distance / book.Spread
	return math.Max(0.95*math.Exp(-0.7*spreadsAway), 0.01)
}
