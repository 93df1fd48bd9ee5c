package engine

import (
	"context"

	"papertrade/internal/events"
	"papertrade/internal/marketdata"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
)

// Close reasons reported by CheckPositionTriggers.
const (
	CloseReasonLiquidation = "liquidation"
	CloseReasonStopLoss    = "stop_loss"
	CloseReasonTakeProfit  = "take_profit"
)

// TriggerResult reports one triggered order execution.
type TriggerResult struct {
	OrderID string
	Trade   model.Trade
	Err     error
}

// PositionTriggerResult reports one forced position close.
type PositionTriggerResult struct {
	PositionID string
	Reason     string
	Trade      model.Trade
	Err        error
}

// CheckTriggeredOrders executes every cached order for the symbol whose
// trigger condition holds at the given price. Bracket children that have not
// been activated yet are skipped.
func (e *Engine) CheckTriggeredOrders(ctx context.Context, symbol string, currentPrice float64, book *marketdata.OrderBook) []TriggerResult {
	price := decimal.NewFromFloat(currentPrice)

	e.omu.RLock()
	var triggered []model.Order
	for _, o := range e.orders {
		if o.Symbol != symbol || o.IsTerminal() {
			continue
		}
		if o.BracketRole != nil && *o.BracketRole != types.BracketRoleEntry && o.Status == types.OrderStatusPending {
			continue
		}
		if o.ShouldTrigger(price) {
			triggered = append(triggered, o)
		}
	}
	e.omu.RUnlock()

	var results []TriggerResult
	for _, o := range triggered {
		trade, err := e.ExecuteMarketOrder(ctx, o.ID, currentPrice, book)
		results = append(results, TriggerResult{OrderID: o.ID, Trade: trade, Err: err})
	}
	return results
}

// CheckPositionTriggers marks every cached position for the symbol to the
// given price and force-closes the ones whose liquidation, stop-loss, or
// take-profit condition holds, in that priority.
func (e *Engine) CheckPositionTriggers(ctx context.Context, symbol string, currentPrice float64) []PositionTriggerResult {
	price := decimal.NewFromFloat(currentPrice)

	e.posmu.RLock()
	var candidates []model.Position
	for _, p := range e.positions {
		if p.Symbol != symbol {
			continue
		}
		p.UpdatePrice(price)
		if p.ShouldLiquidate() || p.ShouldStopLoss() || p.ShouldTakeProfit() {
			candidates = append(candidates, p)
		}
	}
	e.posmu.RUnlock()

	var results []PositionTriggerResult
	for _, position := range candidates {
		reason := CloseReasonTakeProfit
		switch {
		case position.ShouldLiquidate():
			reason = CloseReasonLiquidation
		case position.ShouldStopLoss():
			reason = CloseReasonStopLoss
		}

		e.log.Info().
			Str("position_id", position.ID).
			Str("reason", reason).
			Float64("price", currentPrice).
			Msg("position trigger")

		if reason == CloseReasonLiquidation {
			loss := decimal.Min(position.UnrealizedPnL, decimal.Zero).Abs()
			e.publish(events.TypeLiquidationAlert, LiquidationAlert{
				PortfolioID: position.PortfolioID,
				PositionID:  position.ID,
				Symbol:      position.Symbol,
				Price:       price,
				Loss:        loss,
			})
		}

		trade, err := e.ClosePosition(ctx, position.ID, currentPrice)
		if err == nil {
			switch reason {
			case CloseReasonLiquidation:
				e.publish(events.TypePositionLiquidated, position)
			case CloseReasonStopLoss:
				e.publish(events.TypePositionStopLoss, position)
			default:
				e.publish(events.TypePositionTakeProfit, position)
			}
		}
		results = append(results, PositionTriggerResult{PositionID: position.ID, Reason: reason, Trade: trade, Err: err})
	}
	return results
}

// LiquidationAlert is the payload of a liquidation alert event.
type LiquidationAlert struct {
	PortfolioID string          `json:"portfolio_id"`
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Loss        decimal.Decimal `json:"loss"`
}
