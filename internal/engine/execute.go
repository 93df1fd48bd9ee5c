package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"papertrade/internal/events"
	"papertrade/internal/liquidity"
	"papertrade/internal/marketdata"
	"papertrade/internal/model"
	"papertrade/internal/storage"
	"papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// marginWarningLevel is the portfolio margin level, in percent, below which
// a margin warning event is emitted.
var marginWarningLevel = decimal.NewFromInt(125)

// ExecuteMarketOrder fills an order's remaining quantity at a simulated
// price, mutates the affected position and portfolio, writes everything
// through, and returns the trade. The sub-steps run in a fixed order but are
// not wrapped in a cross-entity transaction; the cache is the authority and
// the store follows it.
func (e *Engine) ExecuteMarketOrder(ctx context.Context, orderID string, currentPrice float64, book *marketdata.OrderBook) (model.Trade, error) {
	order, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return model.Trade{}, err
	}
	return e.executeFill(ctx, orderID, order.RemainingQuantity(), currentPrice, book)
}

func (e *Engine) executeFill(ctx context.Context, orderID string, quantity decimal.Decimal, currentPrice float64, book *marketdata.OrderBook) (model.Trade, error) {
	order, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return model.Trade{}, err
	}
	if order.IsTerminal() {
		return model.Trade{}, &InvalidOrderError{Reason: fmt.Sprintf("order %s is already %s", orderID, order.Status)}
	}
	if currentPrice <= 0 && (book == nil || book.IsEmpty()) {
		return model.Trade{}, ErrNoPriceData
	}

	execPrice, slippage := e.executionPrice(&order, quantity, currentPrice, book)
	price := decimal.NewFromFloat(execPrice)
	slip := decimal.NewFromFloat(slippage)

	notional := quantity.Mul(price)
	fee := notional.Mul(decimal.NewFromFloat(e.cfg.FeePct))

	portfolio, err := e.GetPortfolio(ctx, order.PortfolioID)
	if err != nil {
		return model.Trade{}, err
	}

	positionID, realized, err := e.updatePositionForTrade(ctx, &portfolio, &order, quantity, price, fee)
	if err != nil {
		return model.Trade{}, err
	}

	order.AddFill(model.Fill{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Price:     price,
		Quantity:  quantity,
		Fee:       fee,
		Timestamp: time.Now().UTC(),
	})

	// Trade counters track position reductions, not opening fills.
	if realized != nil {
		portfolio.TotalTrades++
		if realized.IsPositive() {
			portfolio.WinningTrades++
		}
	}

	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return model.Trade{}, fmt.Errorf("update order: %w", err)
	}
	e.cacheOrder(order)
	e.queueSync("order", order.ID, "update")

	if err := e.store.UpdatePortfolio(ctx, portfolio); err != nil {
		return model.Trade{}, fmt.Errorf("update portfolio: %w", err)
	}
	e.cachePortfolio(portfolio)
	e.queueSync("portfolio", portfolio.ID, "update")

	trade := model.NewTrade(order.ID, order.PortfolioID, order.Symbol, order.AssetClass, order.Side, quantity, price, fee, slip)
	trade.PositionID = &positionID
	trade.RealizedPnL = realized
	if err := e.store.CreateTrade(ctx, trade); err != nil {
		return model.Trade{}, fmt.Errorf("create trade: %w", err)
	}
	e.queueSync("trade", trade.ID, "create")

	e.snapshotEquity(ctx, &portfolio)

	e.publish(events.TypeOrderFilled, order)
	e.publish(events.TypeTradeExecuted, trade)
	e.publish(events.TypePortfolioBalanceChanged, portfolio)

	// A filled bracket entry opens its protective children; a filled OCO
	// member cancels its partner.
	if order.Status == types.OrderStatusFilled {
		if order.BracketID != nil && order.BracketRole != nil && *order.BracketRole == types.BracketRoleEntry {
			if _, err := e.ActivateBracketOrders(ctx, *order.BracketID); err != nil {
				e.log.Warn().Err(err).Str("bracket_id", *order.BracketID).Msg("bracket activation failed")
			}
		}
		if order.LinkedOrderID != nil {
			if _, err := e.CancelLinkedOrder(ctx, order.ID); err != nil {
				e.log.Warn().Err(err).Str("order_id", order.ID).Msg("linked order cancel failed")
			}
		}
	}

	e.log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("price", price.String()).
		Str("slippage", slip.String()).
		Msg("order executed")
	return trade, nil
}

// executionPrice walks the book when one is supplied; otherwise it applies
// the flat base slippage to the quoted price.
func (e *Engine) executionPrice(order *model.Order, quantity decimal.Decimal, currentPrice float64, book *marketdata.OrderBook) (float64, float64) {
	if book != nil && !book.IsEmpty() {
		price, slippage, _ := e.sim.CalculateExecutionPrice(book, order.Side, quantity.InexactFloat64())
		return price, slippage
	}

	base := currentPrice * e.cfg.BaseSlippagePct
	if order.Side == types.OrderSideBuy {
		return currentPrice + base, base
	}
	return currentPrice - base, base
}

// SimulateMarketOrder previews the execution of a market order without
// placing one.
func (e *Engine) SimulateMarketOrder(book *marketdata.OrderBook, side types.OrderSide, quantity float64) liquidity.MarketOrderSimulation {
	return e.sim.SimulateMarketOrder(book, side, quantity)
}

// SimulateLimitOrder previews fill probability and timing for a limit order.
func (e *Engine) SimulateLimitOrder(book *marketdata.OrderBook, side types.OrderSide, quantity, limitPrice float64, volume24h *float64) liquidity.LimitOrderSimulation {
	return e.sim.SimulateLimitOrder(book, side, quantity, limitPrice, volume24h)
}

// updatePositionForTrade applies a fill to the portfolio's position for the
// order's symbol: average into a same-side position, reduce or flip an
// opposite one, or open a new position. Returns the affected position id and
// the realized P&L when the fill reduced a position. The fee is charged
// against cash on opens and against realized P&L on closes.
func (e *Engine) updatePositionForTrade(ctx context.Context, portfolio *model.Portfolio, order *model.Order, quantity, price, fee decimal.Decimal) (string, *decimal.Decimal, error) {
	notional := quantity.Mul(price)
	marginRequired := notional.Div(order.Leverage)

	positionSide := types.PositionSideLong
	if order.Side == types.OrderSideSell {
		positionSide = types.PositionSideShort
	}

	var positionID string
	var realized *decimal.Decimal

	existing, err := e.store.GetPositionBySymbol(ctx, order.PortfolioID, order.Symbol, string(positionSide))
	switch {
	case err == nil:
		// Average into the existing same-side position.
		if marginRequired.GreaterThan(portfolio.MarginAvailable) {
			return "", nil, &InsufficientMarginError{Needed: marginRequired, Available: portfolio.MarginAvailable}
		}

		totalQty := existing.Quantity.Add(quantity)
		totalCost := existing.EntryPrice.Mul(existing.Quantity).Add(price.Mul(quantity))
		existing.EntryPrice = totalCost.Div(totalQty)
		existing.Quantity = totalQty
		existing.MarginUsed = existing.MarginUsed.Add(marginRequired)
		existing.CostBasis = append(existing.CostBasis, model.CostBasisLot{
			Quantity:   quantity,
			Price:      price,
			AcquiredAt: time.Now().UTC(),
		})
		existing.UpdatePrice(price)
		existing.CalculateLiquidationPrice()

		portfolio.CashBalance = portfolio.CashBalance.Sub(marginRequired).Sub(fee)
		portfolio.MarginUsed = portfolio.MarginUsed.Add(marginRequired)

		if err := e.store.UpdatePosition(ctx, existing); err != nil {
			return "", nil, fmt.Errorf("update position: %w", err)
		}
		e.cachePosition(existing)
		e.queueSync("position", existing.ID, "update")
		e.publish(events.TypePositionIncreased, existing)
		positionID = existing.ID

	case errors.Is(err, storage.ErrNotFound):
		opposite, oppErr := e.store.GetPositionBySymbol(ctx, order.PortfolioID, order.Symbol, string(positionSide.Opposite()))
		switch {
		case oppErr == nil:
			closeQty := decimal.Min(quantity, opposite.Quantity)
			raw := realizedPnL(&opposite, closeQty, price)

			if quantity.GreaterThanOrEqual(opposite.Quantity) {
				// Full close; any excess flips into a new position.
				feeClose := fee
				remaining := quantity.Sub(opposite.Quantity)
				if remaining.IsPositive() {
					feeClose = fee.Mul(closeQty).Div(quantity)
				}
				pnl := raw.Sub(feeClose)
				realized = &pnl

				portfolio.RealizedPnL = portfolio.RealizedPnL.Add(pnl)
				portfolio.CashBalance = portfolio.CashBalance.Add(opposite.MarginUsed).Add(pnl)
				portfolio.MarginUsed = portfolio.MarginUsed.Sub(opposite.MarginUsed)
				portfolio.MarginAvailable = portfolio.CashBalance.Sub(portfolio.MarginUsed)

				if err := e.store.ClosePosition(ctx, opposite.ID); err != nil {
					return "", nil, fmt.Errorf("close position: %w", err)
				}
				e.dropPosition(opposite.ID)
				e.queueSync("position", opposite.ID, "delete")

				opposite.RealizedPnL = opposite.RealizedPnL.Add(pnl)
				e.publish(events.TypePositionClosed, opposite)
				positionID = opposite.ID

				if remaining.IsPositive() {
					newPos, err := e.createNewPosition(ctx, portfolio, order, price, remaining, positionSide, fee.Sub(feeClose))
					if err != nil {
						return "", nil, err
					}
					e.publish(events.TypePositionOpened, newPos)
					positionID = newPos.ID
				}
			} else {
				// Partial close.
				closeRatio := quantity.Div(opposite.Quantity)
				marginReleased := opposite.MarginUsed.Mul(closeRatio)
				pnl := raw.Sub(fee)
				realized = &pnl

				opposite.Quantity = opposite.Quantity.Sub(quantity)
				opposite.MarginUsed = opposite.MarginUsed.Sub(marginReleased)
				opposite.RealizedPnL = opposite.RealizedPnL.Add(pnl)
				opposite.UpdatePrice(price)
				reduceCostBasis(&opposite, quantity, portfolio.CostBasisMethod)

				portfolio.RealizedPnL = portfolio.RealizedPnL.Add(pnl)
				portfolio.CashBalance = portfolio.CashBalance.Add(marginReleased).Add(pnl)
				portfolio.MarginUsed = portfolio.MarginUsed.Sub(marginReleased)

				if err := e.store.UpdatePosition(ctx, opposite); err != nil {
					return "", nil, fmt.Errorf("update position: %w", err)
				}
				e.cachePosition(opposite)
				e.queueSync("position", opposite.ID, "update")
				e.publish(events.TypePositionDecreased, opposite)
				positionID = opposite.ID
			}

		case errors.Is(oppErr, storage.ErrNotFound):
			newPos, err := e.createNewPosition(ctx, portfolio, order, price, quantity, positionSide, fee)
			if err != nil {
				return "", nil, err
			}
			e.publish(events.TypePositionOpened, newPos)
			positionID = newPos.ID

		default:
			return "", nil, fmt.Errorf("get position: %w", oppErr)
		}

	default:
		return "", nil, fmt.Errorf("get position: %w", err)
	}

	// Re-sum unrealized P&L over the surviving positions, then restore the
	// derived portfolio fields.
	positions, err := e.store.ListPositions(ctx, order.PortfolioID)
	if err != nil {
		return "", nil, fmt.Errorf("list positions: %w", err)
	}
	total := decimal.Zero
	for _, pos := range positions {
		total = total.Add(pos.UnrealizedPnL)
	}
	portfolio.UnrealizedPnL = total
	portfolio.Recalculate()

	return positionID, realized, nil
}

func (e *Engine) createNewPosition(ctx context.Context, portfolio *model.Portfolio, order *model.Order, price, quantity decimal.Decimal, side types.PositionSide, fee decimal.Decimal) (model.Position, error) {
	notional := quantity.Mul(price)
	marginRequired := notional.Div(order.Leverage)

	if marginRequired.GreaterThan(portfolio.MarginAvailable) {
		return model.Position{}, &InsufficientMarginError{Needed: marginRequired, Available: portfolio.MarginAvailable}
	}

	position := model.NewPosition(order.PortfolioID, order.Symbol, order.AssetClass, side, quantity, price, order.Leverage)
	position.CalculateLiquidationPrice()

	portfolio.CashBalance = portfolio.CashBalance.Sub(marginRequired).Sub(fee)
	portfolio.MarginUsed = portfolio.MarginUsed.Add(marginRequired)
	portfolio.MarginAvailable = portfolio.CashBalance.Sub(portfolio.MarginUsed)

	if err := e.store.CreatePosition(ctx, position); err != nil {
		return model.Position{}, fmt.Errorf("create position: %w", err)
	}
	e.cachePosition(position)
	e.queueSync("position", position.ID, "create")

	e.log.Debug().
		Str("position_id", position.ID).
		Str("symbol", order.Symbol).
		Str("quantity", quantity.String()).
		Msg("position opened")
	return position, nil
}

// realizedPnL is the direction-signed P&L of closing closeQty at closePrice,
// before fees.
func realizedPnL(position *model.Position, closeQty, closePrice decimal.Decimal) decimal.Decimal {
	entryValue := closeQty.Mul(position.EntryPrice)
	exitValue := closeQty.Mul(closePrice)
	if position.Side == types.PositionSideLong {
		return exitValue.Sub(entryValue)
	}
	return entryValue.Sub(exitValue)
}

// costBasisDust drops residual lots below this quantity after averaging.
var costBasisDust = decimal.NewFromFloat(0.0001)

// reduceCostBasis consumes acquisition lots for a reduction: FIFO from the
// front, LIFO from the back, Average scales every lot proportionally.
func reduceCostBasis(position *model.Position, qtyToRemove decimal.Decimal, method types.CostBasisMethod) {
	switch method {
	case types.CostBasisLIFO:
		for qtyToRemove.IsPositive() && len(position.CostBasis) > 0 {
			last := len(position.CostBasis) - 1
			lot := &position.CostBasis[last]
			if lot.Quantity.LessThanOrEqual(qtyToRemove) {
				qtyToRemove = qtyToRemove.Sub(lot.Quantity)
				position.CostBasis = position.CostBasis[:last]
			} else {
				lot.Quantity = lot.Quantity.Sub(qtyToRemove)
				qtyToRemove = decimal.Zero
			}
		}
	case types.CostBasisAverage:
		totalQty := decimal.Zero
		for _, lot := range position.CostBasis {
			totalQty = totalQty.Add(lot.Quantity)
		}
		if !totalQty.IsPositive() {
			return
		}
		ratio := totalQty.Sub(qtyToRemove).Div(totalQty)
		kept := position.CostBasis[:0]
		for _, lot := range position.CostBasis {
			lot.Quantity = lot.Quantity.Mul(ratio)
			if lot.Quantity.GreaterThan(costBasisDust) {
				kept = append(kept, lot)
			}
		}
		position.CostBasis = kept
	default: // FIFO
		for qtyToRemove.IsPositive() && len(position.CostBasis) > 0 {
			lot := &position.CostBasis[0]
			if lot.Quantity.LessThanOrEqual(qtyToRemove) {
				qtyToRemove = qtyToRemove.Sub(lot.Quantity)
				position.CostBasis = position.CostBasis[1:]
			} else {
				lot.Quantity = lot.Quantity.Sub(qtyToRemove)
				qtyToRemove = decimal.Zero
			}
		}
	}
}

// GetPosition reads through the cache.
func (e *Engine) GetPosition(ctx context.Context, positionID string) (model.Position, error) {
	e.posmu.RLock()
	p, ok := e.positions[positionID]
	e.posmu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Position{}, &PositionNotFoundError{ID: positionID}
		}
		return model.Position{}, fmt.Errorf("get position: %w", err)
	}
	e.cachePosition(p)
	return p, nil
}

func (e *Engine) GetPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	return e.store.ListPositions(ctx, portfolioID)
}

// UpdatePositionPrice marks a position to market and refreshes the owning
// portfolio's unrealized P&L. Emits a margin warning when the portfolio's
// margin level falls below the warning threshold.
func (e *Engine) UpdatePositionPrice(ctx context.Context, positionID string, currentPrice float64) (model.Position, error) {
	position, err := e.GetPosition(ctx, positionID)
	if err != nil {
		return model.Position{}, err
	}

	position.UpdatePrice(decimal.NewFromFloat(currentPrice))

	if err := e.store.UpdatePosition(ctx, position); err != nil {
		return model.Position{}, fmt.Errorf("update position: %w", err)
	}
	e.cachePosition(position)

	if err := e.recalculatePortfolioPnL(ctx, position.PortfolioID); err != nil {
		return model.Position{}, err
	}

	if portfolio, err := e.GetPortfolio(ctx, position.PortfolioID); err == nil {
		if level, ok := portfolio.MarginLevel(); ok && level.LessThan(marginWarningLevel) {
			e.publish(events.TypeMarginWarning, portfolio)
		}
	}

	return position, nil
}

// ModifyPosition sets the position's stop loss and take profit.
func (e *Engine) ModifyPosition(ctx context.Context, positionID string, stopLoss, takeProfit *decimal.Decimal) (model.Position, error) {
	position, err := e.GetPosition(ctx, positionID)
	if err != nil {
		return model.Position{}, err
	}

	position.StopLoss = stopLoss
	position.TakeProfit = takeProfit
	position.UpdatedAt = time.Now().UTC()

	if err := e.store.UpdatePosition(ctx, position); err != nil {
		return model.Position{}, fmt.Errorf("update position: %w", err)
	}
	e.cachePosition(position)
	e.queueSync("position", position.ID, "update")
	e.publish(events.TypePositionModified, position)
	return position, nil
}

// ClosePosition closes a position by placing and executing a market order on
// the opposite side.
func (e *Engine) ClosePosition(ctx context.Context, positionID string, currentPrice float64) (model.Trade, error) {
	position, err := e.GetPosition(ctx, positionID)
	if err != nil {
		return model.Trade{}, err
	}

	order := model.NewMarketOrder(position.PortfolioID, position.Symbol, position.AssetClass, position.Side.ClosingSide(), position.Quantity)
	order.Leverage = position.Leverage

	if err := e.store.CreateOrder(ctx, order); err != nil {
		return model.Trade{}, fmt.Errorf("create order: %w", err)
	}
	e.cacheOrder(order)
	e.queueSync("order", order.ID, "create")

	return e.ExecuteMarketOrder(ctx, order.ID, currentPrice, nil)
}

func (e *Engine) GetTrades(ctx context.Context, portfolioID string, limit int) ([]model.Trade, error) {
	return e.store.ListTrades(ctx, portfolioID, limit)
}

func (e *Engine) GetOrderTrades(ctx context.Context, orderID string) ([]model.Trade, error) {
	return e.store.ListOrderTrades(ctx, orderID)
}
