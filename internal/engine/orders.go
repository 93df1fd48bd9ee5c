package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"papertrade/internal/events"
	"papertrade/internal/marketdata"
	"papertrade/internal/model"
	"papertrade/internal/storage"
	"papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlaceOrderRequest is the inbound contract for order placement.
type PlaceOrderRequest struct {
	PortfolioID   string             `json:"portfolio_id"`
	Symbol        string             `json:"symbol"`
	AssetClass    types.AssetClass   `json:"asset_class"`
	Side          types.OrderSide    `json:"side"`
	Type          types.OrderType    `json:"type"`
	Quantity      decimal.Decimal    `json:"quantity"`
	Price         *decimal.Decimal   `json:"price,omitempty"`
	StopPrice     *decimal.Decimal   `json:"stop_price,omitempty"`
	TrailAmount   *decimal.Decimal   `json:"trail_amount,omitempty"`
	TrailPercent  *decimal.Decimal   `json:"trail_percent,omitempty"`
	TimeInForce   *types.TimeInForce `json:"time_in_force,omitempty"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
	Leverage      *decimal.Decimal   `json:"leverage,omitempty"`
	StopLoss      *decimal.Decimal   `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal   `json:"take_profit,omitempty"`
	ClientOrderID *string            `json:"client_order_id,omitempty"`
	// BypassDrawdown lets the caller place orders on a stopped portfolio,
	// e.g. to close out positions.
	BypassDrawdown bool `json:"bypass_drawdown,omitempty"`
}

// PlaceOrder validates and records a new order in status Pending. Rejection
// checks run in a fixed order: portfolio existence, drawdown stop, leverage
// cap, position limit, structural validity, then margin for priced buys.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (model.Order, error) {
	portfolio, err := e.GetPortfolio(ctx, req.PortfolioID)
	if err != nil {
		return model.Order{}, err
	}

	if portfolio.IsStopped() && !req.BypassDrawdown {
		return model.Order{}, ErrPortfolioStopped
	}

	leverage := decimal.NewFromInt(1)
	if req.Leverage != nil {
		leverage = *req.Leverage
	}
	// Margin is notional/leverage, so leverage below 1 would divide by zero
	// or invert the sign of required margin.
	if leverage.LessThan(decimal.NewFromInt(1)) {
		return model.Order{}, &InvalidOrderError{Reason: "leverage must be at least 1"}
	}
	maxLeverage := decimal.NewFromFloat(req.AssetClass.MaxLeverage())
	if leverage.GreaterThan(maxLeverage) {
		return model.Order{}, &LeverageError{Requested: leverage, Max: maxLeverage}
	}

	openPositions, err := e.store.PositionCount(ctx, req.PortfolioID)
	if err != nil {
		return model.Order{}, fmt.Errorf("position count: %w", err)
	}
	if openPositions >= portfolio.RiskSettings.MaxOpenPositions {
		return model.Order{}, &PositionLimitError{Max: portfolio.RiskSettings.MaxOpenPositions}
	}

	now := time.Now().UTC()
	order := model.Order{
		ID:            uuid.NewString(),
		PortfolioID:   req.PortfolioID,
		Symbol:        req.Symbol,
		AssetClass:    req.AssetClass,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		TrailAmount:   req.TrailAmount,
		TrailPercent:  req.TrailPercent,
		TimeInForce:   types.TimeInForceGTC,
		Status:        types.OrderStatusPending,
		Leverage:      leverage,
		Fills:         []model.Fill{},
		ClientOrderID: req.ClientOrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.TimeInForce != nil {
		order.TimeInForce = *req.TimeInForce
	}
	if order.TimeInForce == types.TimeInForceGTD {
		order.ExpiresAt = req.ExpiresAt
	}

	// Seed trailing reference from the trigger price until the first tick.
	if order.Type == types.OrderTypeTrailingStop && order.StopPrice != nil {
		if order.Side == types.OrderSideSell {
			order.TrailHighPrice = order.StopPrice
		} else {
			order.TrailLowPrice = order.StopPrice
		}
	}

	if err := e.validateOrder(&order, &portfolio); err != nil {
		return model.Order{}, err
	}

	if err := e.store.CreateOrder(ctx, order); err != nil {
		return model.Order{}, fmt.Errorf("create order: %w", err)
	}
	e.cacheOrder(order)
	e.queueSync("order", order.ID, "create")
	e.publish(events.TypeOrderCreated, order)

	e.log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("type", string(order.Type)).
		Msg("order placed")
	return order, nil
}

func (e *Engine) validateOrder(order *model.Order, portfolio *model.Portfolio) error {
	if !order.Quantity.IsPositive() {
		return &InvalidOrderError{Reason: "quantity must be positive"}
	}

	switch order.Type {
	case types.OrderTypeLimit:
		if order.Price == nil {
			return &InvalidOrderError{Reason: "limit order requires price"}
		}
	case types.OrderTypeStopLoss, types.OrderTypeTakeProfit, types.OrderTypeStopLimit:
		if order.StopPrice == nil {
			return &InvalidOrderError{Reason: "stop order requires stop_price"}
		}
		if order.Type == types.OrderTypeStopLimit && order.Price == nil {
			return &InvalidOrderError{Reason: "stop limit order requires price"}
		}
	case types.OrderTypeTrailingStop:
		if order.TrailAmount == nil && order.TrailPercent == nil {
			return &InvalidOrderError{Reason: "trailing stop requires trail_amount or trail_percent"}
		}
	}

	if order.Price != nil {
		notional := order.Quantity.Mul(*order.Price)
		if notional.LessThan(decimal.NewFromFloat(e.cfg.MinOrderValue)) {
			return &InvalidOrderError{Reason: fmt.Sprintf("order value below minimum %v", e.cfg.MinOrderValue)}
		}
	}

	// Rough margin estimate for buys; market orders have no known price yet.
	if order.Side == types.OrderSideBuy && order.Price != nil {
		estimated := order.Quantity.Mul(*order.Price).Div(order.Leverage)
		if estimated.GreaterThan(portfolio.MarginAvailable) {
			return &InsufficientMarginError{Needed: estimated, Available: portfolio.MarginAvailable}
		}
	}
	return nil
}

// GetOrder reads through the cache.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (model.Order, error) {
	e.omu.RLock()
	o, ok := e.orders[orderID]
	e.omu.RUnlock()
	if ok {
		return o, nil
	}

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Order{}, &OrderNotFoundError{ID: orderID}
		}
		return model.Order{}, fmt.Errorf("get order: %w", err)
	}
	e.cacheOrder(o)
	return o, nil
}

func (e *Engine) GetOpenOrders(ctx context.Context, portfolioID string) ([]model.Order, error) {
	return e.store.ListOpenOrders(ctx, portfolioID)
}

func (e *Engine) GetOrderHistory(ctx context.Context, portfolioID string, limit int) ([]model.Order, error) {
	return e.store.ListOrders(ctx, portfolioID, limit)
}

// CancelOrder cancels a non-terminal order and its OCO partner.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (model.Order, error) {
	order, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}

	if !order.CanCancel() {
		return model.Order{}, &CannotCancelError{Status: string(order.Status)}
	}

	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()

	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return model.Order{}, fmt.Errorf("update order: %w", err)
	}
	e.cacheOrder(order)
	e.queueSync("order", order.ID, "update")
	e.publish(events.TypeOrderCancelled, order)

	if _, err := e.CancelLinkedOrder(ctx, order.ID); err != nil {
		e.log.Warn().Err(err).Str("order_id", order.ID).Msg("linked order cancel failed")
	}

	e.log.Info().Str("order_id", orderID).Msg("order cancelled")
	return order, nil
}

// CancelLinkedOrder cancels the OCO partner of an order, if one exists and
// is still cancellable.
func (e *Engine) CancelLinkedOrder(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.LinkedOrderID == nil {
		return nil, nil
	}

	linked, err := e.GetOrder(ctx, *order.LinkedOrderID)
	if err != nil {
		var notFound *OrderNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	if !linked.CanCancel() {
		return nil, nil
	}

	linked.Status = types.OrderStatusCancelled
	linked.UpdatedAt = time.Now().UTC()

	if err := e.store.UpdateOrder(ctx, linked); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	e.cacheOrder(linked)
	e.queueSync("order", linked.ID, "update")
	e.publish(events.TypeOrderCancelled, linked)

	e.log.Info().Str("order_id", linked.ID).Msg("linked OCO order cancelled")
	return &linked, nil
}

// PlaceBracketOrder places an entry order with protective stop-loss and
// take-profit children. The children stay Pending until the entry fills.
func (e *Engine) PlaceBracketOrder(ctx context.Context, portfolioID, symbol string, assetClass types.AssetClass, entrySide types.OrderSide, quantity decimal.Decimal, entryPrice *decimal.Decimal, stopLossPrice, takeProfitPrice, leverage decimal.Decimal) (model.BracketOrder, error) {
	portfolio, err := e.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return model.BracketOrder{}, err
	}
	if portfolio.IsStopped() {
		return model.BracketOrder{}, ErrPortfolioStopped
	}

	if leverage.LessThan(decimal.NewFromInt(1)) {
		return model.BracketOrder{}, &InvalidOrderError{Reason: "leverage must be at least 1"}
	}
	maxLeverage := decimal.NewFromFloat(assetClass.MaxLeverage())
	if leverage.GreaterThan(maxLeverage) {
		return model.BracketOrder{}, &LeverageError{Requested: leverage, Max: maxLeverage}
	}

	bracket := model.NewBracketOrder(portfolioID, symbol, assetClass, entrySide, quantity, entryPrice, stopLossPrice, takeProfitPrice)
	bracket.Entry.Leverage = leverage
	bracket.StopLoss.Leverage = leverage
	bracket.TakeProfit.Leverage = leverage

	if err := e.validateOrder(&bracket.Entry, &portfolio); err != nil {
		return model.BracketOrder{}, err
	}

	for _, o := range []model.Order{bracket.Entry, bracket.StopLoss, bracket.TakeProfit} {
		if err := e.store.CreateOrder(ctx, o); err != nil {
			return model.BracketOrder{}, fmt.Errorf("create order: %w", err)
		}
		e.cacheOrder(o)
		e.queueSync("order", o.ID, "create")
		e.publish(events.TypeOrderCreated, o)
	}

	e.log.Info().
		Str("bracket_id", bracket.BracketID).
		Str("entry_id", bracket.Entry.ID).
		Msg("bracket order placed")
	return bracket, nil
}

// PlaceOCOOrder places a linked stop-loss/take-profit pair.
func (e *Engine) PlaceOCOOrder(ctx context.Context, portfolioID, symbol string, assetClass types.AssetClass, side types.OrderSide, quantity, stopLossPrice, takeProfitPrice decimal.Decimal) (model.OCOOrder, error) {
	portfolio, err := e.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return model.OCOOrder{}, err
	}
	if portfolio.IsStopped() {
		return model.OCOOrder{}, ErrPortfolioStopped
	}

	oco := model.NewOCOStopLossTakeProfit(portfolioID, symbol, assetClass, side, quantity, stopLossPrice, takeProfitPrice)

	if err := e.validateOrder(&oco.Order1, &portfolio); err != nil {
		return model.OCOOrder{}, err
	}
	if err := e.validateOrder(&oco.Order2, &portfolio); err != nil {
		return model.OCOOrder{}, err
	}

	for _, o := range []model.Order{oco.Order1, oco.Order2} {
		if err := e.store.CreateOrder(ctx, o); err != nil {
			return model.OCOOrder{}, fmt.Errorf("create order: %w", err)
		}
		e.cacheOrder(o)
		e.queueSync("order", o.ID, "create")
		e.publish(events.TypeOrderCreated, o)
	}

	e.log.Info().
		Str("stop_loss_id", oco.Order1.ID).
		Str("take_profit_id", oco.Order2.ID).
		Msg("OCO pair placed")
	return oco, nil
}

// ActivateBracketOrders opens the stop-loss/take-profit children of a
// bracket once its entry order has filled. Returns the activated orders.
func (e *Engine) ActivateBracketOrders(ctx context.Context, bracketID string) ([]model.Order, error) {
	e.omu.RLock()
	var members []model.Order
	for _, o := range e.orders {
		if o.BracketID != nil && *o.BracketID == bracketID {
			members = append(members, o)
		}
	}
	e.omu.RUnlock()

	entryFilled := false
	for _, o := range members {
		if o.BracketRole != nil && *o.BracketRole == types.BracketRoleEntry {
			entryFilled = o.Status == types.OrderStatusFilled
		}
	}
	if !entryFilled {
		return nil, nil
	}

	var activated []model.Order
	now := time.Now().UTC()
	for _, o := range members {
		if o.BracketRole == nil || *o.BracketRole == types.BracketRoleEntry {
			continue
		}
		if o.Status != types.OrderStatusPending {
			continue
		}
		o.Status = types.OrderStatusOpen
		o.UpdatedAt = now
		if err := e.store.UpdateOrder(ctx, o); err != nil {
			return activated, fmt.Errorf("update order: %w", err)
		}
		e.cacheOrder(o)
		e.queueSync("order", o.ID, "update")
		e.publish(events.TypeOrderCreated, o)
		activated = append(activated, o)
	}

	e.log.Info().Str("bracket_id", bracketID).Int("activated", len(activated)).Msg("bracket children activated")
	return activated, nil
}

// ExpireGTDOrders sweeps cached GTD orders past their deadline. Invoked by a
// periodic driver. Returns the number of orders expired.
func (e *Engine) ExpireGTDOrders(ctx context.Context) int {
	now := time.Now().UTC()

	e.omu.RLock()
	var expired []model.Order
	for _, o := range e.orders {
		if !o.IsTerminal() && o.IsExpired(now) {
			expired = append(expired, o)
		}
	}
	e.omu.RUnlock()

	count := 0
	for _, o := range expired {
		o.Status = types.OrderStatusExpired
		o.UpdatedAt = now
		if err := e.store.UpdateOrder(ctx, o); err != nil {
			e.log.Warn().Err(err).Str("order_id", o.ID).Msg("expire update failed")
			continue
		}
		e.cacheOrder(o)
		e.queueSync("order", o.ID, "update")

		if _, err := e.CancelLinkedOrder(ctx, o.ID); err != nil {
			e.log.Warn().Err(err).Str("order_id", o.ID).Msg("linked order cancel failed")
		}
		e.publish(events.TypeOrderExpired, o)
		count++
		e.log.Info().Str("order_id", o.ID).Msg("GTD order expired")
	}
	return count
}

// ValidateFOKOrder rejects a fill-or-kill order that cannot fill in full
// against the available quantity.
func (e *Engine) ValidateFOKOrder(order *model.Order, availableQuantity decimal.Decimal) error {
	if order.TimeInForce == types.TimeInForceFOK && availableQuantity.LessThan(order.Quantity) {
		return &InvalidOrderError{Reason: "FOK order cannot be fully filled"}
	}
	return nil
}

// ExecuteIOCOrder fills what the book offers and cancels the remainder.
// Returns nil when nothing was available.
func (e *Engine) ExecuteIOCOrder(ctx context.Context, orderID string, availableQuantity decimal.Decimal, currentPrice float64, book *marketdata.OrderBook) (*model.Trade, error) {
	order, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.TimeInForce != types.TimeInForceIOC {
		return nil, &InvalidOrderError{Reason: "order is not IOC"}
	}

	if !availableQuantity.IsPositive() {
		order.Status = types.OrderStatusCancelled
		order.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("update order: %w", err)
		}
		e.cacheOrder(order)
		e.queueSync("order", order.ID, "update")
		e.publish(events.TypeOrderCancelled, order)
		return nil, nil
	}

	fillQty := decimal.Min(availableQuantity, order.Quantity)
	trade, err := e.executeFill(ctx, orderID, fillQty, currentPrice, book)
	if err != nil {
		return nil, err
	}

	// Anything the book could not serve is cancelled, not left resting.
	updated, err := e.GetOrder(ctx, orderID)
	if err == nil && updated.Status == types.OrderStatusPartiallyFilled {
		updated.Status = types.OrderStatusCancelled
		updated.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateOrder(ctx, updated); err != nil {
			return nil, fmt.Errorf("update order: %w", err)
		}
		e.cacheOrder(updated)
		e.queueSync("order", updated.ID, "update")
		e.publish(events.TypeOrderCancelled, updated)
	}

	return &trade, nil
}

// UpdateTrailingStops ratchets every live trailing stop for a symbol against
// a new price. Invoked by a periodic driver. Returns how many moved.
func (e *Engine) UpdateTrailingStops(ctx context.Context, symbol string, currentPrice float64) int {
	price := decimal.NewFromFloat(currentPrice)

	e.omu.RLock()
	var trailing []model.Order
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Type == types.OrderTypeTrailingStop && !o.IsTerminal() {
			trailing = append(trailing, o)
		}
	}
	e.omu.RUnlock()

	updated := 0
	for _, o := range trailing {
		if !o.UpdateTrailingStop(price) {
			continue
		}
		if err := e.store.UpdateOrder(ctx, o); err != nil {
			e.log.Warn().Err(err).Str("order_id", o.ID).Msg("trailing stop update failed")
			continue
		}
		e.cacheOrder(o)
		e.queueSync("order", o.ID, "update")
		updated++
	}
	return updated
}
