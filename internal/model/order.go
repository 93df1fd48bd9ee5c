package model

import (
	"time"

	"papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Fill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

type Order struct {
	ID             string             `json:"id"`
	PortfolioID    string             `json:"portfolio_id"`
	Symbol         string             `json:"symbol"`
	AssetClass     types.AssetClass   `json:"asset_class"`
	Side           types.OrderSide    `json:"side"`
	Type           types.OrderType    `json:"type"`
	Quantity       decimal.Decimal    `json:"quantity"`
	FilledQuantity decimal.Decimal    `json:"filled_quantity"`
	Price          *decimal.Decimal   `json:"price,omitempty"`
	StopPrice      *decimal.Decimal   `json:"stop_price,omitempty"`
	TrailAmount    *decimal.Decimal   `json:"trail_amount,omitempty"`
	TrailPercent   *decimal.Decimal   `json:"trail_percent,omitempty"`
	TrailHighPrice *decimal.Decimal   `json:"trail_high_price,omitempty"`
	TrailLowPrice  *decimal.Decimal   `json:"trail_low_price,omitempty"`
	TimeInForce    types.TimeInForce  `json:"time_in_force"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	Status         types.OrderStatus  `json:"status"`
	Leverage       decimal.Decimal    `json:"leverage"`
	Fills          []Fill             `json:"fills"`
	AvgFillPrice   *decimal.Decimal   `json:"avg_fill_price,omitempty"`
	TotalFees      decimal.Decimal    `json:"total_fees"`
	LinkedOrderID  *string            `json:"linked_order_id,omitempty"`
	BracketID      *string            `json:"bracket_id,omitempty"`
	BracketRole    *types.BracketRole `json:"bracket_role,omitempty"`
	ClientOrderID  *string            `json:"client_order_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func NewMarketOrder(portfolioID, symbol string, assetClass types.AssetClass, side types.OrderSide, quantity decimal.Decimal) Order {
	now := time.Now().UTC()
	return Order{
		ID:          uuid.NewString(),
		PortfolioID: portfolioID,
		Symbol:      symbol,
		AssetClass:  assetClass,
		Side:        side,
		Type:        types.OrderTypeMarket,
		Quantity:    quantity,
		TimeInForce: types.TimeInForceGTC,
		Status:      types.OrderStatusPending,
		Leverage:    decimal.NewFromInt(1),
		Fills:       []Fill{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func NewLimitOrder(portfolioID, symbol string, assetClass types.AssetClass, side types.OrderSide, quantity, price decimal.Decimal) Order {
	o := NewMarketOrder(portfolioID, symbol, assetClass, side, quantity)
	o.Type = types.OrderTypeLimit
	o.Price = &price
	return o
}

func NewStopLossOrder(portfolioID, symbol string, assetClass types.AssetClass, side types.OrderSide, quantity, stopPrice decimal.Decimal) Order {
	o := NewMarketOrder(portfolioID, symbol, assetClass, side, quantity)
	o.Type = types.OrderTypeStopLoss
	o.StopPrice = &stopPrice
	return o
}

func NewTakeProfitOrder(portfolioID, symbol string, assetClass types.AssetClass, side types.OrderSide, quantity, stopPrice decimal.Decimal) Order {
	o := NewMarketOrder(portfolioID, symbol, assetClass, side, quantity)
	o.Type = types.OrderTypeTakeProfit
	o.StopPrice = &stopPrice
	return o
}

func NewStopLimitOrder(portfolioID, symbol string, assetClass types.AssetClass, side types.OrderSide, quantity, stopPrice, limitPrice decimal.Decimal) Order {
	o := NewMarketOrder(portfolioID, symbol, assetClass, side, quantity)
	o.Type = types.OrderTypeStopLimit
	o.StopPrice = &stopPrice
	o.Price = &limitPrice
	return o
}

// NewTrailingStopOrder seeds the trail reference with the current price and
// derives the initial stop from it.
func NewTrailingStopOrder(portfolioID, symbol string, assetClass types.AssetClass, side types.OrderSide, quantity decimal.Decimal, trailAmount, trailPercent *decimal.Decimal, initialPrice decimal.Decimal) Order {
	o := NewMarketOrder(portfolioID, symbol, assetClass, side, quantity)
	o.Type = types.OrderTypeTrailingStop
	o.TrailAmount = trailAmount
	o.TrailPercent = trailPercent
	switch side {
	case types.OrderSideSell:
		o.TrailHighPrice = &initialPrice
	case types.OrderSideBuy:
		o.TrailLowPrice = &initialPrice
	}
	stop := o.TrailingStopPrice(initialPrice)
	o.StopPrice = &stop
	return o
}

func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

func (o *Order) CanCancel() bool {
	switch o.Status {
	case types.OrderStatusPending, types.OrderStatusOpen, types.OrderStatusPartiallyFilled:
		return true
	}
	return false
}

func (o *Order) IsOCO() bool {
	return o.LinkedOrderID != nil && o.BracketID == nil
}

func (o *Order) IsBracket() bool {
	return o.BracketID != nil
}

// AddFill applies a fill, recomputes the average fill price, and advances the
// status to PartiallyFilled or Filled.
func (o *Order) AddFill(f Fill) {
	o.FilledQuantity = o.FilledQuantity.Add(f.Quantity)
	o.TotalFees = o.TotalFees.Add(f.Fee)
	o.Fills = append(o.Fills, f)

	total := decimal.Zero
	for _, fill := range o.Fills {
		total = total.Add(fill.Price.Mul(fill.Quantity))
	}
	if o.FilledQuantity.IsPositive() {
		avg := total.Div(o.FilledQuantity)
		o.AvgFillPrice = &avg
	}

	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		o.Status = types.OrderStatusFilled
	} else if o.FilledQuantity.IsPositive() {
		o.Status = types.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = time.Now().UTC()
}

// TrailingStopPrice derives the stop from a reference price and the configured
// trail distance (absolute amount wins over percent).
func (o *Order) TrailingStopPrice(reference decimal.Decimal) decimal.Decimal {
	var dist decimal.Decimal
	switch {
	case o.TrailAmount != nil:
		dist = *o.TrailAmount
	case o.TrailPercent != nil:
		dist = reference.Mul(o.TrailPercent.Div(decimal.NewFromInt(100)))
	}
	if o.Side == types.OrderSideSell {
		return reference.Sub(dist)
	}
	return reference.Add(dist)
}

// UpdateTrailingStop ratchets the stop toward a new high (sell side) or new
// low (buy side). The stop only ever moves in the protective direction.
func (o *Order) UpdateTrailingStop(currentPrice decimal.Decimal) bool {
	if o.Type != types.OrderTypeTrailingStop {
		return false
	}
	updated := false
	switch o.Side {
	case types.OrderSideSell:
		high := currentPrice
		if o.TrailHighPrice != nil {
			high = *o.TrailHighPrice
		}
		if currentPrice.GreaterThan(high) {
			o.TrailHighPrice = &currentPrice
			stop := o.TrailingStopPrice(currentPrice)
			o.StopPrice = &stop
			updated = true
		} else if o.TrailHighPrice == nil {
			o.TrailHighPrice = &currentPrice
			stop := o.TrailingStopPrice(currentPrice)
			o.StopPrice = &stop
			updated = true
		}
	case types.OrderSideBuy:
		low := currentPrice
		if o.TrailLowPrice != nil {
			low = *o.TrailLowPrice
		}
		if currentPrice.LessThan(low) {
			o.TrailLowPrice = &currentPrice
			stop := o.TrailingStopPrice(currentPrice)
			o.StopPrice = &stop
			updated = true
		} else if o.TrailLowPrice == nil {
			o.TrailLowPrice = &currentPrice
			stop := o.TrailingStopPrice(currentPrice)
			o.StopPrice = &stop
			updated = true
		}
	}
	if updated {
		o.UpdatedAt = time.Now().UTC()
	}
	return updated
}

// IsExpired reports whether a GTD order's deadline has passed.
func (o *Order) IsExpired(now time.Time) bool {
	if o.TimeInForce != types.TimeInForceGTD || o.ExpiresAt == nil {
		return false
	}
	return !now.Before(*o.ExpiresAt)
}

// ShouldTrigger decides whether an order becomes executable at the given
// price. Matched exhaustively per order type so a new type cannot slip
// through untriggered.
func (o *Order) ShouldTrigger(price decimal.Decimal) bool {
	switch o.Type {
	case types.OrderTypeMarket:
		return o.Status == types.OrderStatusPending
	case types.OrderTypeLimit:
		if o.Price == nil {
			return false
		}
		if o.Side == types.OrderSideBuy {
			return price.LessThanOrEqual(*o.Price)
		}
		return price.GreaterThanOrEqual(*o.Price)
	case types.OrderTypeStopLoss, types.OrderTypeTrailingStop:
		if o.StopPrice == nil {
			return false
		}
		if o.Side == types.OrderSideSell {
			return price.LessThanOrEqual(*o.StopPrice)
		}
		return price.GreaterThanOrEqual(*o.StopPrice)
	case types.OrderTypeTakeProfit:
		if o.StopPrice == nil {
			return false
		}
		if o.Side == types.OrderSideSell {
			return price.GreaterThanOrEqual(*o.StopPrice)
		}
		return price.LessThanOrEqual(*o.StopPrice)
	case types.OrderTypeStopLimit:
		if o.StopPrice == nil || o.Price == nil {
			return false
		}
		stopHit := price.GreaterThanOrEqual(*o.StopPrice)
		limitOK := price.LessThanOrEqual(*o.Price)
		if o.Side == types.OrderSideSell {
			stopHit = price.LessThanOrEqual(*o.StopPrice)
			limitOK = price.GreaterThanOrEqual(*o.Price)
		}
		return stopHit && limitOK
	}
	return false
}

type BracketOrder struct {
	BracketID  string `json:"bracket_id"`
	Entry      Order  `json:"entry"`
	StopLoss   Order  `json:"stop_loss"`
	TakeProfit Order  `json:"take_profit"`
}

// NewBracketOrder builds an entry order plus protective stop-loss and
// take-profit children. The children stay Pending until the entry fills and
// cancel each other once one of them executes.
func NewBracketOrder(portfolioID, symbol string, assetClass types.AssetClass, entrySide types.OrderSide, quantity decimal.Decimal, entryPrice *decimal.Decimal, stopLossPrice, takeProfitPrice decimal.Decimal) BracketOrder {
	bracketID := uuid.NewString()
	exitSide := entrySide.Opposite()

	var entry Order
	if entryPrice != nil {
		entry = NewLimitOrder(portfolioID, symbol, assetClass, entrySide, quantity, *entryPrice)
	} else {
		entry = NewMarketOrder(portfolioID, symbol, assetClass, entrySide, quantity)
	}
	entryRole := types.BracketRoleEntry
	entry.BracketID = &bracketID
	entry.BracketRole = &entryRole

	stopLoss := NewStopLossOrder(portfolioID, symbol, assetClass, exitSide, quantity, stopLossPrice)
	slRole := types.BracketRoleStopLoss
	stopLoss.BracketID = &bracketID
	stopLoss.BracketRole = &slRole

	takeProfit := NewTakeProfitOrder(portfolioID, symbol, assetClass, exitSide, quantity, takeProfitPrice)
	tpRole := types.BracketRoleTakeProfit
	takeProfit.BracketID = &bracketID
	takeProfit.BracketRole = &tpRole

	stopLoss.LinkedOrderID = &takeProfit.ID
	takeProfit.LinkedOrderID = &stopLoss.ID

	return BracketOrder{
		BracketID:  bracketID,
		Entry:      entry,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}
}

type OCOOrder struct {
	Order1 Order `json:"order1"`
	Order2 Order `json:"order2"`
}

// NewOCOStopLossTakeProfit pairs a stop-loss and take-profit order so that
// filling or cancelling one cancels the other.
func NewOCOStopLossTakeProfit(portfolioID, symbol string, assetClass types.AssetClass, side types.OrderSide, quantity, stopLossPrice, takeProfitPrice decimal.Decimal) OCOOrder {
	sl := NewStopLossOrder(portfolioID, symbol, assetClass, side, quantity, stopLossPrice)
	tp := NewTakeProfitOrder(portfolioID, symbol, assetClass, side, quantity, takeProfitPrice)
	sl.LinkedOrderID = &tp.ID
	tp.LinkedOrderID = &sl.ID
	return OCOOrder{Order1: sl, Order2: tp}
}
