package model

import (
	"time"

	"papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CostBasisLot is one acquisition lot, consumed on reduction according to the
// portfolio's cost-basis method.
type CostBasisLot struct {
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	AcquiredAt time.Time       `json:"acquired_at"`
}

type Position struct {
	ID               string             `json:"id"`
	PortfolioID      string             `json:"portfolio_id"`
	Symbol           string             `json:"symbol"`
	AssetClass       types.AssetClass   `json:"asset_class"`
	Side             types.PositionSide `json:"side"`
	Quantity         decimal.Decimal    `json:"quantity"`
	EntryPrice       decimal.Decimal    `json:"entry_price"`
	CurrentPrice     decimal.Decimal    `json:"current_price"`
	UnrealizedPnL    decimal.Decimal    `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal    `json:"unrealized_pnl_pct"`
	RealizedPnL      decimal.Decimal    `json:"realized_pnl"`
	MarginUsed       decimal.Decimal    `json:"margin_used"`
	Leverage         decimal.Decimal    `json:"leverage"`
	LiquidationPrice *decimal.Decimal   `json:"liquidation_price,omitempty"`
	StopLoss         *decimal.Decimal   `json:"stop_loss,omitempty"`
	TakeProfit       *decimal.Decimal   `json:"take_profit,omitempty"`
	CostBasis        []CostBasisLot     `json:"cost_basis"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func NewPosition(portfolioID, symbol string, assetClass types.AssetClass, side types.PositionSide, quantity, entryPrice, leverage decimal.Decimal) Position {
	now := time.Now().UTC()
	notional := quantity.Mul(entryPrice)
	return Position{
		ID:           uuid.NewString(),
		PortfolioID:  portfolioID,
		Symbol:       symbol,
		AssetClass:   assetClass,
		Side:         side,
		Quantity:     quantity,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		MarginUsed:   notional.Div(leverage),
		Leverage:     leverage,
		CostBasis: []CostBasisLot{{
			Quantity:   quantity,
			Price:      entryPrice,
			AcquiredAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UpdatePrice marks the position to a new price and recomputes unrealized
// P&L and its percentage of entry notional.
func (p *Position) UpdatePrice(price decimal.Decimal) {
	p.CurrentPrice = price

	entryNotional := p.Quantity.Mul(p.EntryPrice)
	currentNotional := p.Quantity.Mul(p.CurrentPrice)

	if p.Side == types.PositionSideLong {
		p.UnrealizedPnL = currentNotional.Sub(entryNotional)
	} else {
		p.UnrealizedPnL = entryNotional.Sub(currentNotional)
	}

	if entryNotional.IsPositive() {
		p.UnrealizedPnLPct = p.UnrealizedPnL.Div(entryNotional).Mul(decimal.NewFromInt(100))
	}
	p.UpdatedAt = time.Now().UTC()
}

// CalculateLiquidationPrice derives the liquidation threshold from leverage
// and the asset class maintenance margin. Unleveraged positions cannot be
// liquidated.
func (p *Position) CalculateLiquidationPrice() {
	one := decimal.NewFromInt(1)
	if p.Leverage.LessThanOrEqual(one) {
		p.LiquidationPrice = nil
		return
	}

	maintenance := decimal.NewFromFloat(p.AssetClass.MaintenanceMarginRate())
	initial := one.Div(p.Leverage)

	var liq decimal.Decimal
	if p.Side == types.PositionSideLong {
		liq = p.EntryPrice.Mul(one.Sub(initial).Add(maintenance))
	} else {
		liq = p.EntryPrice.Mul(one.Add(initial).Sub(maintenance))
	}
	p.LiquidationPrice = &liq
}

func (p *Position) ShouldLiquidate() bool {
	if p.LiquidationPrice == nil {
		return false
	}
	if p.Side == types.PositionSideLong {
		return p.CurrentPrice.LessThanOrEqual(*p.LiquidationPrice)
	}
	return p.CurrentPrice.GreaterThanOrEqual(*p.LiquidationPrice)
}

func (p *Position) ShouldStopLoss() bool {
	if p.StopLoss == nil {
		return false
	}
	if p.Side == types.PositionSideLong {
		return p.CurrentPrice.LessThanOrEqual(*p.StopLoss)
	}
	return p.CurrentPrice.GreaterThanOrEqual(*p.StopLoss)
}

func (p *Position) ShouldTakeProfit() bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.Side == types.PositionSideLong {
		return p.CurrentPrice.GreaterThanOrEqual(*p.TakeProfit)
	}
	return p.CurrentPrice.LessThanOrEqual(*p.TakeProfit)
}

func (p *Position) NotionalValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// MarginLevel is position equity over margin used, as a percentage. Returns
// ok=false when no margin is in use.
func (p *Position) MarginLevel() (decimal.Decimal, bool) {
	if !p.MarginUsed.IsPositive() {
		return decimal.Zero, false
	}
	equity := p.MarginUsed.Add(p.UnrealizedPnL)
	return equity.Div(p.MarginUsed).Mul(decimal.NewFromInt(100)), true
}
