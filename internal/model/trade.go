package model

import (
	"time"

	"papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade is an immutable execution record.
type Trade struct {
	ID          string           `json:"id"`
	OrderID     string           `json:"order_id"`
	PortfolioID string           `json:"portfolio_id"`
	PositionID  *string          `json:"position_id,omitempty"`
	Symbol      string           `json:"symbol"`
	AssetClass  types.AssetClass `json:"asset_class"`
	Side        types.OrderSide  `json:"side"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       decimal.Decimal  `json:"price"`
	Fee         decimal.Decimal  `json:"fee"`
	Slippage    decimal.Decimal  `json:"slippage"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
	ExecutedAt  time.Time        `json:"executed_at"`
}

func NewTrade(orderID, portfolioID, symbol string, assetClass types.AssetClass, side types.OrderSide, quantity, price, fee, slippage decimal.Decimal) Trade {
	return Trade{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		PortfolioID: portfolioID,
		Symbol:      symbol,
		AssetClass:  assetClass,
		Side:        side,
		Quantity:    quantity,
		Price:       price,
		Fee:         fee,
		Slippage:    slippage,
		ExecutedAt:  time.Now().UTC(),
	}
}

// TotalCost is quantity times price plus the fee.
func (t *Trade) TotalCost() decimal.Decimal {
	return t.Quantity.Mul(t.Price).Add(t.Fee)
}
