package model

import (
	"time"

	"papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskSettings gates order placement per portfolio. Percentages are fractions
// of portfolio value in [0,1].
type RiskSettings struct {
	MaxPositionSizePct float64 `json:"max_position_size_pct"`
	DailyLossLimitPct  float64 `json:"daily_loss_limit_pct"`
	MaxOpenPositions   int     `json:"max_open_positions"`
	RiskPerTradePct    float64 `json:"risk_per_trade_pct"`
	PortfolioStopPct   float64 `json:"portfolio_stop_pct"`
}

func DefaultRiskSettings() RiskSettings {
	return RiskSettings{
		MaxPositionSizePct: 0.25,
		DailyLossLimitPct:  0.10,
		MaxOpenPositions:   20,
		RiskPerTradePct:    0.02,
		PortfolioStopPct:   0.25,
	}
}

type Portfolio struct {
	ID              string                `json:"id"`
	UserID          string                `json:"user_id"`
	Name            string                `json:"name"`
	Description     *string               `json:"description,omitempty"`
	BaseCurrency    string                `json:"base_currency"`
	StartingBalance decimal.Decimal       `json:"starting_balance"`
	CashBalance     decimal.Decimal       `json:"cash_balance"`
	MarginUsed      decimal.Decimal       `json:"margin_used"`
	MarginAvailable decimal.Decimal       `json:"margin_available"`
	UnrealizedPnL   decimal.Decimal       `json:"unrealized_pnl"`
	RealizedPnL     decimal.Decimal       `json:"realized_pnl"`
	TotalValue      decimal.Decimal       `json:"total_value"`
	TotalTrades     int64                 `json:"total_trades"`
	WinningTrades   int64                 `json:"winning_trades"`
	CostBasisMethod types.CostBasisMethod `json:"cost_basis_method"`
	RiskSettings    RiskSettings          `json:"risk_settings"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// DefaultStartingBalance is the cash a fresh portfolio opens with, in USD.
var DefaultStartingBalance = decimal.NewFromInt(250_000)

func NewPortfolio(userID, name string) Portfolio {
	now := time.Now().UTC()
	return Portfolio{
		ID:              uuid.NewString(),
		UserID:          userID,
		Name:            name,
		BaseCurrency:    "USD",
		StartingBalance: DefaultStartingBalance,
		CashBalance:     DefaultStartingBalance,
		MarginAvailable: DefaultStartingBalance,
		TotalValue:      DefaultStartingBalance,
		CostBasisMethod: types.CostBasisFIFO,
		RiskSettings:    DefaultRiskSettings(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Equity is cash plus unrealized P&L.
func (p *Portfolio) Equity() decimal.Decimal {
	return p.CashBalance.Add(p.UnrealizedPnL)
}

// MarginLevel is equity over margin used, as a percentage. Returns ok=false
// when no margin is in use.
func (p *Portfolio) MarginLevel() (decimal.Decimal, bool) {
	if !p.MarginUsed.IsPositive() {
		return decimal.Zero, false
	}
	return p.Equity().Div(p.MarginUsed).Mul(decimal.NewFromInt(100)), true
}

func (p *Portfolio) TotalReturnPct() decimal.Decimal {
	if !p.StartingBalance.IsPositive() {
		return decimal.Zero
	}
	return p.TotalValue.Sub(p.StartingBalance).Div(p.StartingBalance).Mul(decimal.NewFromInt(100))
}

// IsStopped reports whether drawdown from the starting balance has reached
// the portfolio stop threshold. A stopped portfolio rejects new orders.
func (p *Portfolio) IsStopped() bool {
	drawdown := p.StartingBalance.Sub(p.TotalValue).Div(p.StartingBalance)
	return drawdown.GreaterThanOrEqual(decimal.NewFromFloat(p.RiskSettings.PortfolioStopPct))
}

// Recalculate restores the derived fields after any balance or margin
// mutation. Margin available never goes negative.
func (p *Portfolio) Recalculate() {
	p.TotalValue = p.CashBalance.Add(p.MarginUsed).Add(p.UnrealizedPnL)
	p.MarginAvailable = p.CashBalance.Sub(p.MarginUsed)
	if p.MarginAvailable.IsNegative() {
		p.MarginAvailable = decimal.Zero
	}
	p.UpdatedAt = time.Now().UTC()
}

// PortfolioSummary is the read-side aggregate returned to callers.
type PortfolioSummary struct {
	PortfolioID     string           `json:"portfolio_id"`
	TotalValue      decimal.Decimal  `json:"total_value"`
	CashBalance     decimal.Decimal  `json:"cash_balance"`
	UnrealizedPnL   decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL     decimal.Decimal  `json:"realized_pnl"`
	TotalReturnPct  decimal.Decimal  `json:"total_return_pct"`
	MarginUsed      decimal.Decimal  `json:"margin_used"`
	MarginAvailable decimal.Decimal  `json:"margin_available"`
	MarginLevel     *decimal.Decimal `json:"margin_level,omitempty"`
	OpenPositions   int              `json:"open_positions"`
	OpenOrders      int              `json:"open_orders"`
	TotalTrades     int64            `json:"total_trades"`
	WinningTrades   int64            `json:"winning_trades"`
}

// PortfolioSnapshot is one equity-curve point, written after each execution.
type PortfolioSnapshot struct {
	ID             string          `json:"id"`
	PortfolioID    string          `json:"portfolio_id"`
	Equity         decimal.Decimal `json:"equity"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	DrawdownPct    decimal.Decimal `json:"drawdown_pct"`
	Timestamp      time.Time       `json:"timestamp"`
}

// SnapshotOf captures the portfolio's current equity-curve point.
func SnapshotOf(p *Portfolio) PortfolioSnapshot {
	drawdown := decimal.Zero
	if p.StartingBalance.IsPositive() {
		drawdown = p.StartingBalance.Sub(p.TotalValue).Div(p.StartingBalance).Mul(decimal.NewFromInt(100))
		if drawdown.IsNegative() {
			drawdown = decimal.Zero
		}
	}
	return PortfolioSnapshot{
		ID:             uuid.NewString(),
		PortfolioID:    p.ID,
		Equity:         p.Equity(),
		Cash:           p.CashBalance,
		PositionsValue: p.MarginUsed,
		RealizedPnL:    p.RealizedPnL,
		UnrealizedPnL:  p.UnrealizedPnL,
		DrawdownPct:    drawdown,
		Timestamp:      time.Now().UTC(),
	}
}
