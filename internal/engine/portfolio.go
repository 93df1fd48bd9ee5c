package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"papertrade/internal/events"
	"papertrade/internal/model"
	"papertrade/internal/storage"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
)

// CreatePortfolioOptions carries the optional knobs for a new portfolio.
type CreatePortfolioOptions struct {
	Description     *string
	CostBasisMethod *types.CostBasisMethod
	RiskSettings    *model.RiskSettings
}

func (e *Engine) CreatePortfolio(ctx context.Context, userID, name string, opts CreatePortfolioOptions) (model.Portfolio, error) {
	p := model.NewPortfolio(userID, name)
	if opts.Description != nil {
		p.Description = opts.Description
	}
	if opts.CostBasisMethod != nil {
		p.CostBasisMethod = *opts.CostBasisMethod
	}
	if opts.RiskSettings != nil {
		p.RiskSettings = *opts.RiskSettings
	}

	if err := e.store.CreatePortfolio(ctx, p); err != nil {
		return model.Portfolio{}, fmt.Errorf("create portfolio: %w", err)
	}
	e.cachePortfolio(p)
	e.queueSync("portfolio", p.ID, "create")

	e.log.Info().Str("portfolio_id", p.ID).Str("user_id", userID).Msg("portfolio created")
	return p, nil
}

// GetPortfolio reads through the cache.
func (e *Engine) GetPortfolio(ctx context.Context, id string) (model.Portfolio, error) {
	e.pmu.RLock()
	p, ok := e.portfolios[id]
	e.pmu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := e.store.GetPortfolio(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Portfolio{}, &PortfolioNotFoundError{ID: id}
		}
		return model.Portfolio{}, fmt.Errorf("get portfolio: %w", err)
	}
	e.cachePortfolio(p)
	return p, nil
}

func (e *Engine) GetUserPortfolios(ctx context.Context, userID string) ([]model.Portfolio, error) {
	portfolios, err := e.store.ListUserPortfolios(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	for _, p := range portfolios {
		e.cachePortfolio(p)
	}
	return portfolios, nil
}

func (e *Engine) GetPortfolioSummary(ctx context.Context, portfolioID string) (model.PortfolioSummary, error) {
	p, err := e.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return model.PortfolioSummary{}, err
	}

	openPositions, err := e.store.PositionCount(ctx, portfolioID)
	if err != nil {
		return model.PortfolioSummary{}, fmt.Errorf("position count: %w", err)
	}
	openOrders, err := e.store.OpenOrderCount(ctx, portfolioID)
	if err != nil {
		return model.PortfolioSummary{}, fmt.Errorf("open order count: %w", err)
	}

	summary := model.PortfolioSummary{
		PortfolioID:     p.ID,
		TotalValue:      p.TotalValue,
		CashBalance:     p.CashBalance,
		UnrealizedPnL:   p.UnrealizedPnL,
		RealizedPnL:     p.RealizedPnL,
		TotalReturnPct:  p.TotalReturnPct(),
		MarginUsed:      p.MarginUsed,
		MarginAvailable: p.MarginAvailable,
		OpenPositions:   openPositions,
		OpenOrders:      openOrders,
		TotalTrades:     p.TotalTrades,
		WinningTrades:   p.WinningTrades,
	}
	if level, ok := p.MarginLevel(); ok {
		summary.MarginLevel = decPtr(level)
	}
	return summary, nil
}

func (e *Engine) UpdatePortfolioSettings(ctx context.Context, portfolioID string, costBasis *types.CostBasisMethod, risk *model.RiskSettings) (model.Portfolio, error) {
	p, err := e.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return model.Portfolio{}, err
	}

	if costBasis != nil {
		p.CostBasisMethod = *costBasis
	}
	if risk != nil {
		p.RiskSettings = *risk
	}
	p.UpdatedAt = time.Now().UTC()

	if err := e.store.UpdatePortfolio(ctx, p); err != nil {
		return model.Portfolio{}, fmt.Errorf("update portfolio: %w", err)
	}
	e.cachePortfolio(p)
	e.queueSync("portfolio", p.ID, "update")
	e.publish(events.TypePortfolioSettingsChanged, p)
	return p, nil
}

// ResetPortfolio closes every open position, cancels every open order, and
// restores the starting balance.
func (e *Engine) ResetPortfolio(ctx context.Context, portfolioID string) (model.Portfolio, error) {
	p, err := e.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return model.Portfolio{}, err
	}

	positions, err := e.store.ListPositions(ctx, portfolioID)
	if err != nil {
		return model.Portfolio{}, fmt.Errorf("list positions: %w", err)
	}
	for _, pos := range positions {
		if err := e.store.ClosePosition(ctx, pos.ID); err != nil {
			return model.Portfolio{}, fmt.Errorf("close position %s: %w", pos.ID, err)
		}
		e.dropPosition(pos.ID)
	}

	orders, err := e.store.ListOpenOrders(ctx, portfolioID)
	if err != nil {
		return model.Portfolio{}, fmt.Errorf("list open orders: %w", err)
	}
	now := time.Now().UTC()
	for _, o := range orders {
		o.Status = types.OrderStatusCancelled
		o.UpdatedAt = now
		if err := e.store.UpdateOrder(ctx, o); err != nil {
			return model.Portfolio{}, fmt.Errorf("cancel order %s: %w", o.ID, err)
		}
		e.omu.Lock()
		delete(e.orders, o.ID)
		e.omu.Unlock()
	}

	p.CashBalance = p.StartingBalance
	p.MarginUsed = decimal.Zero
	p.MarginAvailable = p.StartingBalance
	p.UnrealizedPnL = decimal.Zero
	p.RealizedPnL = decimal.Zero
	p.TotalValue = p.StartingBalance
	p.TotalTrades = 0
	p.WinningTrades = 0
	p.UpdatedAt = now

	if err := e.store.UpdatePortfolio(ctx, p); err != nil {
		return model.Portfolio{}, fmt.Errorf("update portfolio: %w", err)
	}
	e.cachePortfolio(p)
	e.queueSync("portfolio", p.ID, "update")
	e.publish(events.TypePortfolioReset, p)

	e.log.Info().Str("portfolio_id", portfolioID).Msg("portfolio reset")
	return p, nil
}

// DeletePortfolio removes the portfolio and evicts its cached orders and
// positions.
func (e *Engine) DeletePortfolio(ctx context.Context, portfolioID string) error {
	if err := e.store.DeletePortfolio(ctx, portfolioID); err != nil {
		return fmt.Errorf("delete portfolio: %w", err)
	}

	e.pmu.Lock()
	delete(e.portfolios, portfolioID)
	e.pmu.Unlock()

	e.omu.Lock()
	for id, o := range e.orders {
		if o.PortfolioID == portfolioID {
			delete(e.orders, id)
		}
	}
	e.omu.Unlock()

	e.posmu.Lock()
	for id, pos := range e.positions {
		if pos.PortfolioID == portfolioID {
			delete(e.positions, id)
		}
	}
	e.posmu.Unlock()

	e.queueSync("portfolio", portfolioID, "delete")
	e.log.Info().Str("portfolio_id", portfolioID).Msg("portfolio deleted")
	return nil
}

// recalculatePortfolioPnL re-sums unrealized P&L over all open positions and
// restores the portfolio's derived fields.
func (e *Engine) recalculatePortfolioPnL(ctx context.Context, portfolioID string) error {
	p, err := e.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return err
	}

	positions, err := e.store.ListPositions(ctx, portfolioID)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	total := decimal.Zero
	for _, pos := range positions {
		total = total.Add(pos.UnrealizedPnL)
	}

	p.UnrealizedPnL = total
	p.Recalculate()

	if err := e.store.UpdatePortfolio(ctx, p); err != nil {
		return fmt.Errorf("update portfolio: %w", err)
	}
	e.cachePortfolio(p)
	return nil
}
