package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists engine state via pgx. Enum fields are stored as text,
// variable-length collections (fills, cost basis lots, risk settings) as jsonb.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Postgres) CreatePortfolio(ctx context.Context, p model.Portfolio) error {
	risk, err := json.Marshal(p.RiskSettings)
	if err != nil {
		return fmt.Errorf("marshal risk settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, "insert into portfolios (id, user_id, name, description, base_currency, starting_balance, cash_balance, margin_used, margin_available, unrealized_pnl, realized_pnl, total_value, total_trades, winning_trades, cost_basis_method, risk_settings, created_at, updated_at) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)", p.ID, p.UserID, p.Name, p.Description, p.BaseCurrency, p.StartingBalance, p.CashBalance, p.MarginUsed, p.MarginAvailable, p.UnrealizedPnL, p.RealizedPnL, p.TotalValue, p.TotalTrades, p.WinningTrades, string(p.CostBasisMethod), risk, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *Postgres) GetPortfolio(ctx context.Context, id string) (model.Portfolio, error) {
	return s.scanPortfolio(s.pool.QueryRow(ctx, "select id, user_id, name, description, base_currency, starting_balance, cash_balance, margin_used, margin_available, unrealized_pnl, realized_pnl, total_value, total_trades, winning_trades, cost_basis_method, risk_settings, created_at, updated_at from portfolios where id = $1", id))
}

func (s *Postgres) scanPortfolio(row pgx.Row) (model.Portfolio, error) {
	var p model.Portfolio
	var method string
	var risk []byte
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.BaseCurrency, &p.StartingBalance, &p.CashBalance, &p.MarginUsed, &p.MarginAvailable, &p.UnrealizedPnL, &p.RealizedPnL, &p.TotalValue, &p.TotalTrades, &p.WinningTrades, &method, &risk, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, notFound(err)
	}
	p.CostBasisMethod = types.CostBasisMethod(method)
	if err := json.Unmarshal(risk, &p.RiskSettings); err != nil {
		return p, fmt.Errorf("unmarshal risk settings: %w", err)
	}
	return p, nil
}

func (s *Postgres) UpdatePortfolio(ctx context.Context, p model.Portfolio) error {
	risk, err := json.Marshal(p.RiskSettings)
	if err != nil {
		return fmt.Errorf("marshal risk settings: %w", err)
	}
	tag, err := s.pool.Exec(ctx, "update portfolios set name = $1, description = $2, cash_balance = $3, margin_used = $4, margin_available = $5, unrealized_pnl = $6, realized_pnl = $7, total_value = $8, total_trades = $9, winning_trades = $10, cost_basis_method = $11, risk_settings = $12, updated_at = $13 where id = $14", p.Name, p.Description, p.CashBalance, p.MarginUsed, p.MarginAvailable, p.UnrealizedPnL, p.RealizedPnL, p.TotalValue, p.TotalTrades, p.WinningTrades, string(p.CostBasisMethod), risk, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeletePortfolio(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "delete from portfolios where id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListUserPortfolios(ctx context.Context, userID string) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx, "select id, user_id, name, description, base_currency, starting_balance, cash_balance, margin_used, margin_available, unrealized_pnl, realized_pnl, total_value, total_trades, winning_trades, cost_basis_method, risk_settings, created_at, updated_at from portfolios where user_id = $1 order by created_at asc", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Portfolio
	for rows.Next() {
		p, err := s.scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const orderColumns = "id, portfolio_id, symbol, asset_class, side, type, quantity, filled_quantity, price, stop_price, trail_amount, trail_percent, trail_high_price, trail_low_price, time_in_force, expires_at, status, leverage, fills, avg_fill_price, total_fees, linked_order_id, bracket_id, bracket_role, client_order_id, created_at, updated_at"

func (s *Postgres) CreateOrder(ctx context.Context, o model.Order) error {
	fills, err := json.Marshal(o.Fills)
	if err != nil {
		return fmt.Errorf("marshal fills: %w", err)
	}
	var role *string
	if o.BracketRole != nil {
		r := string(*o.BracketRole)
		role = &r
	}
	_, err = s.pool.Exec(ctx, "insert into orders ("+orderColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)", o.ID, o.PortfolioID, o.Symbol, string(o.AssetClass), string(o.Side), string(o.Type), o.Quantity, o.FilledQuantity, o.Price, o.StopPrice, o.TrailAmount, o.TrailPercent, o.TrailHighPrice, o.TrailLowPrice, string(o.TimeInForce), o.ExpiresAt, string(o.Status), o.Leverage, fills, o.AvgFillPrice, o.TotalFees, o.LinkedOrderID, o.BracketID, role, o.ClientOrderID, o.CreatedAt, o.UpdatedAt)
	return err
}

func (s *Postgres) scanOrder(row pgx.Row) (model.Order, error) {
	var o model.Order
	var assetClass, side, typ, tif, status string
	var role *string
	var fills []byte
	err := row.Scan(&o.ID, &o.PortfolioID, &o.Symbol, &assetClass, &side, &typ, &o.Quantity, &o.FilledQuantity, &o.Price, &o.StopPrice, &o.TrailAmount, &o.TrailPercent, &o.TrailHighPrice, &o.TrailLowPrice, &tif, &o.ExpiresAt, &status, &o.Leverage, &fills, &o.AvgFillPrice, &o.TotalFees, &o.LinkedOrderID, &o.BracketID, &role, &o.ClientOrderID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, notFound(err)
	}
	o.AssetClass = types.AssetClass(assetClass)
	o.Side = types.OrderSide(side)
	o.Type = types.OrderType(typ)
	o.TimeInForce = types.TimeInForce(tif)
	o.Status = types.OrderStatus(status)
	if role != nil {
		r := types.BracketRole(*role)
		o.BracketRole = &r
	}
	if err := json.Unmarshal(fills, &o.Fills); err != nil {
		return o, fmt.Errorf("unmarshal fills: %w", err)
	}
	return o, nil
}

func (s *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return s.scanOrder(s.pool.QueryRow(ctx, "select "+orderColumns+" from orders where id = $1", id))
}

func (s *Postgres) UpdateOrder(ctx context.Context, o model.Order) error {
	fills, err := json.Marshal(o.Fills)
	if err != nil {
		return fmt.Errorf("marshal fills: %w", err)
	}
	tag, err := s.pool.Exec(ctx, "update orders set filled_quantity = $1, price = $2, stop_price = $3, trail_high_price = $4, trail_low_price = $5, status = $6, fills = $7, avg_fill_price = $8, total_fees = $9, linked_order_id = $10, updated_at = $11 where id = $12", o.FilledQuantity, o.Price, o.StopPrice, o.TrailHighPrice, o.TrailLowPrice, string(o.Status), fills, o.AvgFillPrice, o.TotalFees, o.LinkedOrderID, o.UpdatedAt, o.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := s.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Postgres) ListOpenOrders(ctx context.Context, portfolioID string) ([]model.Order, error) {
	return s.listOrders(ctx, "select "+orderColumns+" from orders where portfolio_id = $1 and status in ('pending','open','partially_filled') order by created_at asc", portfolioID)
}

func (s *Postgres) ListOrders(ctx context.Context, portfolioID string, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listOrders(ctx, "select "+orderColumns+" from orders where portfolio_id = $1 order by created_at desc limit $2", portfolioID, limit)
}

func (s *Postgres) OpenOrderCount(ctx context.Context, portfolioID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "select count(*) from orders where portfolio_id = $1 and status in ('pending','open','partially_filled')", portfolioID).Scan(&n)
	return n, err
}

const positionColumns = "id, portfolio_id, symbol, asset_class, side, quantity, entry_price, current_price, unrealized_pnl, unrealized_pnl_pct, realized_pnl, margin_used, leverage, liquidation_price, stop_loss, take_profit, cost_basis, created_at, updated_at"

func (s *Postgres) CreatePosition(ctx context.Context, p model.Position) error {
	lots, err := json.Marshal(p.CostBasis)
	if err != nil {
		return fmt.Errorf("marshal cost basis: %w", err)
	}
	_, err = s.pool.Exec(ctx, "insert into positions ("+positionColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)", p.ID, p.PortfolioID, p.Symbol, string(p.AssetClass), string(p.Side), p.Quantity, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL, p.UnrealizedPnLPct, p.RealizedPnL, p.MarginUsed, p.Leverage, p.LiquidationPrice, p.StopLoss, p.TakeProfit, lots, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *Postgres) scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var assetClass, side string
	var lots []byte
	err := row.Scan(&p.ID, &p.PortfolioID, &p.Symbol, &assetClass, &side, &p.Quantity, &p.EntryPrice, &p.CurrentPrice, &p.UnrealizedPnL, &p.UnrealizedPnLPct, &p.RealizedPnL, &p.MarginUsed, &p.Leverage, &p.LiquidationPrice, &p.StopLoss, &p.TakeProfit, &lots, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, notFound(err)
	}
	p.AssetClass = types.AssetClass(assetClass)
	p.Side = types.PositionSide(side)
	if err := json.Unmarshal(lots, &p.CostBasis); err != nil {
		return p, fmt.Errorf("unmarshal cost basis: %w", err)
	}
	return p, nil
}

func (s *Postgres) GetPosition(ctx context.Context, id string) (model.Position, error) {
	return s.scanPosition(s.pool.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1 and closed_at is null", id))
}

func (s *Postgres) GetPositionBySymbol(ctx context.Context, portfolioID, symbol, side string) (model.Position, error) {
	return s.scanPosition(s.pool.QueryRow(ctx, "select "+positionColumns+" from positions where portfolio_id = $1 and symbol = $2 and side = $3 and closed_at is null", portfolioID, symbol, side))
}

func (s *Postgres) UpdatePosition(ctx context.Context, p model.Position) error {
	lots, err := json.Marshal(p.CostBasis)
	if err != nil {
		return fmt.Errorf("marshal cost basis: %w", err)
	}
	tag, err := s.pool.Exec(ctx, "update positions set quantity = $1, entry_price = $2, current_price = $3, unrealized_pnl = $4, unrealized_pnl_pct = $5, realized_pnl = $6, margin_used = $7, liquidation_price = $8, stop_loss = $9, take_profit = $10, cost_basis = $11, updated_at = $12 where id = $13 and closed_at is null", p.Quantity, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL, p.UnrealizedPnLPct, p.RealizedPnL, p.MarginUsed, p.LiquidationPrice, p.StopLoss, p.TakeProfit, lots, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ClosePosition(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "update positions set closed_at = $1, updated_at = $1 where id = $2 and closed_at is null", time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, "select "+positionColumns+" from positions where portfolio_id = $1 and closed_at is null order by created_at asc", portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := s.scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) PositionCount(ctx context.Context, portfolioID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "select count(*) from positions where portfolio_id = $1 and closed_at is null", portfolioID).Scan(&n)
	return n, err
}

func (s *Postgres) CreateTrade(ctx context.Context, t model.Trade) error {
	_, err := s.pool.Exec(ctx, "insert into trades (id, order_id, portfolio_id, position_id, symbol, asset_class, side, quantity, price, fee, slippage, realized_pnl, executed_at) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)", t.ID, t.OrderID, t.PortfolioID, t.PositionID, t.Symbol, string(t.AssetClass), string(t.Side), t.Quantity, t.Price, t.Fee, t.Slippage, t.RealizedPnL, t.ExecutedAt)
	return err
}

func (s *Postgres) scanTrade(row pgx.Row) (model.Trade, error) {
	var t model.Trade
	var assetClass, side string
	err := row.Scan(&t.ID, &t.OrderID, &t.PortfolioID, &t.PositionID, &t.Symbol, &assetClass, &side, &t.Quantity, &t.Price, &t.Fee, &t.Slippage, &t.RealizedPnL, &t.ExecutedAt)
	if err != nil {
		return t, notFound(err)
	}
	t.AssetClass = types.AssetClass(assetClass)
	t.Side = types.OrderSide(side)
	return t, nil
}

func (s *Postgres) listTrades(ctx context.Context, query string, args ...any) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		t, err := s.scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) ListTrades(ctx context.Context, portfolioID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listTrades(ctx, "select id, order_id, portfolio_id, position_id, symbol, asset_class, side, quantity, price, fee, slippage, realized_pnl, executed_at from trades where portfolio_id = $1 order by executed_at desc limit $2", portfolioID, limit)
}

func (s *Postgres) ListOrderTrades(ctx context.Context, orderID string) ([]model.Trade, error) {
	return s.listTrades(ctx, "select id, order_id, portfolio_id, position_id, symbol, asset_class, side, quantity, price, fee, slippage, realized_pnl, executed_at from trades where order_id = $1 order by executed_at asc", orderID)
}

func (s *Postgres) SavePortfolioSnapshot(ctx context.Context, snap model.PortfolioSnapshot) error {
	_, err := s.pool.Exec(ctx, "insert into portfolio_snapshots (id, portfolio_id, equity, cash, positions_value, realized_pnl, unrealized_pnl, drawdown_pct, ts) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)", snap.ID, snap.PortfolioID, snap.Equity, snap.Cash, snap.PositionsValue, snap.RealizedPnL, snap.UnrealizedPnL, snap.DrawdownPct, snap.Timestamp)
	return err
}

// ListSnapshots returns the equity curve for a portfolio, oldest first.
func (s *Postgres) ListSnapshots(ctx context.Context, portfolioID string, limit int) ([]model.PortfolioSnapshot, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, "select id, portfolio_id, equity, cash, positions_value, realized_pnl, unrealized_pnl, drawdown_pct, ts from portfolio_snapshots where portfolio_id = $1 order by ts asc limit $2", portfolioID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PortfolioSnapshot
	for rows.Next() {
		var snap model.PortfolioSnapshot
		if err := rows.Scan(&snap.ID, &snap.PortfolioID, &snap.Equity, &snap.Cash, &snap.PositionsValue, &snap.RealizedPnL, &snap.UnrealizedPnL, &snap.DrawdownPct, &snap.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
