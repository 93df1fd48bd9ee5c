package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"papertrade/internal/model"
)

// ErrNotFound is returned for missing entities.
var ErrNotFound = errors.New("not found")

// Memory is an in-process store for tests and single-node development.
type Memory struct {
	mu         sync.RWMutex
	portfolios map[string]model.Portfolio
	orders     map[string]model.Order
	positions  map[string]model.Position
	trades     map[string]model.Trade
	snapshots  []model.PortfolioSnapshot
}

func NewMemory() *Memory {
	return &Memory{
		portfolios: make(map[string]model.Portfolio),
		orders:     make(map[string]model.Order),
		positions:  make(map[string]model.Position),
		trades:     make(map[string]model.Trade),
	}
}

func (m *Memory) CreatePortfolio(_ context.Context, p model.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolios[p.ID] = p
	return nil
}

func (m *Memory) GetPortfolio(_ context.Context, id string) (model.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.portfolios[id]
	if !ok {
		return model.Portfolio{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) UpdatePortfolio(_ context.Context, p model.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.portfolios[p.ID]; !ok {
		return ErrNotFound
	}
	m.portfolios[p.ID] = p
	return nil
}

func (m *Memory) DeletePortfolio(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.portfolios[id]; !ok {
		return ErrNotFound
	}
	delete(m.portfolios, id)
	for oid, o := range m.orders {
		if o.PortfolioID == id {
			delete(m.orders, oid)
		}
	}
	for pid, p := range m.positions {
		if p.PortfolioID == id {
			delete(m.positions, pid)
		}
	}
	return nil
}

func (m *Memory) ListUserPortfolios(_ context.Context, userID string) ([]model.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Portfolio
	for _, p := range m.portfolios {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateOrder(_ context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) UpdateOrder(_ context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	m.orders[o.ID] = o
	return nil
}

func (m *Memory) ListOpenOrders(_ context.Context, portfolioID string) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Order
	for _, o := range m.orders {
		if o.PortfolioID == portfolioID && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListOrders(_ context.Context, portfolioID string, limit int) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Order
	for _, o := range m.orders {
		if o.PortfolioID == portfolioID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) OpenOrderCount(ctx context.Context, portfolioID string) (int, error) {
	orders, err := m.ListOpenOrders(ctx, portfolioID)
	if err != nil {
		return 0, err
	}
	return len(orders), nil
}

func (m *Memory) CreatePosition(_ context.Context, p model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
	return nil
}

func (m *Memory) GetPosition(_ context.Context, id string) (model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) GetPositionBySymbol(_ context.Context, portfolioID, symbol, side string) (model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.positions {
		if p.PortfolioID == portfolioID && p.Symbol == symbol && string(p.Side) == side {
			return p, nil
		}
	}
	return model.Position{}, ErrNotFound
}

func (m *Memory) UpdatePosition(_ context.Context, p model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; !ok {
		return ErrNotFound
	}
	m.positions[p.ID] = p
	return nil
}

func (m *Memory) ClosePosition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[id]; !ok {
		return ErrNotFound
	}
	delete(m.positions, id)
	return nil
}

func (m *Memory) ListPositions(_ context.Context, portfolioID string) ([]model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Position
	for _, p := range m.positions {
		if p.PortfolioID == portfolioID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) PositionCount(ctx context.Context, portfolioID string) (int, error) {
	positions, err := m.ListPositions(ctx, portfolioID)
	if err != nil {
		return 0, err
	}
	return len(positions), nil
}

func (m *Memory) CreateTrade(_ context.Context, t model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = t
	return nil
}

func (m *Memory) ListTrades(_ context.Context, portfolioID string, limit int) ([]model.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Trade
	for _, t := range m.trades {
		if t.PortfolioID == portfolioID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListOrderTrades(_ context.Context, orderID string) ([]model.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Trade
	for _, t := range m.trades {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

func (m *Memory) SavePortfolioSnapshot(_ context.Context, s model.PortfolioSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
	return nil
}

// Snapshots returns the stored equity-curve points for a portfolio.
func (m *Memory) Snapshots(portfolioID string) []model.PortfolioSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PortfolioSnapshot
	for _, s := range m.snapshots {
		if s.PortfolioID == portfolioID {
			out = append(out, s)
		}
	}
	return out
}
