// Package engine is the execution core: it owns portfolios, orders, and
// positions, enforces margin and leverage rules, and converts order intents
// into fills against a simulated book.
package engine

import (
	"context"
	"sync"

	"papertrade/internal/events"
	"papertrade/internal/liquidity"
	"papertrade/internal/model"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Store is the persistence contract the engine writes through to. All cache
// mutations are persisted before they are considered durable.
type Store interface {
	CreatePortfolio(ctx context.Context, p model.Portfolio) error
	GetPortfolio(ctx context.Context, id string) (model.Portfolio, error)
	UpdatePortfolio(ctx context.Context, p model.Portfolio) error
	DeletePortfolio(ctx context.Context, id string) error
	ListUserPortfolios(ctx context.Context, userID string) ([]model.Portfolio, error)

	CreateOrder(ctx context.Context, o model.Order) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
	UpdateOrder(ctx context.Context, o model.Order) error
	ListOpenOrders(ctx context.Context, portfolioID string) ([]model.Order, error)
	ListOrders(ctx context.Context, portfolioID string, limit int) ([]model.Order, error)
	OpenOrderCount(ctx context.Context, portfolioID string) (int, error)

	CreatePosition(ctx context.Context, p model.Position) error
	GetPosition(ctx context.Context, id string) (model.Position, error)
	GetPositionBySymbol(ctx context.Context, portfolioID, symbol string, side string) (model.Position, error)
	UpdatePosition(ctx context.Context, p model.Position) error
	ClosePosition(ctx context.Context, id string) error
	ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error)
	PositionCount(ctx context.Context, portfolioID string) (int, error)

	CreateTrade(ctx context.Context, t model.Trade) error
	ListTrades(ctx context.Context, portfolioID string, limit int) ([]model.Trade, error)
	ListOrderTrades(ctx context.Context, orderID string) ([]model.Trade, error)

	SavePortfolioSnapshot(ctx context.Context, s model.PortfolioSnapshot) error
}

// Publisher delivers events to subscribers. Must never block.
type Publisher interface {
	Publish(evt events.Event)
}

// Replicator queues entity changes for best-effort propagation to peers.
type Replicator interface {
	QueueSync(entityType, entityID, operation string)
}

// Config tunes execution.
type Config struct {
	// BaseSlippagePct applies when no order book is supplied.
	BaseSlippagePct float64
	// FeePct is charged on every fill's notional.
	FeePct float64
	// MinOrderValue rejects dust orders with a known notional below it.
	MinOrderValue float64
	// ImpactFactor maps book consumption to price impact.
	ImpactFactor float64
}

func DefaultConfig() Config {
	return Config{
		BaseSlippagePct: 0.0001,
		FeePct:          0.001,
		MinOrderValue:   1.0,
		ImpactFactor:    0.1,
	}
}

// Engine is safe for concurrent use. Each instance owns its caches; there is
// no shared static state between engines.
type Engine struct {
	cfg   Config
	store Store
	sim   *liquidity.Simulator
	pub   Publisher
	repl  Replicator
	log   zerolog.Logger

	pmu        sync.RWMutex
	portfolios map[string]model.Portfolio

	omu    sync.RWMutex
	orders map[string]model.Order

	posmu     sync.RWMutex
	positions map[string]model.Position
}

// Option configures an Engine.
type Option func(*Engine)

func WithPublisher(pub Publisher) Option {
	return func(e *Engine) { e.pub = pub }
}

func WithReplicator(repl Replicator) Option {
	return func(e *Engine) { e.repl = repl }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithLiquidityConfig(cfg liquidity.Config) Option {
	return func(e *Engine) { e.sim = liquidity.NewSimulator(cfg) }
}

func New(store Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		store:      store,
		sim:        liquidity.NewSimulator(liquidity.DefaultConfig()),
		log:        zerolog.Nop(),
		portfolios: make(map[string]model.Portfolio),
		orders:     make(map[string]model.Order),
		positions:  make(map[string]model.Position),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Simulator exposes the liquidity simulator for read-only what-if queries.
func (e *Engine) Simulator() *liquidity.Simulator {
	return e.sim
}

// LoadOpenOrders warms the order cache for a portfolio so trigger sweeps see
// orders placed before this process started.
func (e *Engine) LoadOpenOrders(ctx context.Context, portfolioID string) error {
	orders, err := e.store.ListOpenOrders(ctx, portfolioID)
	if err != nil {
		return err
	}
	e.omu.Lock()
	for _, o := range orders {
		e.orders[o.ID] = o
	}
	e.omu.Unlock()
	return nil
}

// Invalidate drops an entity from the cache so the next read goes to the
// store. Used by the replication receiver when a peer reports a change.
func (e *Engine) Invalidate(entityType, entityID string) {
	switch entityType {
	case "portfolio":
		e.pmu.Lock()
		delete(e.portfolios, entityID)
		e.pmu.Unlock()
	case "order":
		e.omu.Lock()
		delete(e.orders, entityID)
		e.omu.Unlock()
	case "position":
		e.posmu.Lock()
		delete(e.positions, entityID)
		e.posmu.Unlock()
	}
}

func (e *Engine) publish(eventType string, data any) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(events.Event{Type: eventType, Data: data})
}

func (e *Engine) queueSync(entityType, entityID, operation string) {
	if e.repl == nil {
		return
	}
	e.repl.QueueSync(entityType, entityID, operation)
}

func (e *Engine) cachePortfolio(p model.Portfolio) {
	e.pmu.Lock()
	e.portfolios[p.ID] = p
	e.pmu.Unlock()
}

func (e *Engine) cacheOrder(o model.Order) {
	e.omu.Lock()
	e.orders[o.ID] = o
	e.omu.Unlock()
}

func (e *Engine) cachePosition(p model.Position) {
	e.posmu.Lock()
	e.positions[p.ID] = p
	e.posmu.Unlock()
}

func (e *Engine) dropPosition(id string) {
	e.posmu.Lock()
	delete(e.positions, id)
	e.posmu.Unlock()
}

// snapshotEquity writes an equity-curve point. Best effort: failures are
// logged and never surfaced to the caller.
func (e *Engine) snapshotEquity(ctx context.Context, p *model.Portfolio) {
	if err := e.store.SavePortfolioSnapshot(ctx, model.SnapshotOf(p)); err != nil {
		e.log.Warn().Err(err).Str("portfolio_id", p.ID).Msg("equity snapshot failed")
	}
}

func decPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
