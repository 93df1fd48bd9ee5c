package storage

import (
	"context"
	"testing"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPortfolioCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p := model.NewPortfolio("user1", "main")
	require.NoError(t, m.CreatePortfolio(ctx, p))

	got, err := m.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	p.Name = "renamed"
	require.NoError(t, m.UpdatePortfolio(ctx, p))
	got, err = m.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	_, err = m.GetPortfolio(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.UpdatePortfolio(ctx, model.NewPortfolio("u", "x")), ErrNotFound)

	mine, err := m.ListUserPortfolios(ctx, "user1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestMemoryDeletePortfolioCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p := model.NewPortfolio("user1", "main")
	require.NoError(t, m.CreatePortfolio(ctx, p))

	o := model.NewMarketOrder(p.ID, "BTC-USD", types.AssetClassCryptoSpot, types.OrderSideBuy, decimal.NewFromInt(1))
	require.NoError(t, m.CreateOrder(ctx, o))

	pos := model.NewPosition(p.ID, "BTC-USD", types.AssetClassCryptoSpot, types.PositionSideLong, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, m.CreatePosition(ctx, pos))

	require.NoError(t, m.DeletePortfolio(ctx, p.ID))

	_, err := m.GetOrder(ctx, o.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetPosition(ctx, pos.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryOrderListing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	open := model.NewMarketOrder("pf1", "BTC-USD", types.AssetClassCryptoSpot, types.OrderSideBuy, decimal.NewFromInt(1))
	require.NoError(t, m.CreateOrder(ctx, open))

	done := model.NewMarketOrder("pf1", "BTC-USD", types.AssetClassCryptoSpot, types.OrderSideSell, decimal.NewFromInt(1))
	done.Status = types.OrderStatusFilled
	require.NoError(t, m.CreateOrder(ctx, done))

	openOrders, err := m.ListOpenOrders(ctx, "pf1")
	require.NoError(t, err)
	require.Len(t, openOrders, 1)
	assert.Equal(t, open.ID, openOrders[0].ID)

	n, err := m.OpenOrderCount(ctx, "pf1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := m.ListOrders(ctx, "pf1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := m.ListOrders(ctx, "pf1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryPositionBySymbol(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	long := model.NewPosition("pf1", "BTC-USD", types.AssetClassCryptoSpot, types.PositionSideLong, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, m.CreatePosition(ctx, long))

	got, err := m.GetPositionBySymbol(ctx, "pf1", "BTC-USD", "long")
	require.NoError(t, err)
	assert.Equal(t, long.ID, got.ID)

	_, err = m.GetPositionBySymbol(ctx, "pf1", "BTC-USD", "short")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.ClosePosition(ctx, long.ID))
	_, err = m.GetPosition(ctx, long.ID)
	require.ErrorIs(t, err, ErrNotFound)

	n, err := m.PositionCount(ctx, "pf1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryTradesAndSnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tr := model.NewTrade("o1", "pf1", "BTC-USD", types.AssetClassCryptoSpot, types.OrderSideBuy,
		decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromFloat(0.1), decimal.Zero)
	require.NoError(t, m.CreateTrade(ctx, tr))

	trades, err := m.ListTrades(ctx, "pf1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	byOrder, err := m.ListOrderTrades(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, byOrder, 1)

	p := model.NewPortfolio("user1", "main")
	require.NoError(t, m.SavePortfolioSnapshot(ctx, model.SnapshotOf(&p)))
	assert.Len(t, m.Snapshots(p.ID), 1)
}
