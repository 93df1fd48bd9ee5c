package model

import (
	"testing"

	"papertrade/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "want %s, got %s", want, got)
}

func TestNewPositionMargin(t *testing.T) {
	p := NewPosition("pf1", "BTC-USD", types.AssetClassCryptoPerp, types.PositionSideLong, dec("1"), dec("50000"), dec("10"))

	assertDec(t, "5000", p.MarginUsed)
	assertDec(t, "50000", p.EntryPrice)
	assertDec(t, "50000", p.CurrentPrice)
	require.Len(t, p.CostBasis, 1)
	assertDec(t, "1", p.CostBasis[0].Quantity)
}

func TestLiquidationPriceLong(t *testing.T) {
	p := NewPosition("pf1", "BTC-USD", types.AssetClassCryptoPerp, types.PositionSideLong, dec("1"), dec("50000"), dec("10"))
	p.CalculateLiquidationPrice()

	// entry * (1 - 1/10 + 0.005)
	require.NotNil(t, p.LiquidationPrice)
	assertDec(t, "45250", *p.LiquidationPrice)
}

func TestLiquidationPriceShort(t *testing.T) {
	p := NewPosition("pf1", "ETH-USD", types.AssetClassCryptoPerp, types.PositionSideShort, dec("2"), dec("3000"), dec("5"))
	p.CalculateLiquidationPrice()

	// entry * (1 + 1/5 - 0.005)
	require.NotNil(t, p.LiquidationPrice)
	assertDec(t, "3585", *p.LiquidationPrice)
}

func TestLiquidationPriceUnleveraged(t *testing.T) {
	p := NewPosition("pf1", "BTC-USD", types.AssetClassCryptoSpot, types.PositionSideLong, dec("1"), dec("50000"), dec("1"))
	p.CalculateLiquidationPrice()

	assert.Nil(t, p.LiquidationPrice)
}

func TestUpdatePriceLong(t *testing.T) {
	p := NewPosition("pf1", "BTC-USD", types.AssetClassCryptoSpot, types.PositionSideLong, dec("2"), dec("50000"), dec("1"))
	p.UpdatePrice(dec("55000"))

	assertDec(t, "10000", p.UnrealizedPnL)
	assertDec(t, "10", p.UnrealizedPnLPct)
}

func TestUpdatePriceShort(t *testing.T) {
	p := NewPosition("pf1", "ETH-USD", types.AssetClassCryptoPerp, types.PositionSideShort, dec("10"), dec("100"), dec("1"))
	p.UpdatePrice(dec("90"))

	assertDec(t, "100", p.UnrealizedPnL)
	assertDec(t, "10", p.UnrealizedPnLPct)

	p.UpdatePrice(dec("110"))
	assertDec(t, "-100", p.UnrealizedPnL)
}

func TestShouldLiquidate(t *testing.T) {
	p := NewPosition("pf1", "BTC-USD", types.AssetClassCryptoPerp, types.PositionSideLong, dec("1"), dec("50000"), dec("10"))
	p.CalculateLiquidationPrice()

	p.UpdatePrice(dec("45251"))
	assert.False(t, p.ShouldLiquidate())

	p.UpdatePrice(dec("45250"))
	assert.True(t, p.ShouldLiquidate())
}

func TestPositionStopTriggers(t *testing.T) {
	p := NewPosition("pf1", "BTC-USD", types.AssetClassCryptoSpot, types.PositionSideLong, dec("1"), dec("50000"), dec("1"))
	sl := dec("48000")
	tp := dec("55000")
	p.StopLoss = &sl
	p.TakeProfit = &tp

	p.UpdatePrice(dec("49000"))
	assert.False(t, p.ShouldStopLoss())
	assert.False(t, p.ShouldTakeProfit())

	p.UpdatePrice(dec("48000"))
	assert.True(t, p.ShouldStopLoss())

	p.UpdatePrice(dec("55500"))
	assert.True(t, p.ShouldTakeProfit())

	short := NewPosition("pf1", "BTC-USD", types.AssetClassCryptoSpot, types.PositionSideShort, dec("1"), dec("50000"), dec("1"))
	shortSL := dec("52000")
	short.StopLoss = &shortSL
	short.UpdatePrice(dec("52100"))
	assert.True(t, short.ShouldStopLoss())
}

func TestPositionMarginLevel(t *testing.T) {
	p := NewPosition("pf1", "BTC-USD", types.AssetClassCryptoPerp, types.PositionSideLong, dec("1"), dec("50000"), dec("10"))
	p.UnrealizedPnL = dec("-1000")

	level, ok := p.MarginLevel()
	require.True(t, ok)
	assertDec(t, "80", level)

	p.MarginUsed = decimal.Zero
	_, ok = p.MarginLevel()
	assert.False(t, ok)
}
