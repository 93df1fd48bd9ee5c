package engine

import (
	"context"
	"testing"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/storage"
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

// newTestEngine disables base slippage so execution prices are exact.
func newTestEngine() (*Engine, *storage.Memory) {
	store := storage.NewMemory()
	e := New(store, Config{
		BaseSlippagePct: 0,
		FeePct:          0.001,
		MinOrderValue:   1.0,
		ImpactFactor:    0.1,
	})
	return e, store
}

func newTestPortfolio(t *testing.T, e *Engine, opts CreatePortfolioOptions) model.Portfolio {
	t.Helper()
	p, err := e.CreatePortfolio(context.Background(), "user1", "test", opts)
	require.NoError(t, err)
	return p
}

func placeMarket(t *testing.T, e *Engine, portfolioID string, side types.OrderSide, qty, leverage string) model.Order {
	t.Helper()
	lev := dec(leverage)
	o, err := e.PlaceOrder(context.Background(), PlaceOrderRequest{
		PortfolioID: portfolioID,
		Symbol:      "BTC-USD",
		AssetClass:  types.AssetClassCryptoPerp,
		Side:        side,
		Type:        types.OrderTypeMarket,
		Quantity:    dec(qty),
		Leverage:    &lev,
	})
	require.NoError(t, err)
	return o
}

func TestCreatePortfolioDefaults(t *testing.T) {
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	assertDec(t, "250000", p.CashBalance)
	assert.Equal(t, types.CostBasisFIFO, p.CostBasisMethod)
	assert.Equal(t, model.DefaultRiskSettings(), p.RiskSettings)

	method := types.CostBasisLIFO
	p2, err := e.CreatePortfolio(context.Background(), "user1", "second", CreatePortfolioOptions{CostBasisMethod: &method})
	require.NoError(t, err)
	assert.Equal(t, types.CostBasisLIFO, p2.CostBasisMethod)

	got, err := e.GetUserPortfolios(context.Background(), "user1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestOpenPositionChargesMarginAndFee(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	order := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "10")
	trade, err := e.ExecuteMarketOrder(ctx, order.ID, 50000, nil)
	require.NoError(t, err)

	assertDec(t, "50000", trade.Price)
	assertDec(t, "50", trade.Fee)
	assert.Nil(t, trade.RealizedPnL)

	got, err := e.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "244950", got.CashBalance)
	assertDec(t, "5000", got.MarginUsed)
	assertDec(t, "249950", got.TotalValue)
	// Opening fills do not count as trades.
	assert.Zero(t, got.TotalTrades)

	positions, err := e.GetPositions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assertDec(t, "5000", positions[0].MarginUsed)
	require.NotNil(t, positions[0].LiquidationPrice)
	assertDec(t, "45250", *positions[0].LiquidationPrice)

	filled, err := e.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, filled.Status)
	require.NotNil(t, filled.AvgFillPrice)
	assertDec(t, "50000", *filled.AvgFillPrice)

	assert.NotEmpty(t, store.Snapshots(p.ID))
}

func TestAverageIntoSameSidePosition(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	o1 := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "1")
	_, err := e.ExecuteMarketOrder(ctx, o1.ID, 50000, nil)
	require.NoError(t, err)

	o2 := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "1")
	_, err = e.ExecuteMarketOrder(ctx, o2.ID, 60000, nil)
	require.NoError(t, err)

	positions, err := e.GetPositions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos := positions[0]
	assertDec(t, "2", pos.Quantity)
	assertDec(t, "55000", pos.EntryPrice)
	assertDec(t, "110000", pos.MarginUsed)
	assert.Len(t, pos.CostBasis, 2)

	got, err := e.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "139890", got.CashBalance)
	assertDec(t, "110000", got.MarginUsed)
}

func TestPartialCloseReleasesMarginAndRealizes(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	buy := placeMarket(t, e, p.ID, types.OrderSideBuy, "10", "1")
	_, err := e.ExecuteMarketOrder(ctx, buy.ID, 100, nil)
	require.NoError(t, err)

	sell := placeMarket(t, e, p.ID, types.OrderSideSell, "4", "1")
	trade, err := e.ExecuteMarketOrder(ctx, sell.ID, 110, nil)
	require.NoError(t, err)

	// raw 40 minus the 0.44 close fee
	require.NotNil(t, trade.RealizedPnL)
	assertDec(t, "39.56", *trade.RealizedPnL)

	positions, err := e.GetPositions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos := positions[0]
	assertDec(t, "6", pos.Quantity)
	assertDec(t, "600", pos.MarginUsed)
	require.Len(t, pos.CostBasis, 1)
	assertDec(t, "6", pos.CostBasis[0].Quantity)

	got, err := e.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "249438.56", got.CashBalance)
	assertDec(t, "600", got.MarginUsed)
	assertDec(t, "39.56", got.RealizedPnL)
	// Only the reducing fill counts as a trade.
	assert.Equal(t, int64(1), got.TotalTrades)
	assert.Equal(t, int64(1), got.WinningTrades)
}

func TestFullCloseRemovesPosition(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	buy := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "1")
	_, err := e.ExecuteMarketOrder(ctx, buy.ID, 100, nil)
	require.NoError(t, err)

	sell := placeMarket(t, e, p.ID, types.OrderSideSell, "1", "1")
	trade, err := e.ExecuteMarketOrder(ctx, sell.ID, 110, nil)
	require.NoError(t, err)

	require.NotNil(t, trade.RealizedPnL)
	assertDec(t, "9.89", *trade.RealizedPnL)

	positions, err := e.GetPositions(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	got, err := e.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	// 250000 less both fees plus the 10 gain
	assertDec(t, "250009.79", got.CashBalance)
	assertDec(t, "0", got.MarginUsed)
	assert.Equal(t, int64(1), got.WinningTrades)
}

func TestOversizedCloseFlipsPosition(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	buy := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "1")
	_, err := e.ExecuteMarketOrder(ctx, buy.ID, 100, nil)
	require.NoError(t, err)

	sell := placeMarket(t, e, p.ID, types.OrderSideSell, "3", "1")
	trade, err := e.ExecuteMarketOrder(ctx, sell.ID, 100, nil)
	require.NoError(t, err)

	// The close leg carries a pro-rata share of the fee.
	require.NotNil(t, trade.RealizedPnL)
	assertDec(t, "-0.1", *trade.RealizedPnL)

	positions, err := e.GetPositions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, types.PositionSideShort, pos.Side)
	assertDec(t, "2", pos.Quantity)
	assertDec(t, "100", pos.EntryPrice)
	assertDec(t, "200", pos.MarginUsed)

	got, err := e.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "249799.6", got.CashBalance)
	assertDec(t, "200", got.MarginUsed)
	assertDec(t, "-0.1", got.RealizedPnL)
}

func TestCostBasisMethods(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T, method types.CostBasisMethod) (*Engine, model.Portfolio) {
		e, _ := newTestEngine()
		p := newTestPortfolio(t, e, CreatePortfolioOptions{CostBasisMethod: &method})
		o1 := placeMarket(t, e, p.ID, types.OrderSideBuy, "5", "1")
		_, err := e.ExecuteMarketOrder(ctx, o1.ID, 100, nil)
		require.NoError(t, err)
		o2 := placeMarket(t, e, p.ID, types.OrderSideBuy, "5", "1")
		_, err = e.ExecuteMarketOrder(ctx, o2.ID, 120, nil)
		require.NoError(t, err)
		sell := placeMarket(t, e, p.ID, types.OrderSideSell, "4", "1")
		_, err = e.ExecuteMarketOrder(ctx, sell.ID, 130, nil)
		require.NoError(t, err)
		return e, p
	}

	t.Run("fifo consumes oldest lot", func(t *testing.T) {
		e, p := open(t, types.CostBasisFIFO)
		positions, err := e.GetPositions(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		lots := positions[0].CostBasis
		require.Len(t, lots, 2)
		assertDec(t, "1", lots[0].Quantity)
		assertDec(t, "100", lots[0].Price)
		assertDec(t, "5", lots[1].Quantity)
		assertDec(t, "120", lots[1].Price)
	})

	t.Run("lifo consumes newest lot", func(t *testing.T) {
		e, p := open(t, types.CostBasisLIFO)
		positions, err := e.GetPositions(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		lots := positions[0].CostBasis
		require.Len(t, lots, 2)
		assertDec(t, "5", lots[0].Quantity)
		assertDec(t, "100", lots[0].Price)
		assertDec(t, "1", lots[1].Quantity)
		assertDec(t, "120", lots[1].Price)
	})

	t.Run("average scales every lot", func(t *testing.T) {
		e, p := open(t, types.CostBasisAverage)
		positions, err := e.GetPositions(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		lots := positions[0].CostBasis
		require.Len(t, lots, 2)
		assertDec(t, "3", lots[0].Quantity)
		assertDec(t, "3", lots[1].Quantity)
	})
}

func TestPlaceOrderRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("stopped portfolio", func(t *testing.T) {
		e, store := newTestEngine()
		p := newTestPortfolio(t, e, CreatePortfolioOptions{})
		p.TotalValue = dec("180000")
		require.NoError(t, store.UpdatePortfolio(ctx, p))
		e.Invalidate("portfolio", p.ID)

		_, err := e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID: p.ID,
			Symbol:      "BTC-USD",
			AssetClass:  types.AssetClassCryptoPerp,
			Side:        types.OrderSideBuy,
			Type:        types.OrderTypeMarket,
			Quantity:    dec("1"),
		})
		require.ErrorIs(t, err, ErrPortfolioStopped)

		_, err = e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID:    p.ID,
			Symbol:         "BTC-USD",
			AssetClass:     types.AssetClassCryptoPerp,
			Side:           types.OrderSideSell,
			Type:           types.OrderTypeMarket,
			Quantity:       dec("1"),
			BypassDrawdown: true,
		})
		require.NoError(t, err)
	})

	t.Run("leverage cap per asset class", func(t *testing.T) {
		e, _ := newTestEngine()
		p := newTestPortfolio(t, e, CreatePortfolioOptions{})
		lev := dec("5")
		_, err := e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID: p.ID,
			Symbol:      "AAPL",
			AssetClass:  types.AssetClassStock,
			Side:        types.OrderSideBuy,
			Type:        types.OrderTypeMarket,
			Quantity:    dec("1"),
			Leverage:    &lev,
		})
		var levErr *LeverageError
		require.ErrorAs(t, err, &levErr)
		assertDec(t, "4", levErr.Max)
	})

	t.Run("leverage below one", func(t *testing.T) {
		e, _ := newTestEngine()
		p := newTestPortfolio(t, e, CreatePortfolioOptions{})

		var invalid *InvalidOrderError
		for _, lev := range []decimal.Decimal{decimal.Zero, dec("-1"), dec("0.5")} {
			lev := lev
			_, err := e.PlaceOrder(ctx, PlaceOrderRequest{
				PortfolioID: p.ID,
				Symbol:      "BTC-USD",
				AssetClass:  types.AssetClassCryptoPerp,
				Side:        types.OrderSideBuy,
				Type:        types.OrderTypeMarket,
				Quantity:    dec("1"),
				Leverage:    &lev,
			})
			require.ErrorAs(t, err, &invalid, "leverage %s", lev)
		}

		// Rejected at placement, so nothing can reach the margin math and
		// credit cash through a negative margin requirement.
		got, err := e.GetPortfolio(ctx, p.ID)
		require.NoError(t, err)
		assertDec(t, "250000", got.CashBalance)
	})

	t.Run("bracket leverage bounds", func(t *testing.T) {
		e, _ := newTestEngine()
		p := newTestPortfolio(t, e, CreatePortfolioOptions{})

		var invalid *InvalidOrderError
		_, err := e.PlaceBracketOrder(ctx, p.ID, "BTC-USD", types.AssetClassCryptoPerp, types.OrderSideBuy,
			dec("1"), nil, dec("48000"), dec("55000"), decimal.Zero)
		require.ErrorAs(t, err, &invalid)

		var levErr *LeverageError
		_, err = e.PlaceBracketOrder(ctx, p.ID, "BTC-USD", types.AssetClassCryptoPerp, types.OrderSideBuy,
			dec("1"), nil, dec("48000"), dec("55000"), dec("200"))
		require.ErrorAs(t, err, &levErr)
	})

	t.Run("position limit", func(t *testing.T) {
		e, _ := newTestEngine()
		risk := model.DefaultRiskSettings()
		risk.MaxOpenPositions = 0
		p := newTestPortfolio(t, e, CreatePortfolioOptions{RiskSettings: &risk})
		_, err := e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID: p.ID,
			Symbol:      "BTC-USD",
			AssetClass:  types.AssetClassCryptoPerp,
			Side:        types.OrderSideBuy,
			Type:        types.OrderTypeMarket,
			Quantity:    dec("1"),
		})
		var limitErr *PositionLimitError
		require.ErrorAs(t, err, &limitErr)
	})

	t.Run("structural validation", func(t *testing.T) {
		e, _ := newTestEngine()
		p := newTestPortfolio(t, e, CreatePortfolioOptions{})

		var invalid *InvalidOrderError

		_, err := e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
			Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: dec("1"),
		})
		require.ErrorAs(t, err, &invalid)

		_, err = e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
			Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: dec("0"),
		})
		require.ErrorAs(t, err, &invalid)

		price := dec("0.5")
		_, err = e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
			Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: dec("1"), Price: &price,
		})
		require.ErrorAs(t, err, &invalid)

		_, err = e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
			Side: types.OrderSideSell, Type: types.OrderTypeTrailingStop, Quantity: dec("1"),
		})
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("insufficient margin on priced buy", func(t *testing.T) {
		e, _ := newTestEngine()
		p := newTestPortfolio(t, e, CreatePortfolioOptions{})
		price := dec("50000")
		_, err := e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
			Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: dec("10"), Price: &price,
		})
		var marginErr *InsufficientMarginError
		require.ErrorAs(t, err, &marginErr)
	})

	t.Run("insufficient margin at execution", func(t *testing.T) {
		e, _ := newTestEngine()
		p := newTestPortfolio(t, e, CreatePortfolioOptions{})
		order := placeMarket(t, e, p.ID, types.OrderSideBuy, "100", "1")
		_, err := e.ExecuteMarketOrder(ctx, order.ID, 50000, nil)
		var marginErr *InsufficientMarginError
		require.ErrorAs(t, err, &marginErr)
	})

	t.Run("unknown portfolio", func(t *testing.T) {
		e, _ := newTestEngine()
		_, err := e.PlaceOrder(ctx, PlaceOrderRequest{PortfolioID: "missing", Quantity: dec("1")})
		var notFound *PortfolioNotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

func TestExecuteWithoutPriceData(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	order := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "1")
	_, err := e.ExecuteMarketOrder(ctx, order.ID, 0, nil)
	require.ErrorIs(t, err, ErrNoPriceData)
}

func TestCancelOrderAndOCOPartner(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	oco, err := e.PlaceOCOOrder(ctx, p.ID, "BTC-USD", types.AssetClassCryptoPerp, types.OrderSideSell, dec("1"), dec("48000"), dec("55000"))
	require.NoError(t, err)

	cancelled, err := e.CancelOrder(ctx, oco.Order1.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, cancelled.Status)

	partner, err := e.GetOrder(ctx, oco.Order2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, partner.Status)

	_, err = e.CancelOrder(ctx, oco.Order1.ID)
	var cannotCancel *CannotCancelError
	require.ErrorAs(t, err, &cannotCancel)
}

func TestBracketLifecycle(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	entryPrice := dec("50000")
	bracket, err := e.PlaceBracketOrder(ctx, p.ID, "BTC-USD", types.AssetClassCryptoPerp, types.OrderSideBuy,
		dec("1"), &entryPrice, dec("48000"), dec("55000"), dec("1"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, bracket.StopLoss.Status)
	assert.Equal(t, types.OrderStatusPending, bracket.TakeProfit.Status)

	// Unactivated children never trigger, even at their prices.
	assert.Empty(t, e.CheckTriggeredOrders(ctx, "BTC-USD", 56000, nil))

	// Filling the entry opens both children.
	_, err = e.ExecuteMarketOrder(ctx, bracket.Entry.ID, 50000, nil)
	require.NoError(t, err)

	sl, err := e.GetOrder(ctx, bracket.StopLoss.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusOpen, sl.Status)
	tp, err := e.GetOrder(ctx, bracket.TakeProfit.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusOpen, tp.Status)

	// A price through the take profit closes the position and cancels the
	// sibling stop loss.
	results := e.CheckTriggeredOrders(ctx, "BTC-USD", 56000, nil)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, tp.ID, results[0].OrderID)
	require.NotNil(t, results[0].Trade.RealizedPnL)
	assertDec(t, "5944", *results[0].Trade.RealizedPnL)

	positions, err := e.GetPositions(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	sl, err = e.GetOrder(ctx, bracket.StopLoss.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, sl.Status)
}

func TestExpireGTDOrders(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	tif := types.TimeInForceGTD
	past := time.Now().UTC().Add(-time.Minute)
	price := dec("100")
	order, err := e.PlaceOrder(ctx, PlaceOrderRequest{
		PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
		Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: dec("1"),
		Price: &price, TimeInForce: &tif, ExpiresAt: &past,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, e.ExpireGTDOrders(ctx))

	got, err := e.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusExpired, got.Status)

	// Nothing left to expire.
	assert.Equal(t, 0, e.ExpireGTDOrders(ctx))
}

func TestExecuteIOCOrder(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	tif := types.TimeInForceIOC
	price := dec("100")

	t.Run("partial fill cancels remainder", func(t *testing.T) {
		order, err := e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
			Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: dec("10"),
			Price: &price, TimeInForce: &tif,
		})
		require.NoError(t, err)

		trade, err := e.ExecuteIOCOrder(ctx, order.ID, dec("4"), 100, nil)
		require.NoError(t, err)
		require.NotNil(t, trade)
		assertDec(t, "4", trade.Quantity)

		got, err := e.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, types.OrderStatusCancelled, got.Status)
		assertDec(t, "4", got.FilledQuantity)
	})

	t.Run("no liquidity cancels outright", func(t *testing.T) {
		order, err := e.PlaceOrder(ctx, PlaceOrderRequest{
			PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
			Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: dec("10"),
			Price: &price, TimeInForce: &tif,
		})
		require.NoError(t, err)

		trade, err := e.ExecuteIOCOrder(ctx, order.ID, decimal.Zero, 100, nil)
		require.NoError(t, err)
		assert.Nil(t, trade)

		got, err := e.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, types.OrderStatusCancelled, got.Status)
		assertDec(t, "0", got.FilledQuantity)
	})

	t.Run("non-IOC order rejected", func(t *testing.T) {
		order := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "1")
		_, err := e.ExecuteIOCOrder(ctx, order.ID, dec("1"), 100, nil)
		var invalid *InvalidOrderError
		require.ErrorAs(t, err, &invalid)
	})
}

func TestValidateFOKOrder(t *testing.T) {
	e, _ := newTestEngine()

	order := model.NewMarketOrder("pf1", "BTC-USD", types.AssetClassCryptoPerp, types.OrderSideBuy, dec("10"))
	order.TimeInForce = types.TimeInForceFOK

	var invalid *InvalidOrderError
	require.ErrorAs(t, e.ValidateFOKOrder(&order, dec("5")), &invalid)
	require.NoError(t, e.ValidateFOKOrder(&order, dec("10")))

	order.TimeInForce = types.TimeInForceGTC
	require.NoError(t, e.ValidateFOKOrder(&order, dec("5")))
}

func TestUpdateTrailingStops(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	amount := dec("50")
	order, err := e.PlaceOrder(ctx, PlaceOrderRequest{
		PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
		Side: types.OrderSideSell, Type: types.OrderTypeTrailingStop, Quantity: dec("1"),
		TrailAmount: &amount,
	})
	require.NoError(t, err)

	// First tick seeds the reference.
	assert.Equal(t, 1, e.UpdateTrailingStops(ctx, "BTC-USD", 1000))
	got, err := e.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StopPrice)
	assertDec(t, "950", *got.StopPrice)

	assert.Equal(t, 1, e.UpdateTrailingStops(ctx, "BTC-USD", 1100))
	got, err = e.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assertDec(t, "1050", *got.StopPrice)

	// Pullbacks leave the stop in place.
	assert.Equal(t, 0, e.UpdateTrailingStops(ctx, "BTC-USD", 1080))
}

func TestCheckPositionTriggers(t *testing.T) {
	ctx := context.Background()

	openLong := func(t *testing.T) (*Engine, model.Portfolio, model.Position) {
		e, _ := newTestEngine()
		p := newTestPortfolio(t, e, CreatePortfolioOptions{})
		order := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "10")
		_, err := e.ExecuteMarketOrder(ctx, order.ID, 50000, nil)
		require.NoError(t, err)
		positions, err := e.GetPositions(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		return e, p, positions[0]
	}

	t.Run("stop loss", func(t *testing.T) {
		e, p, pos := openLong(t)
		sl := dec("48000")
		_, err := e.ModifyPosition(ctx, pos.ID, &sl, nil)
		require.NoError(t, err)

		results := e.CheckPositionTriggers(ctx, "BTC-USD", 47000)
		require.Len(t, results, 1)
		require.NoError(t, results[0].Err)
		assert.Equal(t, CloseReasonStopLoss, results[0].Reason)

		positions, err := e.GetPositions(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, positions)

		got, err := e.GetPortfolio(ctx, p.ID)
		require.NoError(t, err)
		// (47000 - 50000) - 47 close fee
		assertDec(t, "-3047", got.RealizedPnL)
		assertDec(t, "246903", got.CashBalance)
	})

	t.Run("liquidation beats stop loss", func(t *testing.T) {
		e, _, pos := openLong(t)
		sl := dec("48000")
		_, err := e.ModifyPosition(ctx, pos.ID, &sl, nil)
		require.NoError(t, err)

		results := e.CheckPositionTriggers(ctx, "BTC-USD", 45000)
		require.Len(t, results, 1)
		assert.Equal(t, CloseReasonLiquidation, results[0].Reason)
	})

	t.Run("take profit", func(t *testing.T) {
		e, _, pos := openLong(t)
		tp := dec("55000")
		_, err := e.ModifyPosition(ctx, pos.ID, nil, &tp)
		require.NoError(t, err)

		results := e.CheckPositionTriggers(ctx, "BTC-USD", 56000)
		require.Len(t, results, 1)
		assert.Equal(t, CloseReasonTakeProfit, results[0].Reason)
	})

	t.Run("no trigger", func(t *testing.T) {
		e, _, _ := openLong(t)
		assert.Empty(t, e.CheckPositionTriggers(ctx, "BTC-USD", 49000))
	})
}

func TestClosePosition(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	order := placeMarket(t, e, p.ID, types.OrderSideBuy, "2", "1")
	_, err := e.ExecuteMarketOrder(ctx, order.ID, 100, nil)
	require.NoError(t, err)

	positions, err := e.GetPositions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	trade, err := e.ClosePosition(ctx, positions[0].ID, 120)
	require.NoError(t, err)
	assert.Equal(t, types.OrderSideSell, trade.Side)
	assertDec(t, "2", trade.Quantity)
	require.NotNil(t, trade.RealizedPnL)
	// raw 40 minus the 0.24 close fee
	assertDec(t, "39.76", *trade.RealizedPnL)

	positions, err = e.GetPositions(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	var notFound *PositionNotFoundError
	_, err = e.ClosePosition(ctx, "missing", 100)
	require.ErrorAs(t, err, &notFound)
}

func TestUpdatePositionPrice(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	order := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "10")
	_, err := e.ExecuteMarketOrder(ctx, order.ID, 50000, nil)
	require.NoError(t, err)

	positions, err := e.GetPositions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	pos, err := e.UpdatePositionPrice(ctx, positions[0].ID, 52000)
	require.NoError(t, err)
	assertDec(t, "2000", pos.UnrealizedPnL)

	got, err := e.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "2000", got.UnrealizedPnL)
	assertDec(t, "251950", got.TotalValue)
}

func TestResetPortfolio(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	order := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "1")
	_, err := e.ExecuteMarketOrder(ctx, order.ID, 50000, nil)
	require.NoError(t, err)

	price := dec("40000")
	resting, err := e.PlaceOrder(ctx, PlaceOrderRequest{
		PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
		Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: dec("1"), Price: &price,
	})
	require.NoError(t, err)

	got, err := e.ResetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "250000", got.CashBalance)
	assertDec(t, "0", got.MarginUsed)
	assertDec(t, "250000", got.TotalValue)
	assert.Zero(t, got.TotalTrades)

	positions, err := e.GetPositions(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	o, err := e.GetOrder(ctx, resting.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, o.Status)
}

func TestGetPortfolioSummary(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	order := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "10")
	_, err := e.ExecuteMarketOrder(ctx, order.ID, 50000, nil)
	require.NoError(t, err)

	price := dec("40000")
	_, err = e.PlaceOrder(ctx, PlaceOrderRequest{
		PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
		Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: dec("1"), Price: &price,
	})
	require.NoError(t, err)

	summary, err := e.GetPortfolioSummary(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OpenPositions)
	assert.Equal(t, 1, summary.OpenOrders)
	assert.Zero(t, summary.TotalTrades)
	assertDec(t, "5000", summary.MarginUsed)
	require.NotNil(t, summary.MarginLevel)
}

func TestDeletePortfolioEvictsCaches(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	order := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "1")
	_, err := e.ExecuteMarketOrder(ctx, order.ID, 100, nil)
	require.NoError(t, err)

	require.NoError(t, e.DeletePortfolio(ctx, p.ID))

	var pfNotFound *PortfolioNotFoundError
	_, err = e.GetPortfolio(ctx, p.ID)
	require.ErrorAs(t, err, &pfNotFound)

	var orderNotFound *OrderNotFoundError
	_, err = e.GetOrder(ctx, order.ID)
	require.ErrorAs(t, err, &orderNotFound)
}

func TestOrderQueries(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	p := newTestPortfolio(t, e, CreatePortfolioOptions{})

	order := placeMarket(t, e, p.ID, types.OrderSideBuy, "1", "1")
	trade, err := e.ExecuteMarketOrder(ctx, order.ID, 100, nil)
	require.NoError(t, err)

	price := dec("90")
	_, err = e.PlaceOrder(ctx, PlaceOrderRequest{
		PortfolioID: p.ID, Symbol: "BTC-USD", AssetClass: types.AssetClassCryptoPerp,
		Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: dec("1"), Price: &price,
	})
	require.NoError(t, err)

	open, err := e.GetOpenOrders(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	history, err := e.GetOrderHistory(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	trades, err := e.GetOrderTrades(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, trade.ID, trades[0].ID)

	all, err := e.GetTrades(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
