package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"papertrade/internal/engine"
	"papertrade/internal/httputil"
	"papertrade/internal/marketdata"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
)

// TradingHandler exposes the execution engine over HTTP. Every portfolio,
// order, and position operation verifies ownership against the authenticated
// user before touching the engine.
type TradingHandler struct {
	eng *engine.Engine
}

func NewTradingHandler(eng *engine.Engine) *TradingHandler {
	return &TradingHandler{eng: eng}
}

// writeEngineError maps engine error types to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		portfolioNF *engine.PortfolioNotFoundError
		orderNF     *engine.OrderNotFoundError
		positionNF  *engine.PositionNotFoundError
	)
	switch {
	case errors.As(err, &portfolioNF), errors.As(err, &orderNF), errors.As(err, &positionNF):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: err.Error()})
		return
	}

	var (
		insufficientFunds  *engine.InsufficientFundsError
		insufficientMargin *engine.InsufficientMarginError
		positionLimit      *engine.PositionLimitError
		leverage           *engine.LeverageError
		invalidOrder       *engine.InvalidOrderError
		cannotCancel       *engine.CannotCancelError
	)
	switch {
	case errors.Is(err, engine.ErrPortfolioStopped),
		errors.Is(err, engine.ErrNoPriceData),
		errors.As(err, &insufficientFunds),
		errors.As(err, &insufficientMargin),
		errors.As(err, &positionLimit),
		errors.As(err, &leverage),
		errors.As(err, &invalidOrder),
		errors.As(err, &cannotCancel):
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, httputil.ErrorResponse{Error: err.Error()})
	default:
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal error"})
	}
}

// ownedPortfolio loads a portfolio and rejects access by other users.
func (h *TradingHandler) ownedPortfolio(w http.ResponseWriter, r *http.Request, portfolioID, userID string) (model.Portfolio, bool) {
	p, err := h.eng.GetPortfolio(r.Context(), portfolioID)
	if err != nil {
		writeEngineError(w, err)
		return model.Portfolio{}, false
	}
	if p.UserID != userID {
		httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: "portfolio does not belong to user"})
		return model.Portfolio{}, false
	}
	return p, true
}

type createPortfolioRequest struct {
	Name            string                 `json:"name"`
	Description     *string                `json:"description,omitempty"`
	CostBasisMethod *types.CostBasisMethod `json:"cost_basis_method,omitempty"`
	RiskSettings    *model.RiskSettings    `json:"risk_settings,omitempty"`
}

func (h *TradingHandler) CreatePortfolio(w http.ResponseWriter, r *http.Request, userID string) {
	var req createPortfolioRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if req.Name == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "name is required"})
		return
	}
	p, err := h.eng.CreatePortfolio(r.Context(), userID, req.Name, engine.CreatePortfolioOptions{
		Description:     req.Description,
		CostBasisMethod: req.CostBasisMethod,
		RiskSettings:    req.RiskSettings,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (h *TradingHandler) ListPortfolios(w http.ResponseWriter, r *http.Request, userID string) {
	portfolios, err := h.eng.GetUserPortfolios(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if portfolios == nil {
		portfolios = []model.Portfolio{}
	}
	httputil.WriteJSON(w, http.StatusOK, portfolios)
}

func (h *TradingHandler) GetPortfolio(w http.ResponseWriter, r *http.Request, userID, portfolioID string) {
	p, ok := h.ownedPortfolio(w, r, portfolioID, userID)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *TradingHandler) GetPortfolioSummary(w http.ResponseWriter, r *http.Request, userID, portfolioID string) {
	if _, ok := h.ownedPortfolio(w, r, portfolioID, userID); !ok {
		return
	}
	summary, err := h.eng.GetPortfolioSummary(r.Context(), portfolioID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

type updateSettingsRequest struct {
	CostBasisMethod *types.CostBasisMethod `json:"cost_basis_method,omitempty"`
	RiskSettings    *model.RiskSettings    `json:"risk_settings,omitempty"`
}

func (h *TradingHandler) UpdatePortfolioSettings(w http.ResponseWriter, r *http.Request, userID, portfolioID string) {
	if _, ok := h.ownedPortfolio(w, r, portfolioID, userID); !ok {
		return
	}
	var req updateSettingsRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	p, err := h.eng.UpdatePortfolioSettings(r.Context(), portfolioID, req.CostBasisMethod, req.RiskSettings)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *TradingHandler) ResetPortfolio(w http.ResponseWriter, r *http.Request, userID, portfolioID string) {
	if _, ok := h.ownedPortfolio(w, r, portfolioID, userID); !ok {
		return
	}
	p, err := h.eng.ResetPortfolio(r.Context(), portfolioID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *TradingHandler) DeletePortfolio(w http.ResponseWriter, r *http.Request, userID, portfolioID string) {
	if _, ok := h.ownedPortfolio(w, r, portfolioID, userID); !ok {
		return
	}
	if err := h.eng.DeletePortfolio(r.Context(), portfolioID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type placeOrderRequest struct {
	engine.PlaceOrderRequest
	// CurrentPrice, when present, executes a market order immediately.
	CurrentPrice *float64           `json:"current_price,omitempty"`
	Bids         []marketdata.Level `json:"bids,omitempty"`
	Asks         []marketdata.Level `json:"asks,omitempty"`
}

func (h *TradingHandler) PlaceOrder(w http.ResponseWriter, r *http.Request, userID string) {
	var req placeOrderRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if _, ok := h.ownedPortfolio(w, r, req.PortfolioID, userID); !ok {
		return
	}

	order, err := h.eng.PlaceOrder(r.Context(), req.PlaceOrderRequest)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if order.Type != types.OrderTypeMarket || req.CurrentPrice == nil {
		httputil.WriteJSON(w, http.StatusCreated, map[string]any{"order": order})
		return
	}

	var book *marketdata.OrderBook
	if len(req.Bids) > 0 || len(req.Asks) > 0 {
		b := marketdata.NewOrderBook(order.Symbol, req.Bids, req.Asks)
		book = &b
	}
	trade, err := h.eng.ExecuteMarketOrder(r.Context(), order.ID, *req.CurrentPrice, book)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	// Protective levels requested with the order attach to the resulting
	// position.
	if (req.StopLoss != nil || req.TakeProfit != nil) && trade.PositionID != nil {
		if _, err := h.eng.ModifyPosition(r.Context(), *trade.PositionID, req.StopLoss, req.TakeProfit); err != nil {
			writeEngineError(w, err)
			return
		}
	}

	order, err = h.eng.GetOrder(r.Context(), order.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"order": order, "trade": trade})
}

type placeBracketRequest struct {
	PortfolioID     string           `json:"portfolio_id"`
	Symbol          string           `json:"symbol"`
	AssetClass      types.AssetClass `json:"asset_class"`
	Side            types.OrderSide  `json:"side"`
	Quantity        decimal.Decimal  `json:"quantity"`
	EntryPrice      *decimal.Decimal `json:"entry_price,omitempty"`
	StopLossPrice   decimal.Decimal  `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal  `json:"take_profit_price"`
	Leverage        *decimal.Decimal `json:"leverage,omitempty"`
}

func (h *TradingHandler) PlaceBracketOrder(w http.ResponseWriter, r *http.Request, userID string) {
	var req placeBracketRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if _, ok := h.ownedPortfolio(w, r, req.PortfolioID, userID); !ok {
		return
	}
	leverage := decimal.NewFromInt(1)
	if req.Leverage != nil {
		leverage = *req.Leverage
	}
	bracket, err := h.eng.PlaceBracketOrder(r.Context(), req.PortfolioID, req.Symbol, req.AssetClass, req.Side, req.Quantity, req.EntryPrice, req.StopLossPrice, req.TakeProfitPrice, leverage)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, bracket)
}

type placeOCORequest struct {
	PortfolioID     string           `json:"portfolio_id"`
	Symbol          string           `json:"symbol"`
	AssetClass      types.AssetClass `json:"asset_class"`
	Side            types.OrderSide  `json:"side"`
	Quantity        decimal.Decimal  `json:"quantity"`
	StopLossPrice   decimal.Decimal  `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal  `json:"take_profit_price"`
}

func (h *TradingHandler) PlaceOCOOrder(w http.ResponseWriter, r *http.Request, userID string) {
	var req placeOCORequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if _, ok := h.ownedPortfolio(w, r, req.PortfolioID, userID); !ok {
		return
	}
	oco, err := h.eng.PlaceOCOOrder(r.Context(), req.PortfolioID, req.Symbol, req.AssetClass, req.Side, req.Quantity, req.StopLossPrice, req.TakeProfitPrice)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, oco)
}

func (h *TradingHandler) OpenOrders(w http.ResponseWriter, r *http.Request, userID, portfolioID string) {
	if _, ok := h.ownedPortfolio(w, r, portfolioID, userID); !ok {
		return
	}
	orders, err := h.eng.GetOpenOrders(r.Context(), portfolioID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	httputil.WriteJSON(w, http.StatusOK, orders)
}

func (h *TradingHandler) OrderHistory(w http.ResponseWriter, r *http.Request, userID, portfolioID string) {
	if _, ok := h.ownedPortfolio(w, r, portfolioID, userID); !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	orders, err := h.eng.GetOrderHistory(r.Context(), portfolioID, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	httputil.WriteJSON(w, http.StatusOK, orders)
}

func (h *TradingHandler) CancelOrder(w http.ResponseWriter, r *http.Request, userID, orderID string) {
	order, err := h.eng.GetOrder(r.Context(), orderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if _, ok := h.ownedPortfolio(w, r, order.PortfolioID, userID); !ok {
		return
	}
	cancelled, err := h.eng.CancelOrder(r.Context(), orderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cancelled)
}

func (h *TradingHandler) OrderTrades(w http.ResponseWriter, r *http.Request, userID, orderID string) {
	order, err := h.eng.GetOrder(r.Context(), orderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if _, ok := h.ownedPortfolio(w, r, order.PortfolioID, userID); !ok {
		return
	}
	trades, err := h.eng.GetOrderTrades(r.Context(), orderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	httputil.WriteJSON(w, http.StatusOK, trades)
}

func (h *TradingHandler) Positions(w http.ResponseWriter, r *http.Request, userID, portfolioID string) {
	if _, ok := h.ownedPortfolio(w, r, portfolioID, userID); !ok {
		return
	}
	positions, err := h.eng.GetPositions(r.Context(), portfolioID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	httputil.WriteJSON(w, http.StatusOK, positions)
}

func (h *TradingHandler) GetPosition(w http.ResponseWriter, r *http.Request, userID, positionID string) {
	position, err := h.eng.GetPosition(r.Context(), positionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if _, ok := h.ownedPortfolio(w, r, position.PortfolioID, userID); !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, position)
}

type modifyPositionRequest struct {
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

func (h *TradingHandler) ModifyPosition(w http.ResponseWriter, r *http.Request, userID, positionID string) {
	position, err := h.eng.GetPosition(r.Context(), positionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if _, ok := h.ownedPortfolio(w, r, position.PortfolioID, userID); !ok {
		return
	}
	var req modifyPositionRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	modified, err := h.eng.ModifyPosition(r.Context(), positionID, req.StopLoss, req.TakeProfit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, modified)
}

type closePositionRequest struct {
	CurrentPrice float64 `json:"current_price"`
}

func (h *TradingHandler) ClosePosition(w http.ResponseWriter, r *http.Request, userID, positionID string) {
	position, err := h.eng.GetPosition(r.Context(), positionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if _, ok := h.ownedPortfolio(w, r, position.PortfolioID, userID); !ok {
		return
	}
	var req closePositionRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if req.CurrentPrice <= 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "current_price must be positive"})
		return
	}
	trade, err := h.eng.ClosePosition(r.Context(), positionID, req.CurrentPrice)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, trade)
}

func (h *TradingHandler) Trades(w http.ResponseWriter, r *http.Request, userID, portfolioID string) {
	if _, ok := h.ownedPortfolio(w, r, portfolioID, userID); !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	trades, err := h.eng.GetTrades(r.Context(), portfolioID, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	httputil.WriteJSON(w, http.StatusOK, trades)
}

type simulateMarketRequest struct {
	Symbol   string             `json:"symbol"`
	Side     types.OrderSide    `json:"side"`
	Quantity float64            `json:"quantity"`
	Bids     []marketdata.Level `json:"bids"`
	Asks     []marketdata.Level `json:"asks"`
}

func (h *TradingHandler) SimulateMarketOrder(w http.ResponseWriter, r *http.Request) {
	var req simulateMarketRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if req.Quantity <= 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "quantity must be positive"})
		return
	}
	book := marketdata.NewOrderBook(req.Symbol, req.Bids, req.Asks)
	httputil.WriteJSON(w, http.StatusOK, h.eng.SimulateMarketOrder(&book, req.Side, req.Quantity))
}

type simulateLimitRequest struct {
	Symbol     string             `json:"symbol"`
	Side       types.OrderSide    `json:"side"`
	Quantity   float64            `json:"quantity"`
	LimitPrice float64            `json:"limit_price"`
	Volume24h  *float64           `json:"volume_24h,omitempty"`
	Bids       []marketdata.Level `json:"bids"`
	Asks       []marketdata.Level `json:"asks"`
}

func (h *TradingHandler) SimulateLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req simulateLimitRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if req.Quantity <= 0 || req.LimitPrice <= 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "quantity and limit_price must be positive"})
		return
	}
	book := marketdata.NewOrderBook(req.Symbol, req.Bids, req.Asks)
	httputil.WriteJSON(w, http.StatusOK, h.eng.SimulateLimitOrder(&book, req.Side, req.Quantity, req.LimitPrice, req.Volume24h))
}

type tickRequest struct {
	Symbol string             `json:"symbol"`
	Price  float64            `json:"price"`
	Bids   []marketdata.Level `json:"bids,omitempty"`
	Asks   []marketdata.Level `json:"asks,omitempty"`
}

type tickResponse struct {
	TrailingUpdated int `json:"trailing_updated"`
	OrdersExpired   int `json:"orders_expired"`
	OrdersTriggered int `json:"orders_triggered"`
	PositionsClosed int `json:"positions_closed"`
}

// Tick feeds one price observation through the full trigger pipeline:
// trailing ratchets first so stops see the newest level, then GTD expiry,
// order triggers, and position liquidation/stop/take-profit checks.
func (h *TradingHandler) Tick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if req.Symbol == "" || req.Price <= 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "symbol and positive price required"})
		return
	}

	var book *marketdata.OrderBook
	if len(req.Bids) > 0 || len(req.Asks) > 0 {
		b := marketdata.NewOrderBook(req.Symbol, req.Bids, req.Asks)
		book = &b
	}

	ctx := r.Context()
	resp := tickResponse{
		TrailingUpdated: h.eng.UpdateTrailingStops(ctx, req.Symbol, req.Price),
		OrdersExpired:   h.eng.ExpireGTDOrders(ctx),
	}
	resp.OrdersTriggered = len(h.eng.CheckTriggeredOrders(ctx, req.Symbol, req.Price, book))
	resp.PositionsClosed = len(h.eng.CheckPositionTriggers(ctx, req.Symbol, req.Price))
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type syncRequest struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Operation  string    `json:"operation"`
	QueuedAt   time.Time `json:"queued_at"`
}

// Sync receives a peer's change notification and drops the entity from the
// local cache so the next read picks up the new state.
func (h *TradingHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	h.eng.Invalidate(req.EntityType, req.EntityID)
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
