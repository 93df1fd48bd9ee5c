package httpserver

import (
	"net/http"

	"papertrade/internal/auth"
	"papertrade/internal/health"
	"papertrade/internal/httputil"

	"github.com/go-chi/chi/v5"
)

type RouterDeps struct {
	AuthHandler    *auth.Handler
	TradingHandler *TradingHandler
	HealthHandler  *health.Handler
	AuthService    *auth.Service
	InternalToken  string
	WSHandler      http.Handler
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(RateLimitMiddleware)

	r.Get("/health", d.HealthHandler.Get)
	r.Get("/health/live", d.HealthHandler.Live)
	r.Get("/health/ready", d.HealthHandler.Ready)
	r.Get("/health/full", d.HealthHandler.Full)
	r.Get("/health/metrics", d.HealthHandler.Metrics)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", d.AuthHandler.Register)
			r.Post("/login", d.AuthHandler.Login)
		})
		r.Get("/ws", d.WSHandler.ServeHTTP)
		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Get("/me", authed(d.AuthHandler.Me))

			r.Post("/portfolios", authed(d.TradingHandler.CreatePortfolio))
			r.Get("/portfolios", authed(d.TradingHandler.ListPortfolios))
			r.Get("/portfolios/{id}", authedID(d.TradingHandler.GetPortfolio))
			r.Delete("/portfolios/{id}", authedID(d.TradingHandler.DeletePortfolio))
			r.Get("/portfolios/{id}/summary", authedID(d.TradingHandler.GetPortfolioSummary))
			r.Post("/portfolios/{id}/settings", authedID(d.TradingHandler.UpdatePortfolioSettings))
			r.Post("/portfolios/{id}/reset", authedID(d.TradingHandler.ResetPortfolio))
			r.Get("/portfolios/{id}/orders", authedID(d.TradingHandler.OpenOrders))
			r.Get("/portfolios/{id}/orders/history", authedID(d.TradingHandler.OrderHistory))
			r.Get("/portfolios/{id}/positions", authedID(d.TradingHandler.Positions))
			r.Get("/portfolios/{id}/trades", authedID(d.TradingHandler.Trades))

			r.Post("/orders", authed(d.TradingHandler.PlaceOrder))
			r.Post("/orders/bracket", authed(d.TradingHandler.PlaceBracketOrder))
			r.Post("/orders/oco", authed(d.TradingHandler.PlaceOCOOrder))
			r.Delete("/orders/{id}", authedID(d.TradingHandler.CancelOrder))
			r.Get("/orders/{id}/trades", authedID(d.TradingHandler.OrderTrades))

			r.Get("/positions/{id}", authedID(d.TradingHandler.GetPosition))
			r.Post("/positions/{id}/modify", authedID(d.TradingHandler.ModifyPosition))
			r.Post("/positions/{id}/close", authedID(d.TradingHandler.ClosePosition))

			r.Post("/simulate/market", d.TradingHandler.SimulateMarketOrder)
			r.Post("/simulate/limit", d.TradingHandler.SimulateLimitOrder)
		})
		r.Group(func(r chi.Router) {
			r.Use(InternalAuth(d.InternalToken))
			r.Post("/internal/ticks", d.TradingHandler.Tick)
			r.Post("/internal/sync", d.TradingHandler.Sync)
		})
	})
	return r
}

func authed(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		next(w, r, userID)
	}
}

func authedID(next func(http.ResponseWriter, *http.Request, string, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		next(w, r, userID, chi.URLParam(r, "id"))
	}
}
