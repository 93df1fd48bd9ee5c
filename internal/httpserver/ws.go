package httpserver

import (
	"net/http"
	"strings"

	"papertrade/internal/auth"
	"papertrade/internal/engine"
	"papertrade/internal/events"
	"papertrade/internal/model"

	"github.com/gorilla/websocket"
)

// WSHandler streams engine events to authenticated clients. Clients may pass
// a portfolio_id query param to receive only that portfolio's events.
type WSHandler struct {
	bus      *events.Bus
	authSvc  *auth.Service
	origin   string
	upgrader websocket.Upgrader
}

func NewWSHandler(bus *events.Bus, authSvc *auth.Service, origin string) *WSHandler {
	return &WSHandler{
		bus:     bus,
		authSvc: authSvc,
		origin:  origin,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	// Allow both localhost and 127.0.0.1 variants for development
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if _, err := h.authSvc.ParseToken(token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	portfolioID := r.URL.Query().Get("portfolio_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case evt := <-sub:
			if portfolioID != "" && !eventMatchesPortfolio(evt, portfolioID) {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// eventMatchesPortfolio filters by the portfolio carried in the event
// payload. Payload types without one pass through.
func eventMatchesPortfolio(evt events.Event, portfolioID string) bool {
	switch data := evt.Data.(type) {
	case model.Order:
		return data.PortfolioID == portfolioID
	case model.Position:
		return data.PortfolioID == portfolioID
	case model.Trade:
		return data.PortfolioID == portfolioID
	case model.Portfolio:
		return data.ID == portfolioID
	case engine.LiquidationAlert:
		return data.PortfolioID == portfolioID
	}
	return true
}
