// Package events fans trading events out to subscribers. Publishing never
// blocks; slow subscribers drop events.
package events

import (
	"sync"
)

const (
	TypeOrderCreated   = "order_created"
	TypeOrderFilled    = "order_filled"
	TypeOrderCancelled = "order_cancelled"
	TypeOrderExpired   = "order_expired"
	TypeOrderRejected  = "order_rejected"

	TypePositionOpened     = "position_opened"
	TypePositionIncreased  = "position_increased"
	TypePositionDecreased  = "position_decreased"
	TypePositionClosed     = "position_closed"
	TypePositionLiquidated = "position_liquidated"
	TypePositionStopLoss   = "position_stop_loss_triggered"
	TypePositionTakeProfit = "position_take_profit_triggered"
	TypePositionModified   = "position_modified"

	TypePortfolioBalanceChanged  = "portfolio_balance_changed"
	TypePortfolioSettingsChanged = "portfolio_settings_changed"
	TypePortfolioReset           = "portfolio_reset"

	TypeTradeExecuted    = "trade_executed"
	TypeMarginWarning    = "margin_warning"
	TypeLiquidationAlert = "liquidation_alert"
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 100)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}
