package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPortfolioStopped is returned when a portfolio's drawdown stop is active
// and the order did not request a bypass.
var ErrPortfolioStopped = errors.New("portfolio is stopped due to drawdown")

// ErrNoPriceData is returned when execution is requested without a usable
// price or book.
var ErrNoPriceData = errors.New("no price data available")

type PortfolioNotFoundError struct {
	ID string
}

func (e *PortfolioNotFoundError) Error() string {
	return fmt.Sprintf("portfolio not found: %s", e.ID)
}

type OrderNotFoundError struct {
	ID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order not found: %s", e.ID)
}

type PositionNotFoundError struct {
	ID string
}

func (e *PositionNotFoundError) Error() string {
	return fmt.Sprintf("position not found: %s", e.ID)
}

type InsufficientFundsError struct {
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %s, have %s", e.Needed, e.Available)
}

type InsufficientMarginError struct {
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientMarginError) Error() string {
	return fmt.Sprintf("insufficient margin: need %s, have %s", e.Needed, e.Available)
}

type PositionLimitError struct {
	Max int
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("position limit exceeded: max %d positions", e.Max)
}

type LeverageError struct {
	Requested decimal.Decimal
	Max       decimal.Decimal
}

func (e *LeverageError) Error() string {
	return fmt.Sprintf("leverage exceeds maximum: %s > %s", e.Requested, e.Max)
}

type InvalidOrderError struct {
	Reason string
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("invalid order: %s", e.Reason)
}

type CannotCancelError struct {
	Status string
}

func (e *CannotCancelError) Error() string {
	return fmt.Sprintf("order cannot be cancelled: status is %s", e.Status)
}
