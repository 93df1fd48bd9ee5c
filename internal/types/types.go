package types

type OrderSide string

type OrderType string

type OrderStatus string

type TimeInForce string

type PositionSide string

type AssetClass string

type CostBasisMethod string

type BracketRole string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStopLoss     OrderType = "stop_loss"
	OrderTypeTakeProfit   OrderType = "take_profit"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

const (
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
	TimeInForceGTD TimeInForce = "gtd"
)

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

const (
	AssetClassCryptoSpot AssetClass = "crypto_spot"
	AssetClassCryptoPerp AssetClass = "crypto_perp"
	AssetClassStock      AssetClass = "stock"
	AssetClassETF        AssetClass = "etf"
	AssetClassForex      AssetClass = "forex"
	AssetClassOption     AssetClass = "option"
)

const (
	CostBasisFIFO    CostBasisMethod = "fifo"
	CostBasisLIFO    CostBasisMethod = "lifo"
	CostBasisAverage CostBasisMethod = "average"
)

const (
	BracketRoleEntry      BracketRole = "entry"
	BracketRoleStopLoss   BracketRole = "stop_loss"
	BracketRoleTakeProfit BracketRole = "take_profit"
)

// MaxLeverage is the hard per-asset-class leverage cap.
func (a AssetClass) MaxLeverage() float64 {
	switch a {
	case AssetClassStock, AssetClassETF:
		return 4.0
	case AssetClassOption:
		return 1.0
	default:
		return 100.0
	}
}

// MaintenanceMarginRate is the fraction of notional that must stay covered
// before a leveraged position is liquidated.
func (a AssetClass) MaintenanceMarginRate() float64 {
	switch a {
	case AssetClassStock, AssetClassETF:
		return 0.25
	case AssetClassOption:
		return 0.0
	default:
		return 0.005
	}
}

// InitialMarginRate is 1/max_leverage.
func (a AssetClass) InitialMarginRate() float64 {
	return 1.0 / a.MaxLeverage()
}

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

func (s PositionSide) Opposite() PositionSide {
	if s == PositionSideLong {
		return PositionSideShort
	}
	return PositionSideLong
}

func (s PositionSide) ClosingSide() OrderSide {
	if s == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}
