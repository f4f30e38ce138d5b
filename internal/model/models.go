package model

import "time"

// Side 表示订单/持仓方向，取值与 Bybit API 一致
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite 返回平仓时所需的反向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Candle 代表一根已完成的 K 线 (OHLCV)，时间为 UTC
type Candle struct {
	StartTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// PositionSnapshot 是交易所返回的原始持仓快照
type PositionSnapshot struct {
	Symbol        string
	Side          Side
	Size          float64 // 仓位数量 (币本位)
	AvgPrice      float64 // 平均开仓价格
	UnrealisedPnL float64
}

// InstrumentConstraints 交易所对单个合约的下单限制
type InstrumentConstraints struct {
	MinQty      float64 // 最小下单数量
	QtyStep     float64 // 数量步长
	MinNotional float64 // 最小下单价值 (USDT)
}

// CloseReason 平仓触发原因
type CloseReason string

const (
	ReasonTakeProfit CloseReason = "TakeProfit"
	ReasonStopLoss   CloseReason = "StopLoss"
)
