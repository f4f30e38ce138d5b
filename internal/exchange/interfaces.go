// Package exchange 封装 Bybit v5 REST/WebSocket 访问。
// 核心逻辑只依赖这里的两个接口，实盘/模拟盘的差异被收敛在 Client 内部。
package exchange

import (
	"context"

	"bybit-session-trader/internal/model"
)

// MarketData 行情侧只读接口，公共域名，不需要签名
type MarketData interface {
	// GetCandles 返回按时间升序排列的已完结 K 线
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)
	// GetCurrentPrice 最新成交价，优先走 WebSocket 缓存
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	// GetTrendingSymbols 按 24h 成交额降序返回 USDT 永续 symbol
	GetTrendingSymbols(ctx context.Context, limit int) ([]string, error)
}

// Trading 交易侧接口，带签名，demo/实盘按配置切换域名
type Trading interface {
	// PlaceOrder 市价/限价下单，返回交易所订单号
	PlaceOrder(ctx context.Context, symbol string, side model.Side, orderType, qty string) (string, error)
	// ClosePosition 按 reduce-only 市价单平掉指定方向的持仓
	ClosePosition(ctx context.Context, symbol string, side model.Side) error
	// GetOpenPositions symbol 为空时返回全部，过滤掉 size 为 0 的条目
	GetOpenPositions(ctx context.Context, symbol string) ([]model.PositionSnapshot, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// SetTPSL 在交易所侧挂条件止盈止损，作为本地监控的兜底
	SetTPSL(ctx context.Context, symbol string, tp, sl float64) error
	GetWalletBalance(ctx context.Context) (float64, error)
	GetInstrumentConstraints(ctx context.Context, symbol string) (model.InstrumentConstraints, error)
}
