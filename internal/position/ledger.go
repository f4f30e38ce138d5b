// Package position 维护 symbol -> 持仓 的内存账本。
// 账本是扫描/监控 worker 之间唯一共享的可变状态，全部操作经由同一把锁；
// 锁内只做 map 读写，任何交易所调用都发生在锁外。
package position

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"bybit-session-trader/internal/model"
	"bybit-session-trader/internal/strategy"
)

// Position 一个已开仓位，创建时附带止盈止损价位
type Position struct {
	Symbol     string
	Side       model.Side
	EntryPrice float64
	Size       float64
	Snapshot   model.PositionSnapshot // 交易所原始快照
	Levels     strategy.TPSLLevels
}

// CloseEvent 由 CheckAndClose 返回的平仓决定
type CloseEvent struct {
	Position Position
	Reason   model.CloseReason
	Price    float64 // 触发时的市场价
}

// Ledger 每个 symbol 同一时刻至多一个持仓，状态机 Absent -> Open -> Absent
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*Position
	logger    *zap.Logger
}

// NewLedger 初始化空账本
func NewLedger(logger *zap.Logger) *Ledger {
	return &Ledger{
		positions: make(map[string]*Position),
		logger:    logger,
	}
}

// Open 登记新持仓。symbol 已有持仓时拒绝（记日志，原有条目不动），返回 false。
func (l *Ledger) Open(p Position) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.positions[p.Symbol]; exists {
		l.logger.Warn("Rejected duplicate position open",
			zap.String("symbol", p.Symbol), zap.String("side", string(p.Side)))
		return false
	}
	cp := p
	l.positions[p.Symbol] = &cp
	return true
}

// RecordExisting 启动对账时把交易所已有持仓并入账本，价位由当前策略重新计算
func (l *Ledger) RecordExisting(snap model.PositionSnapshot, levels strategy.TPSLLevels) bool {
	return l.Open(Position{
		Symbol:     snap.Symbol,
		Side:       snap.Side,
		EntryPrice: snap.AvgPrice,
		Size:       snap.Size,
		Snapshot:   snap,
		Levels:     levels,
	})
}

// CheckAndClose 对照现价判断是否触发止盈/止损。
// Buy 在 price >= tp 或 price <= sl 时触发，Sell 相反；触发即从账本移除并返回
// 平仓事件，未触发返回 nil。只做决定，不碰交易所——执行由调用方负责。
func (l *Ledger) CheckAndClose(symbol string, price float64) *CloseEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok {
		return nil
	}

	var reason model.CloseReason
	if p.Side == model.SideBuy {
		switch {
		case price >= p.Levels.TPPrice:
			reason = model.ReasonTakeProfit
		case price <= p.Levels.SLPrice:
			reason = model.ReasonStopLoss
		default:
			return nil
		}
	} else {
		switch {
		case price <= p.Levels.TPPrice:
			reason = model.ReasonTakeProfit
		case price >= p.Levels.SLPrice:
			reason = model.ReasonStopLoss
		default:
			return nil
		}
	}

	delete(l.positions, symbol)
	return &CloseEvent{Position: *p, Reason: reason, Price: price}
}

// Remove 幂等删除，用于交易所侧确认平仓之后的清理
func (l *Ledger) Remove(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, symbol)
}

// Get 返回单个持仓的只读副本
func (l *Ledger) Get(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Symbols 当前持仓 symbol 的有序快照
func (l *Ledger) Symbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.positions))
	for s := range l.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Len 持仓数量
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}
