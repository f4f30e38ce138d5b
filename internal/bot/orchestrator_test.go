package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"bybit-session-trader/internal/execution"
	"bybit-session-trader/internal/model"
	"bybit-session-trader/internal/notify"
	"bybit-session-trader/internal/position"
	"bybit-session-trader/internal/service"
	"bybit-session-trader/internal/strategy"
)

// --- 测试替身 ---

type fakeMarket struct {
	mu       sync.Mutex
	candles  map[string][]model.Candle
	prices   map[string]float64
	trending []string
}

func (m *fakeMarket) GetCandles(_ context.Context, symbol, _ string, _ int) ([]model.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candles[symbol]
	if !ok {
		return nil, errors.New("no candle data")
	}
	return c, nil
}

func (m *fakeMarket) GetCurrentPrice(_ context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return p, nil
}

func (m *fakeMarket) GetTrendingSymbols(_ context.Context, limit int) ([]string, error) {
	if limit > len(m.trending) {
		limit = len(m.trending)
	}
	return m.trending[:limit], nil
}

type fakeTrading struct {
	mu          sync.Mutex
	fillPrice   float64
	balance     float64
	constraints model.InstrumentConstraints

	orders    []string // "BTCUSDT Buy 0.020"
	closed    []string
	tpslCalls map[string][2]float64
	positions map[string]model.PositionSnapshot
	leverage  map[string]int
}

func newFakeTrading() *fakeTrading {
	return &fakeTrading{
		fillPrice:   100,
		balance:     1000,
		constraints: model.InstrumentConstraints{MinQty: 0.001, QtyStep: 0.001, MinNotional: 5},
		tpslCalls:   make(map[string][2]float64),
		positions:   make(map[string]model.PositionSnapshot),
		leverage:    make(map[string]int),
	}
}

func (f *fakeTrading) PlaceOrder(_ context.Context, symbol string, side model.Side, _, qty string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, symbol+" "+string(side)+" "+qty)
	f.positions[symbol] = model.PositionSnapshot{
		Symbol: symbol, Side: side, Size: service.StringToFloat(qty), AvgPrice: f.fillPrice,
	}
	return "order-1", nil
}

func (f *fakeTrading) ClosePosition(_ context.Context, symbol string, _ model.Side) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, symbol)
	delete(f.positions, symbol)
	return nil
}

func (f *fakeTrading) GetOpenPositions(_ context.Context, symbol string) ([]model.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PositionSnapshot
	for _, p := range f.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeTrading) SetLeverage(_ context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage[symbol] = leverage
	return nil
}

func (f *fakeTrading) SetTPSL(_ context.Context, symbol string, tp, sl float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tpslCalls[symbol] = [2]float64{tp, sl}
	return nil
}

func (f *fakeTrading) GetWalletBalance(_ context.Context) (float64, error) {
	return f.balance, nil
}

func (f *fakeTrading) GetInstrumentConstraints(_ context.Context, _ string) (model.InstrumentConstraints, error) {
	return f.constraints, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	entries []strategy.Signal
	exits   []position.CloseEvent
	errs    []string
}

func (n *fakeNotifier) NotifyEntry(sig strategy.Signal, _ string, _ strategy.TPSLLevels) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, sig)
}

func (n *fakeNotifier) NotifyExit(ev position.CloseEvent, _ float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exits = append(n.exits, ev)
}

func (n *fakeNotifier) NotifyError(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, msg)
}

var _ notify.Notifier = (*fakeNotifier)(nil)

// --- 装配 ---

func testConfig() *service.Config {
	return &service.Config{
		Trading: service.TradingConfig{
			Leverage: 5, Interval: "15", MaxSymbols: 5, RiskPct: 0.20,
			CandleLimit: 200, ScanWorkers: 4, TPSLPolicy: "fixed",
			TakeProfitPct: 0.05, StopLossPct: 0.025,
			CycleDelaySec: 0, ErrorBackoffSec: 1,
		},
		Strategy: service.StrategyConfig{
			EMAFast: 8, EMAMedium: 21, EMASlow: 50,
			RSIPeriod: 14, BBPeriod: 20, BBStd: 2.0,
			MACDFast: 12, MACDSlow: 26, MACDSignal: 9,
			ATRPeriod: 14, VolumeMAPeriod: 20,
			TrendStrengthThreshold: 0.002, SignalThreshold: 0.70,
		},
	}
}

func newTestBot(market *fakeMarket, trading *fakeTrading, notifier *fakeNotifier) *Bot {
	cfg := testConfig()
	scorer := strategy.NewScorer(&cfg.Strategy)
	policy := &strategy.FixedPolicy{TPPct: 5.0, SLPct: 2.5}
	return New(cfg, market, trading, notifier, scorer, policy, nil, zap.NewNop())
}

func buySignal(symbol string) strategy.Signal {
	return strategy.Signal{
		Symbol:     symbol,
		Timestamp:  time.Now(),
		Action:     strategy.ActionBuy,
		EntryPrice: 100,
		Strength:   0.9,
		Session:    strategy.SessionUS,
	}
}

// --- 用例 ---

func TestExecuteOpensPosition(t *testing.T) {
	market := &fakeMarket{}
	trading := newFakeTrading()
	notifier := &fakeNotifier{}
	b := newTestBot(market, trading, notifier)

	if err := b.execute(context.Background(), buySignal("BTCUSDT")); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if len(trading.orders) != 1 {
		t.Fatalf("orders: got %v", trading.orders)
	}
	// 1000 × 0.20 × 5 / 100 = 10 张
	if trading.orders[0] != "BTCUSDT Buy 10.000" {
		t.Errorf("order: got %q", trading.orders[0])
	}

	p, held := b.ledger.Get("BTCUSDT")
	if !held {
		t.Fatal("ledger should hold the new position")
	}
	// 入场价以交易所回报的成交均价为准
	if p.EntryPrice != 100 || p.Side != model.SideBuy {
		t.Errorf("position: %+v", p)
	}
	if p.Levels.TPPrice != 105 || p.Levels.SLPrice != 97.5 {
		t.Errorf("levels: %+v", p.Levels)
	}

	if _, ok := trading.tpslCalls["BTCUSDT"]; !ok {
		t.Error("exchange TP/SL should be set")
	}
	if len(notifier.entries) != 1 {
		t.Errorf("entry notifications: got %d", len(notifier.entries))
	}
}

func TestExecuteSkipsWhenPositionOpen(t *testing.T) {
	market := &fakeMarket{}
	trading := newFakeTrading()
	notifier := &fakeNotifier{}
	b := newTestBot(market, trading, notifier)

	b.ledger.Open(position.Position{Symbol: "BTCUSDT", Side: model.SideBuy, EntryPrice: 90,
		Levels: strategy.TPSLLevels{TPPrice: 94.5, SLPrice: 87.75}})

	if err := b.execute(context.Background(), buySignal("BTCUSDT")); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(trading.orders) != 0 {
		t.Errorf("no order expected, got %v", trading.orders)
	}
}

func TestExecuteInsufficientBalance(t *testing.T) {
	market := &fakeMarket{}
	trading := newFakeTrading()
	trading.balance = 0.01
	notifier := &fakeNotifier{}
	b := newTestBot(market, trading, notifier)

	sig := buySignal("BTCUSDT")
	sig.EntryPrice = 50000
	err := b.execute(context.Background(), sig)
	if !errors.Is(err, execution.ErrInsufficientOrderValue) {
		t.Fatalf("got %v, want ErrInsufficientOrderValue", err)
	}
	if len(trading.orders) != 0 {
		t.Errorf("no order expected, got %v", trading.orders)
	}
}

func TestMonitorClosesOnTakeProfit(t *testing.T) {
	market := &fakeMarket{prices: map[string]float64{"BTCUSDT": 106}}
	trading := newFakeTrading()
	notifier := &fakeNotifier{}
	b := newTestBot(market, trading, notifier)

	b.ledger.Open(position.Position{
		Symbol: "BTCUSDT", Side: model.SideBuy, EntryPrice: 100, Size: 10,
		Levels: strategy.TPSLLevels{TPPrice: 105, SLPrice: 97.5},
	})
	trading.positions["BTCUSDT"] = model.PositionSnapshot{
		Symbol: "BTCUSDT", Side: model.SideBuy, Size: 10, AvgPrice: 100,
	}

	b.monitorAll(context.Background())

	if len(trading.closed) != 1 || trading.closed[0] != "BTCUSDT" {
		t.Errorf("closed: got %v", trading.closed)
	}
	if b.ledger.Len() != 0 {
		t.Error("ledger should be empty after close")
	}
	if len(notifier.exits) != 1 || notifier.exits[0].Reason != model.ReasonTakeProfit {
		t.Errorf("exit notifications: %+v", notifier.exits)
	}
}

func TestMonitorKeepsPositionInsideBand(t *testing.T) {
	market := &fakeMarket{prices: map[string]float64{"BTCUSDT": 101}}
	trading := newFakeTrading()
	notifier := &fakeNotifier{}
	b := newTestBot(market, trading, notifier)

	b.ledger.Open(position.Position{
		Symbol: "BTCUSDT", Side: model.SideBuy, EntryPrice: 100, Size: 10,
		Levels: strategy.TPSLLevels{TPPrice: 105, SLPrice: 97.5},
	})

	b.monitorAll(context.Background())

	if len(trading.closed) != 0 {
		t.Errorf("nothing should close: %v", trading.closed)
	}
	if b.ledger.Len() != 1 {
		t.Error("position should remain")
	}
}

func TestMonitorPriceErrorIsolated(t *testing.T) {
	// 一个 symbol 查价失败不影响另一个正常平仓
	market := &fakeMarket{prices: map[string]float64{"ETHUSDT": 210}}
	trading := newFakeTrading()
	notifier := &fakeNotifier{}
	b := newTestBot(market, trading, notifier)

	b.ledger.Open(position.Position{Symbol: "BTCUSDT", Side: model.SideBuy, EntryPrice: 100, Size: 1,
		Levels: strategy.TPSLLevels{TPPrice: 105, SLPrice: 97.5}})
	b.ledger.Open(position.Position{Symbol: "ETHUSDT", Side: model.SideBuy, EntryPrice: 200, Size: 1,
		Levels: strategy.TPSLLevels{TPPrice: 210, SLPrice: 195}})

	b.monitorAll(context.Background())

	if len(trading.closed) != 1 || trading.closed[0] != "ETHUSDT" {
		t.Errorf("closed: got %v", trading.closed)
	}
	if _, held := b.ledger.Get("BTCUSDT"); !held {
		t.Error("BTCUSDT should survive the price error")
	}
}

func TestStartupReconcilesExistingPositions(t *testing.T) {
	market := &fakeMarket{trending: []string{"BTCUSDT", "ETHUSDT"}}
	trading := newFakeTrading()
	trading.positions["ETHUSDT"] = model.PositionSnapshot{
		Symbol: "ETHUSDT", Side: model.SideSell, Size: 2, AvgPrice: 200,
	}
	notifier := &fakeNotifier{}
	b := newTestBot(market, trading, notifier)

	if err := b.startup(context.Background()); err != nil {
		t.Fatalf("startup failed: %v", err)
	}

	if trading.leverage["BTCUSDT"] != 5 || trading.leverage["ETHUSDT"] != 5 {
		t.Errorf("leverage: %v", trading.leverage)
	}
	p, held := b.ledger.Get("ETHUSDT")
	if !held {
		t.Fatal("existing position should be adopted")
	}
	if p.Side != model.SideSell || p.EntryPrice != 200 {
		t.Errorf("adopted position: %+v", p)
	}
	// Sell 仓位的价位必须倒过来
	if !(p.Levels.TPPrice < 200 && 200 < p.Levels.SLPrice) {
		t.Errorf("sell levels out of order: %+v", p.Levels)
	}
}

func TestScanAllSurvivesSymbolErrors(t *testing.T) {
	// 没有 K 线数据的 symbol 只记日志，不产生信号也不报错
	market := &fakeMarket{candles: map[string][]model.Candle{}}
	trading := newFakeTrading()
	notifier := &fakeNotifier{}
	b := newTestBot(market, trading, notifier)
	b.setUniverse([]string{"BTCUSDT", "ETHUSDT"})

	signals, err := b.scanAll(context.Background())
	if err != nil {
		t.Fatalf("scanAll failed: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("signals: got %v", signals)
	}
}
