// Package bot 把行情、策略、账本、执行和通知装配成完整的交易循环。
package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"bybit-session-trader/internal/exchange"
	"bybit-session-trader/internal/execution"
	"bybit-session-trader/internal/model"
	"bybit-session-trader/internal/notify"
	"bybit-session-trader/internal/position"
	"bybit-session-trader/internal/service"
	"bybit-session-trader/internal/strategy"
	"bybit-session-trader/pkg/ta"
)

// 下单后等交易所回报持仓的间隔
const fillSettleDelay = time.Second

// Bot 顶层编排器。一轮 = 监控持仓 -> 扫描信号 -> 顺序执行。
type Bot struct {
	cfg      *service.Config
	market   exchange.MarketData
	trading  exchange.Trading
	notifier notify.Notifier
	scorer   *strategy.Scorer
	policy   strategy.TPSLPolicy
	ledger   *position.Ledger
	stream   *exchange.PriceStream // 可为 nil (测试环境)
	logger   *zap.Logger

	universeMu sync.RWMutex
	universe   []string
}

// New 装配 Bot，依赖全部从外部注入
func New(cfg *service.Config, market exchange.MarketData, trading exchange.Trading,
	notifier notify.Notifier, scorer *strategy.Scorer, policy strategy.TPSLPolicy,
	stream *exchange.PriceStream, logger *zap.Logger) *Bot {
	return &Bot{
		cfg:      cfg,
		market:   market,
		trading:  trading,
		notifier: notifier,
		scorer:   scorer,
		policy:   policy,
		ledger:   position.NewLedger(logger),
		stream:   stream,
		logger:   logger,
	}
}

// Run 阻塞运行主循环直到 ctx 取消。
// 循环级错误通知一次并指数退避，成功一轮后退避归零。
func (b *Bot) Run(ctx context.Context) error {
	if err := b.startup(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	bo := &backoff.Backoff{
		Min:    time.Duration(b.cfg.Trading.ErrorBackoffSec) * time.Second,
		Max:    5 * time.Minute,
		Factor: 2,
	}
	cycleDelay := time.Duration(b.cfg.Trading.CycleDelaySec) * time.Second

	for cycle := 1; ; cycle++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := b.runCycle(ctx, cycle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.Duration()
			b.logger.Error("Trading cycle failed",
				zap.Int("cycle", cycle), zap.Error(err), zap.Duration("backoff", wait))
			b.notifier.NotifyError(fmt.Sprintf("cycle %d failed: %v", cycle, err))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()

		if !sleepCtx(ctx, cycleDelay) {
			return ctx.Err()
		}
	}
}

// startup 取交易对列表、设杠杆、对账交易所已有持仓
func (b *Bot) startup(ctx context.Context) error {
	symbols, err := b.market.GetTrendingSymbols(ctx, b.cfg.Trading.MaxSymbols)
	if err != nil {
		return fmt.Errorf("fetching trending symbols: %w", err)
	}
	if len(symbols) == 0 {
		return errors.New("empty symbol universe")
	}
	b.setUniverse(symbols)
	if b.stream != nil {
		b.stream.Subscribe(symbols)
	}
	b.logger.Info("Symbol universe loaded", zap.Int("count", len(symbols)), zap.Strings("symbols", symbols))

	for _, s := range symbols {
		if err := b.trading.SetLeverage(ctx, s, b.cfg.Trading.Leverage); err != nil {
			// 单个 symbol 设杠杆失败不阻塞启动，下单时会再暴露
			b.logger.Warn("Failed to set leverage", zap.String("symbol", s), zap.Error(err))
		}
	}

	return b.reconcile(ctx)
}

// reconcile 把交易所侧的存量持仓并入账本，用当前策略重算止盈止损
func (b *Bot) reconcile(ctx context.Context) error {
	positions, err := b.trading.GetOpenPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("listing open positions: %w", err)
	}

	for _, snap := range positions {
		session := strategy.ClassifySession(time.Now())
		levels := b.policy.Levels(snap.AvgPrice, snap.Side, math.NaN(), session)
		if !b.ledger.RecordExisting(snap, levels) {
			continue
		}
		if err := b.trading.SetTPSL(ctx, snap.Symbol, levels.TPPrice, levels.SLPrice); err != nil {
			b.logger.Warn("Failed to set exchange TP/SL for existing position",
				zap.String("symbol", snap.Symbol), zap.Error(err))
		}
		b.logger.Info("Adopted existing position",
			zap.String("symbol", snap.Symbol), zap.String("side", string(snap.Side)),
			zap.Float64("entry", snap.AvgPrice), zap.Float64("size", snap.Size),
			zap.Float64("tp", levels.TPPrice), zap.Float64("sl", levels.SLPrice))
	}

	if b.ledger.Len() > 0 {
		b.logger.Info("Reconciliation complete", zap.Int("positions", b.ledger.Len()))
	}
	return nil
}

// runCycle 一轮完整流程
func (b *Bot) runCycle(ctx context.Context, cycle int) error {
	if n := b.cfg.Trading.RefreshCycles; n > 0 && cycle%n == 0 {
		if err := b.refreshUniverse(ctx); err != nil {
			b.logger.Warn("Universe refresh failed, keeping previous list", zap.Error(err))
		}
	}

	b.monitorAll(ctx)

	signals, err := b.scanAll(ctx)
	if err != nil {
		return err
	}

	for _, sig := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := b.execute(ctx, sig); err != nil {
			if errors.Is(err, execution.ErrInsufficientOrderValue) {
				b.logger.Warn("Skipping signal, insufficient order value", zap.String("symbol", sig.Symbol))
				b.notifier.NotifyError(fmt.Sprintf("skipped %s %s: balance below exchange minimum",
					sig.Action, sig.Symbol))
				continue
			}
			return fmt.Errorf("executing %s %s: %w", sig.Action, sig.Symbol, err)
		}
	}
	return nil
}

// refreshUniverse 热门列表换血，新增 symbol 补杠杆和 WS 订阅
func (b *Bot) refreshUniverse(ctx context.Context) error {
	symbols, err := b.market.GetTrendingSymbols(ctx, b.cfg.Trading.MaxSymbols)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return errors.New("empty symbol universe")
	}

	prev := make(map[string]struct{})
	for _, s := range b.getUniverse() {
		prev[s] = struct{}{}
	}
	var added []string
	for _, s := range symbols {
		if _, ok := prev[s]; !ok {
			added = append(added, s)
		}
	}

	b.setUniverse(symbols)
	for _, s := range added {
		if err := b.trading.SetLeverage(ctx, s, b.cfg.Trading.Leverage); err != nil {
			b.logger.Warn("Failed to set leverage", zap.String("symbol", s), zap.Error(err))
		}
	}
	if b.stream != nil && len(added) > 0 {
		b.stream.Subscribe(added)
	}
	b.logger.Info("Symbol universe refreshed", zap.Int("count", len(symbols)), zap.Int("added", len(added)))
	return nil
}

// monitorAll 每个持仓一个 goroutine 查价并判断止盈止损。
// 单个 symbol 出错只记日志，不影响其他持仓，也不让整轮失败。
func (b *Bot) monitorAll(ctx context.Context) {
	symbols := b.ledger.Symbols()
	if len(symbols) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			price, err := b.market.GetCurrentPrice(ctx, symbol)
			if err != nil {
				b.logger.Warn("Failed to fetch price for monitoring",
					zap.String("symbol", symbol), zap.Error(err))
				return
			}
			ev := b.ledger.CheckAndClose(symbol, price)
			if ev == nil {
				return
			}
			b.closePosition(ctx, ev)
		}(symbol)
	}
	wg.Wait()
}

// closePosition 账本已出队，这里负责交易所平仓和通知
func (b *Bot) closePosition(ctx context.Context, ev *position.CloseEvent) {
	p := ev.Position
	if err := b.trading.ClosePosition(ctx, p.Symbol, p.Side); err != nil {
		b.logger.Error("Failed to close position on exchange",
			zap.String("symbol", p.Symbol), zap.Error(err))
		b.notifier.NotifyError(fmt.Sprintf("close %s failed: %v", p.Symbol, err))
		// 交易所侧还挂着 TP/SL 兜底，本地不回滚
	}
	b.ledger.Remove(p.Symbol)

	pnl := (ev.Price - p.EntryPrice) * p.Size
	if p.Side == model.SideSell {
		pnl = -pnl
	}
	b.logger.Info("Position closed",
		zap.String("symbol", p.Symbol), zap.String("side", string(p.Side)),
		zap.String("reason", string(ev.Reason)),
		zap.Float64("entry", p.EntryPrice), zap.Float64("exit", ev.Price),
		zap.Float64("pnl", pnl))
	b.notifier.NotifyExit(*ev, pnl)
}

// scanAll 并行扫描全部交易对，受 ScanWorkers 信号量限流。
// 单 symbol 失败只记日志；返回的信号列表顺序跟 universe 一致。
func (b *Bot) scanAll(ctx context.Context) ([]strategy.Signal, error) {
	symbols := b.getUniverse()
	results := make([]strategy.Signal, len(symbols))

	sem := make(chan struct{}, b.cfg.Trading.ScanWorkers)
	var wg sync.WaitGroup
	for i, symbol := range symbols {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			sig, err := b.scanSymbol(ctx, symbol)
			if err != nil {
				b.logger.Warn("Scan failed", zap.String("symbol", symbol), zap.Error(err))
				return
			}
			results[i] = sig
		}(i, symbol)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var signals []strategy.Signal
	for _, sig := range results {
		if sig.Action == strategy.ActionBuy || sig.Action == strategy.ActionSell {
			signals = append(signals, sig)
			b.logger.Info("Signal generated", zap.String("signal", sig.String()))
		}
	}
	return signals, nil
}

// scanSymbol 拉 K 线、算指标、做决策
func (b *Bot) scanSymbol(ctx context.Context, symbol string) (strategy.Signal, error) {
	candles, err := b.market.GetCandles(ctx, symbol, b.cfg.Trading.Interval, b.cfg.Trading.CandleLimit)
	if err != nil {
		return strategy.Hold(), err
	}
	frame := ta.Compute(candles, b.scorer.Params())
	return b.scorer.Decide(frame, symbol), nil
}

// execute 把信号变成订单。同 symbol 已有持仓直接跳过。
func (b *Bot) execute(ctx context.Context, sig strategy.Signal) error {
	if _, held := b.ledger.Get(sig.Symbol); held {
		b.logger.Debug("Skipping signal, position already open", zap.String("symbol", sig.Symbol))
		return nil
	}

	constraints, err := b.trading.GetInstrumentConstraints(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("fetching instrument constraints: %w", err)
	}
	balance, err := b.trading.GetWalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetching wallet balance: %w", err)
	}

	qty, notional, err := execution.Size(balance, b.cfg.Trading.RiskPct,
		b.cfg.Trading.Leverage, sig.EntryPrice, constraints)
	if err != nil {
		return err
	}

	side := model.SideBuy
	if sig.Action == strategy.ActionSell {
		side = model.SideSell
	}

	orderID, err := b.trading.PlaceOrder(ctx, sig.Symbol, side, "Market", qty)
	if err != nil {
		return fmt.Errorf("placing order: %w", err)
	}
	b.logger.Info("Order submitted",
		zap.String("symbol", sig.Symbol), zap.String("side", string(side)),
		zap.String("qty", qty), zap.Float64("notional", notional),
		zap.String("orderId", orderID))

	// 市价单基本即时成交，稍等后用交易所回报的均价登记
	sleepCtx(ctx, fillSettleDelay)

	entry := sig.EntryPrice
	size := service.StringToFloat(qty)
	snapshot := model.PositionSnapshot{Symbol: sig.Symbol, Side: side, Size: size, AvgPrice: entry}
	if snaps, err := b.trading.GetOpenPositions(ctx, sig.Symbol); err == nil {
		for _, s := range snaps {
			if s.Side == side {
				snapshot = s
				entry = s.AvgPrice
				break
			}
		}
	} else {
		b.logger.Warn("Failed to confirm fill, using signal price",
			zap.String("symbol", sig.Symbol), zap.Error(err))
	}

	levels := b.policy.Levels(entry, side, sig.Snapshot.ATRPct, sig.Session)
	if err := b.trading.SetTPSL(ctx, sig.Symbol, levels.TPPrice, levels.SLPrice); err != nil {
		// 本地监控照样能平仓，交易所侧价位只是兜底
		b.logger.Warn("Failed to set exchange TP/SL", zap.String("symbol", sig.Symbol), zap.Error(err))
	}

	b.ledger.Open(position.Position{
		Symbol:     sig.Symbol,
		Side:       side,
		EntryPrice: entry,
		Size:       snapshot.Size,
		Snapshot:   snapshot,
		Levels:     levels,
	})
	b.notifier.NotifyEntry(sig, qty, levels)
	b.logger.Info("Position opened",
		zap.String("symbol", sig.Symbol), zap.String("side", string(side)),
		zap.Float64("entry", entry), zap.Float64("size", snapshot.Size),
		zap.Float64("tp", levels.TPPrice), zap.Float64("sl", levels.SLPrice))
	return nil
}

func (b *Bot) setUniverse(symbols []string) {
	b.universeMu.Lock()
	b.universe = symbols
	b.universeMu.Unlock()
}

func (b *Bot) getUniverse() []string {
	b.universeMu.RLock()
	defer b.universeMu.RUnlock()
	out := make([]string, len(b.universe))
	copy(out, b.universe)
	return out
}

// sleepCtx 可中断睡眠，ctx 取消返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
