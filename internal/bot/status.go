package bot

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"bybit-session-trader/internal/strategy"
	"bybit-session-trader/pkg/ta"
)

// symbolStatus /status 扫描单个 symbol 的结果
type symbolStatus struct {
	symbol   string
	price    float64
	trend    string // BULLISH / BEARISH / MIXED
	rsi      float64
	volRatio float64
	strength float64 // max(多头, 空头)
	err      error
}

// StatusReport 对全部交易对做一次只读扫描，按置信度降序输出。
// 单个 symbol 出错不拖垮整张报表，错误行单独列出。
func (b *Bot) StatusReport(ctx context.Context) (string, error) {
	symbols := b.getUniverse()
	if len(symbols) == 0 {
		return "No symbols tracked yet.", nil
	}

	statuses := make([]symbolStatus, len(symbols))
	sem := make(chan struct{}, b.cfg.Trading.ScanWorkers)
	var wg sync.WaitGroup
	for i, symbol := range symbols {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			statuses[i] = b.symbolStatus(ctx, symbol)
		}(i, symbol)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var ok []symbolStatus
	var failed []symbolStatus
	for _, st := range statuses {
		if st.err != nil {
			failed = append(failed, st)
		} else {
			ok = append(ok, st)
		}
	}
	sort.SliceStable(ok, func(i, j int) bool { return ok[i].strength > ok[j].strength })

	var sb strings.Builder
	session := strategy.ClassifySession(time.Now())
	fmt.Fprintf(&sb, "📊 <b>Market Scan</b> | Session: %s | Positions: %d\n\n", session, b.ledger.Len())
	for _, st := range ok {
		fmt.Fprintf(&sb, "%s %.4f | %s | RSI %.1f | VOL %.2fx | %.2f\n",
			st.symbol, st.price, st.trend, st.rsi, st.volRatio, st.strength)
	}
	for _, st := range failed {
		fmt.Fprintf(&sb, "%s: error (%s)\n", st.symbol, truncate(st.err.Error(), 80))
	}
	return sb.String(), nil
}

func (b *Bot) symbolStatus(ctx context.Context, symbol string) symbolStatus {
	st := symbolStatus{symbol: symbol}
	candles, err := b.market.GetCandles(ctx, symbol, b.cfg.Trading.Interval, b.cfg.Trading.CandleLimit)
	if err != nil {
		st.err = err
		return st
	}
	f := ta.Compute(candles, b.scorer.Params())
	n := f.Len()
	if n == 0 {
		st.err = fmt.Errorf("no candle data")
		return st
	}
	cur := n - 1
	st.price = f.Close[cur]
	st.rsi = f.RSI[cur]
	st.volRatio = f.VolumeRatio[cur]
	st.trend = trendLabel(f, cur)

	session := strategy.ClassifySession(f.StartTime[cur])
	long, short := b.scorer.Score(f, strategy.SessionParams(session))
	st.strength = math.Max(long, short)
	return st
}

// DetailReport 单 symbol 指标明细与多空分解
func (b *Bot) DetailReport(ctx context.Context, symbol string) (string, error) {
	candles, err := b.market.GetCandles(ctx, symbol, b.cfg.Trading.Interval, b.cfg.Trading.CandleLimit)
	if err != nil {
		return "", fmt.Errorf("fetching candles for %s: %w", symbol, err)
	}
	f := ta.Compute(candles, b.scorer.Params())
	n := f.Len()
	if n == 0 {
		return "", fmt.Errorf("no candle data for %s", symbol)
	}
	cur := n - 1

	session := strategy.ClassifySession(f.StartTime[cur])
	sp := strategy.SessionParams(session)
	long, short := b.scorer.Score(f, sp)

	var sb strings.Builder
	fmt.Fprintf(&sb, "🔍 <b>%s</b> | Session: %s\n", symbol, session)
	fmt.Fprintf(&sb, "Price: %.4f | Trend: %s\n", f.Close[cur], trendLabel(f, cur))
	fmt.Fprintf(&sb, "EMA %d/%d/%d: %.4f / %.4f / %.4f\n",
		b.scorer.Params().EMAFast, b.scorer.Params().EMAMedium, b.scorer.Params().EMASlow,
		f.EMAFast[cur], f.EMAMedium[cur], f.EMASlow[cur])
	fmt.Fprintf(&sb, "RSI: %.1f (ob %.0f / os %.0f)\n", f.RSI[cur], sp.RSIOverbought, sp.RSIOversold)
	fmt.Fprintf(&sb, "MACD: %.6f | Signal: %.6f\n", f.MACD[cur], f.MACDSignal[cur])
	fmt.Fprintf(&sb, "BB Position: %.2f | ATR: %.2f%%\n", f.BBPosition[cur], f.ATRPct[cur]*100)
	fmt.Fprintf(&sb, "Volume: %.2fx (min %.2fx)\n", f.VolumeRatio[cur], sp.MinVolumeMult)
	fmt.Fprintf(&sb, "Long: %.2f | Short: %.2f | Threshold: %.2f\n", long, short, b.scorer.Threshold())

	if p, held := b.ledger.Get(symbol); held {
		fmt.Fprintf(&sb, "\nOpen position: %s @ %.4f | TP %.4f | SL %.4f",
			p.Side, p.EntryPrice, p.Levels.TPPrice, p.Levels.SLPrice)
	}
	return sb.String(), nil
}

// trendLabel 三线排列的粗粒度标签
func trendLabel(f *ta.Frame, i int) string {
	if !ta.Defined(f.EMAFast[i]) || !ta.Defined(f.EMAMedium[i]) || !ta.Defined(f.EMASlow[i]) {
		return "N/A"
	}
	switch {
	case f.EMAFast[i] > f.EMAMedium[i] && f.EMAMedium[i] > f.EMASlow[i]:
		return "BULLISH"
	case f.EMAFast[i] < f.EMAMedium[i] && f.EMAMedium[i] < f.EMASlow[i]:
		return "BEARISH"
	default:
		return "MIXED"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
