package strategy

import (
	"bybit-session-trader/internal/service"
	"bybit-session-trader/pkg/ta"
)

// 趋势项权重，合计 1.0
const (
	wTrendAlignment = 0.20 // EMA 三线多头/空头排列
	wPriceVsSlow    = 0.15
	wPriceVsFast    = 0.15
	wEMAGap         = 0.15 // 快慢线间距超过阈值
	wEMACross       = 0.15 // 快线刚刚穿越中线
	wMACDBias       = 0.10 // MACD 在信号线同侧且柱状图同向
	wMACDCross      = 0.10 // MACD 刚刚穿越信号线
)

// 均值回归项权重，合计 1.0
const (
	wBBExtreme = 0.25 // 布林带位置进入极值区
	wBBBounce  = 0.35 // 两根 K 线的反转形态
	wRSIZone   = 0.20 // RSI 进入时段阈值区
	wBeyondBB  = 0.20 // 收盘越过布林带外轨
)

// 动量修正与量能融合
const (
	momentumScale   = 0.75  // 有足够历史时趋势分的缩放
	momentumBonus   = 0.125 // 两个动量项各占一半
	mrVolumeScale   = 0.8
	mrVolumeWeight  = 0.2
	volumeSurgeMult = 1.5
)

// Scorer 负责把指标状态和时段参数合成多/空置信度并做出交易决策
type Scorer struct {
	params         ta.Params
	trendThreshold float64 // EMA 间距阈值，如 0.002 即 0.2%
	threshold      float64 // 信号置信度阈值
}

// NewScorer 从策略配置初始化
func NewScorer(cfg *service.StrategyConfig) *Scorer {
	return &Scorer{
		params: ta.Params{
			EMAFast:        cfg.EMAFast,
			EMAMedium:      cfg.EMAMedium,
			EMASlow:        cfg.EMASlow,
			RSIPeriod:      cfg.RSIPeriod,
			BBPeriod:       cfg.BBPeriod,
			BBStd:          cfg.BBStd,
			MACDFast:       cfg.MACDFast,
			MACDSlow:       cfg.MACDSlow,
			MACDSignal:     cfg.MACDSignal,
			ATRPeriod:      cfg.ATRPeriod,
			VolumeMAPeriod: cfg.VolumeMAPeriod,
		},
		trendThreshold: cfg.TrendStrengthThreshold,
		threshold:      cfg.SignalThreshold,
	}
}

// Params 暴露指标周期供调用方构建 Frame
func (s *Scorer) Params() ta.Params { return s.params }

// Threshold 信号置信度阈值
func (s *Scorer) Threshold() float64 { return s.threshold }

// Score 在序列末端计算 (多头置信度, 空头置信度)，两者都落在 [0,1]。
// NaN 指标参与的布尔条件一律为假（贡献 0），与原始 pandas 语义一致。
func (s *Scorer) Score(f *ta.Frame, sp SessionParameters) (long, short float64) {
	n := f.Len()
	if n < 2 {
		return 0, 0
	}
	cur, prev := n-1, n-2

	// --- 多头趋势项 ---
	longTrend := b2f(f.EMAFast[cur] > f.EMAMedium[cur] && f.EMAMedium[cur] > f.EMASlow[cur])*wTrendAlignment +
		b2f(f.Close[cur] > f.EMASlow[cur])*wPriceVsSlow +
		b2f(f.Close[cur] > f.EMAFast[cur])*wPriceVsFast +
		b2f((f.EMAFast[cur]-f.EMASlow[cur])/f.EMASlow[cur] > s.trendThreshold)*wEMAGap +
		b2f(f.EMAFast[cur] > f.EMAMedium[cur] && f.EMAFast[prev] <= f.EMAMedium[prev])*wEMACross +
		b2f(f.MACD[cur] > f.MACDSignal[cur] && f.MACDDiff[cur] > 0)*wMACDBias +
		b2f(f.MACD[cur] > f.MACDSignal[cur] && f.MACD[prev] <= f.MACDSignal[prev])*wMACDCross

	// --- 空头趋势项，全部条件取反 ---
	shortTrend := b2f(f.EMAFast[cur] < f.EMAMedium[cur] && f.EMAMedium[cur] < f.EMASlow[cur])*wTrendAlignment +
		b2f(f.Close[cur] < f.EMASlow[cur])*wPriceVsSlow +
		b2f(f.Close[cur] < f.EMAFast[cur])*wPriceVsFast +
		b2f((f.EMASlow[cur]-f.EMAFast[cur])/f.EMASlow[cur] > s.trendThreshold)*wEMAGap +
		b2f(f.EMAFast[cur] < f.EMAMedium[cur] && f.EMAFast[prev] >= f.EMAMedium[prev])*wEMACross +
		b2f(f.MACD[cur] < f.MACDSignal[cur] && f.MACDDiff[cur] < 0)*wMACDBias +
		b2f(f.MACD[cur] < f.MACDSignal[cur] && f.MACD[prev] >= f.MACDSignal[prev])*wMACDCross

	// 动量确认：近 3 根收盘与近 2 根快线的走向
	if n >= 4 {
		longTrend = longTrend*momentumScale +
			b2f(f.Close[cur] > f.Close[n-4])*momentumBonus +
			b2f(f.EMAFast[cur] > f.EMAFast[n-3])*momentumBonus
		shortTrend = shortTrend*momentumScale +
			b2f(f.Close[cur] < f.Close[n-4])*momentumBonus +
			b2f(f.EMAFast[cur] < f.EMAFast[n-3])*momentumBonus
	}

	// --- 均值回归项 ---
	var longBounce, shortDrop float64
	if n >= 3 {
		longBounce = b2f(f.Close[cur] > f.Close[prev] && f.Close[prev] < f.Close[n-3])
		shortDrop = b2f(f.Close[cur] < f.Close[prev] && f.Close[prev] > f.Close[n-3])
	}

	longMR := b2f(f.BBPosition[cur] < 0.25)*wBBExtreme +
		longBounce*wBBBounce +
		b2f(f.RSI[cur] < sp.RSIOversold)*wRSIZone +
		b2f(f.Close[cur] < f.BBLower[cur])*wBeyondBB

	shortMR := b2f(f.BBPosition[cur] > 0.75)*wBBExtreme +
		shortDrop*wBBBounce +
		b2f(f.RSI[cur] > sp.RSIOverbought)*wRSIZone +
		b2f(f.Close[cur] > f.BBUpper[cur])*wBeyondBB

	// 量能确认
	surge := b2f(f.VolumeRatio[cur] > volumeSurgeMult)
	longMR = longMR*mrVolumeScale + surge*mrVolumeWeight
	shortMR = shortMR*mrVolumeScale + surge*mrVolumeWeight

	long = longTrend*sp.TrendBias + longMR*sp.MeanReversionBias
	short = shortTrend*sp.TrendBias + shortMR*sp.MeanReversionBias
	return long, short
}

// Decide 在序列末端做出 BUY/SELL/HOLD 决策。
// 数据不足或关键指标未定义按 HOLD 处理，不算错误。
// 多空同时过线时 BUY 优先——这是显式约定的决胜规则，不依赖求值顺序。
func (s *Scorer) Decide(f *ta.Frame, symbol string) Signal {
	n := f.Len()
	if n < s.params.MinCandles() {
		return Hold()
	}
	cur := n - 1
	if !ta.Defined(f.EMAFast[cur]) || !ta.Defined(f.EMASlow[cur]) || !ta.Defined(f.RSI[cur]) {
		return Hold()
	}

	session := ClassifySession(f.StartTime[cur])
	sp := SessionParams(session)
	long, short := s.Score(f, sp)

	volumeOK := f.VolumeRatio[cur] > sp.MinVolumeMult

	snapshot := IndicatorSnapshot{
		RSI:         f.RSI[cur],
		EMAFast:     f.EMAFast[cur],
		EMAMedium:   f.EMAMedium[cur],
		EMASlow:     f.EMASlow[cur],
		MACD:        f.MACD[cur],
		MACDSignal:  f.MACDSignal[cur],
		BBPosition:  f.BBPosition[cur],
		VolumeRatio: f.VolumeRatio[cur],
		ATRPct:      f.ATRPct[cur],
	}

	if long > s.threshold && volumeOK && f.RSI[cur] < sp.RSIOverbought {
		return Signal{
			Symbol:     symbol,
			Timestamp:  f.StartTime[cur],
			Action:     ActionBuy,
			EntryPrice: f.Close[cur],
			Strength:   long,
			Session:    session,
			Snapshot:   snapshot,
		}
	}

	if short > s.threshold && volumeOK && f.RSI[cur] > sp.RSIOversold {
		return Signal{
			Symbol:     symbol,
			Timestamp:  f.StartTime[cur],
			Action:     ActionSell,
			EntryPrice: f.Close[cur],
			Strength:   short,
			Session:    session,
			Snapshot:   snapshot,
		}
	}

	return Hold()
}

func b2f(cond bool) float64 {
	if cond {
		return 1
	}
	return 0
}
