package ta

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"bybit-session-trader/internal/model"
)

// Params 定义了全部指标的回看周期
type Params struct {
	EMAFast        int
	EMAMedium      int
	EMASlow        int
	RSIPeriod      int
	BBPeriod       int
	BBStd          float64
	MACDFast       int
	MACDSlow       int
	MACDSignal     int
	ATRPeriod      int
	VolumeMAPeriod int
}

// DefaultParams 与回测一致的默认周期
func DefaultParams() Params {
	return Params{
		EMAFast:        8,
		EMAMedium:      21,
		EMASlow:        50,
		RSIPeriod:      14,
		BBPeriod:       20,
		BBStd:          2.0,
		MACDFast:       12,
		MACDSlow:       26,
		MACDSignal:     9,
		ATRPeriod:      14,
		VolumeMAPeriod: 20,
	}
}

// MinCandles 返回产生有效信号所需的最小 K 线数量
func (p Params) MinCandles() int {
	n := p.EMASlow
	if p.BBPeriod > n {
		n = p.BBPeriod
	}
	if p.VolumeMAPeriod > n {
		n = p.VolumeMAPeriod
	}
	return n
}

// Frame 是 K 线序列加上逐根计算的指标列。
// 回看窗口未满的前缀位置是 NaN（显式"未定义"标记），绝不是静默的 0；
// 下标 i 处的值只依赖 i 及之前的 K 线。
type Frame struct {
	StartTime []time.Time
	Open      []float64
	High      []float64
	Low       []float64
	Close     []float64
	Volume    []float64

	EMAFast   []float64
	EMAMedium []float64
	EMASlow   []float64

	RSI []float64

	BBUpper    []float64
	BBMiddle   []float64
	BBLower    []float64
	BBWidth    []float64
	BBPosition []float64 // (close-lower)/(upper-lower)

	MACD       []float64
	MACDSignal []float64
	MACDDiff   []float64

	ATR    []float64
	ATRPct []float64 // ATR / close

	VolumeMA    []float64
	VolumeRatio []float64 // volume / volumeMA
}

// Len 返回序列长度
func (f *Frame) Len() int { return len(f.Close) }

// Defined 判断一个指标值是否已脱离回看热身区
func Defined(v float64) bool { return !math.IsNaN(v) }

// Compute 对一段按时间升序排列的 K 线计算全部指标。
// 任何长度的输入都返回等长 Frame，长度是否够用由调用方检查。
// 纯计算，无副作用，可在多个 goroutine 上对各自的输入并发调用。
func Compute(candles []model.Candle, p Params) *Frame {
	n := len(candles)
	f := &Frame{
		StartTime: make([]time.Time, n),
		Open:      make([]float64, n),
		High:      make([]float64, n),
		Low:       make([]float64, n),
		Close:     make([]float64, n),
		Volume:    make([]float64, n),
	}
	for i, c := range candles {
		f.StartTime[i] = c.StartTime
		f.Open[i] = c.Open
		f.High[i] = c.High
		f.Low[i] = c.Low
		f.Close[i] = c.Close
		f.Volume[i] = c.Volume
	}

	f.EMAFast = emaSeries(f.Close, p.EMAFast)
	f.EMAMedium = emaSeries(f.Close, p.EMAMedium)
	f.EMASlow = emaSeries(f.Close, p.EMASlow)

	f.RSI = maskWarmup(safeCall(n, p.RSIPeriod, func() []float64 {
		return talib.Rsi(f.Close, p.RSIPeriod)
	}), p.RSIPeriod)

	f.BBUpper, f.BBMiddle, f.BBLower = bbandsSeries(f.Close, p.BBPeriod, p.BBStd)
	f.BBWidth = make([]float64, n)
	f.BBPosition = make([]float64, n)
	for i := 0; i < n; i++ {
		up, mid, lo := f.BBUpper[i], f.BBMiddle[i], f.BBLower[i]
		if !Defined(up) || !Defined(lo) || !Defined(mid) || mid == 0 || up == lo {
			f.BBWidth[i] = math.NaN()
			f.BBPosition[i] = math.NaN()
			continue
		}
		f.BBWidth[i] = (up - lo) / mid
		f.BBPosition[i] = (f.Close[i] - lo) / (up - lo)
	}

	f.MACD, f.MACDSignal, f.MACDDiff = macdSeries(f.Close, p.MACDFast, p.MACDSlow, p.MACDSignal)

	f.ATR = maskWarmup(safeCall(n, p.ATRPeriod, func() []float64 {
		return talib.Atr(f.High, f.Low, f.Close, p.ATRPeriod)
	}), p.ATRPeriod)
	f.ATRPct = make([]float64, n)
	for i := 0; i < n; i++ {
		if !Defined(f.ATR[i]) || f.Close[i] == 0 {
			f.ATRPct[i] = math.NaN()
			continue
		}
		f.ATRPct[i] = f.ATR[i] / f.Close[i]
	}

	f.VolumeMA = maskWarmup(safeCall(n, p.VolumeMAPeriod-1, func() []float64 {
		return talib.Sma(f.Volume, p.VolumeMAPeriod)
	}), p.VolumeMAPeriod-1)
	f.VolumeRatio = make([]float64, n)
	for i := 0; i < n; i++ {
		if !Defined(f.VolumeMA[i]) || f.VolumeMA[i] == 0 {
			f.VolumeRatio[i] = math.NaN()
			continue
		}
		f.VolumeRatio[i] = f.Volume[i] / f.VolumeMA[i]
	}

	return f
}

func emaSeries(close []float64, period int) []float64 {
	lookback := period - 1
	return maskWarmup(safeCall(len(close), lookback, func() []float64 {
		return talib.Ema(close, period)
	}), lookback)
}

func bbandsSeries(close []float64, period int, std float64) (up, mid, lo []float64) {
	n := len(close)
	lookback := period - 1
	if n <= lookback {
		return nanSlice(n), nanSlice(n), nanSlice(n)
	}
	up, mid, lo = talib.BBands(close, period, std, std, talib.SMA)
	return maskWarmup(up, lookback), maskWarmup(mid, lookback), maskWarmup(lo, lookback)
}

func macdSeries(close []float64, fast, slow, signal int) (macd, sig, diff []float64) {
	n := len(close)
	// talib 对三条输出统一从 slow+signal-2 开始给值
	lookback := slow + signal - 2
	if n <= lookback {
		return nanSlice(n), nanSlice(n), nanSlice(n)
	}
	macd, sig, diff = talib.Macd(close, fast, slow, signal)
	return maskWarmup(macd, lookback), maskWarmup(sig, lookback), maskWarmup(diff, lookback)
}

// safeCall 在数据不足以调用 talib 时直接返回 NaN 序列，避免越界
func safeCall(n, lookback int, fn func() []float64) []float64 {
	if n <= lookback {
		return nanSlice(n)
	}
	return fn()
}

// maskWarmup 把 talib 热身区的 0 值替换为显式的 NaN
func maskWarmup(series []float64, lookback int) []float64 {
	for i := 0; i < lookback && i < len(series); i++ {
		series[i] = math.NaN()
	}
	return series
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}
