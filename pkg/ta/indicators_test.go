package ta

import (
	"math"
	"testing"
	"time"

	"bybit-session-trader/internal/model"
)

// genCandles 产生一段带波动的合成 K 线
func genCandles(n int) []model.Candle {
	candles := make([]model.Candle, n)
	base := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price := 100 + 10*math.Sin(float64(i)/5) + float64(i)*0.1
		candles[i] = model.Candle{
			StartTime: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price - 0.5,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    1000 + 100*math.Sin(float64(i)/3),
		}
	}
	return candles
}

func TestComputeLengthMatchesInput(t *testing.T) {
	p := DefaultParams()
	for _, n := range []int{0, 1, 10, 49, 100} {
		f := Compute(genCandles(n), p)
		if f.Len() != n {
			t.Errorf("n=%d: frame len %d", n, f.Len())
		}
		for name, col := range map[string][]float64{
			"EMAFast": f.EMAFast, "EMASlow": f.EMASlow, "RSI": f.RSI,
			"BBPosition": f.BBPosition, "MACD": f.MACD, "ATRPct": f.ATRPct,
			"VolumeRatio": f.VolumeRatio,
		} {
			if len(col) != n {
				t.Errorf("n=%d: %s len %d", n, name, len(col))
			}
		}
	}
}

func TestComputeWarmupIsNaN(t *testing.T) {
	p := DefaultParams()
	f := Compute(genCandles(100), p)

	// 热身区必须是 NaN，不能是 0
	checks := []struct {
		name     string
		col      []float64
		lookback int
	}{
		{"EMAFast", f.EMAFast, p.EMAFast - 1},
		{"EMASlow", f.EMASlow, p.EMASlow - 1},
		{"RSI", f.RSI, p.RSIPeriod},
		{"BBUpper", f.BBUpper, p.BBPeriod - 1},
		{"MACD", f.MACD, p.MACDSlow + p.MACDSignal - 2},
		{"ATR", f.ATR, p.ATRPeriod},
		{"VolumeMA", f.VolumeMA, p.VolumeMAPeriod - 1},
	}
	for _, c := range checks {
		for i := 0; i < c.lookback; i++ {
			if Defined(c.col[i]) {
				t.Errorf("%s[%d] = %f, want NaN in warmup", c.name, i, c.col[i])
			}
		}
		if !Defined(c.col[c.lookback]) {
			t.Errorf("%s[%d] should be defined after warmup", c.name, c.lookback)
		}
	}
}

func TestComputeShortInputAllNaN(t *testing.T) {
	p := DefaultParams()
	f := Compute(genCandles(10), p)
	cur := f.Len() - 1
	// 10 根不够慢线热身，末端必须仍是未定义
	if Defined(f.EMASlow[cur]) || Defined(f.MACD[cur]) || Defined(f.BBPosition[cur]) {
		t.Error("indicators should stay NaN when input is shorter than lookback")
	}
}

func TestComputeDerivedColumns(t *testing.T) {
	p := DefaultParams()
	f := Compute(genCandles(100), p)
	cur := f.Len() - 1

	if !Defined(f.BBPosition[cur]) {
		t.Fatal("BBPosition undefined at series end")
	}
	// BBPosition 的定义：(close-lower)/(upper-lower)
	want := (f.Close[cur] - f.BBLower[cur]) / (f.BBUpper[cur] - f.BBLower[cur])
	if math.Abs(f.BBPosition[cur]-want) > 1e-12 {
		t.Errorf("BBPosition: got %f, want %f", f.BBPosition[cur], want)
	}

	if !Defined(f.ATRPct[cur]) || f.ATRPct[cur] <= 0 {
		t.Errorf("ATRPct: got %f, want positive", f.ATRPct[cur])
	}
	if math.Abs(f.ATRPct[cur]-f.ATR[cur]/f.Close[cur]) > 1e-12 {
		t.Error("ATRPct should equal ATR/close")
	}

	if !Defined(f.VolumeRatio[cur]) || f.VolumeRatio[cur] <= 0 {
		t.Errorf("VolumeRatio: got %f, want positive", f.VolumeRatio[cur])
	}
}

func TestMinCandles(t *testing.T) {
	if got := DefaultParams().MinCandles(); got != 50 {
		t.Errorf("MinCandles: got %d, want 50", got)
	}
}

func TestComputeFlatPriceBBPositionUndefined(t *testing.T) {
	// 价格恒定时布林带上下轨重合，BBPosition 应是 NaN 而不是除零
	candles := genCandles(100)
	for i := range candles {
		candles[i].Open, candles[i].High, candles[i].Low, candles[i].Close = 100, 100, 100, 100
	}
	f := Compute(candles, DefaultParams())
	if Defined(f.BBPosition[f.Len()-1]) {
		t.Error("BBPosition should be NaN for flat price")
	}
}
