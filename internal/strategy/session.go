package strategy

import "time"

// Session 表示三个固定的 UTC 交易时段
type Session string

const (
	SessionAsian    Session = "asian"    // [00:00, 09:00) UTC，震荡为主
	SessionEuropean Session = "european" // [09:00, 17:00) UTC，趋势+严格过滤
	SessionUS       Session = "us"       // [17:00, 24:00) UTC，高波动强趋势
)

// ClassifySession 按 UTC 小时把时间戳映射到交易时段。
// 半开区间，下界包含。交易所数据本身就是 UTC，带时区的时间先转 UTC。
// 纯粹按时段切分，不做周末/节假日处理——这是刻意的简化而非缺陷。
func ClassifySession(t time.Time) Session {
	hour := t.UTC().Hour()
	switch {
	case hour < 9:
		return SessionAsian
	case hour < 17:
		return SessionEuropean
	default:
		return SessionUS
	}
}

// SessionParameters 每个时段的可调参数，TrendBias + MeanReversionBias 恒等于 1
type SessionParameters struct {
	RSIOverbought     float64
	RSIOversold       float64
	ATRMultiplier     float64
	MinVolumeMult     float64 // 进场所需的最低量比
	TrendBias         float64
	MeanReversionBias float64
	RewardRatio       float64 // ATR 策略下的盈亏比
}

// SessionParams 纯查表，返回时段参数
func SessionParams(s Session) SessionParameters {
	switch s {
	case SessionAsian:
		return SessionParameters{
			RSIOverbought:     60,
			RSIOversold:       40,
			ATRMultiplier:     1.0,
			MinVolumeMult:     0.8,
			TrendBias:         0.4,
			MeanReversionBias: 0.6,
			RewardRatio:       1.5,
		}
	case SessionEuropean:
		return SessionParameters{
			RSIOverbought:     65,
			RSIOversold:       35,
			ATRMultiplier:     1.5,
			MinVolumeMult:     1.0,
			TrendBias:         0.7,
			MeanReversionBias: 0.3,
			RewardRatio:       2.0,
		}
	default: // us
		return SessionParameters{
			RSIOverbought:     70,
			RSIOversold:       30,
			ATRMultiplier:     2.0,
			MinVolumeMult:     1.2,
			TrendBias:         0.85,
			MeanReversionBias: 0.15,
			RewardRatio:       2.5,
		}
	}
}
