package strategy

import (
	"fmt"
	"math"
	"strings"

	"bybit-session-trader/internal/model"
	"bybit-session-trader/internal/service"
)

// 固定策略与 ATR 策略缺数据时的兜底百分比
const (
	defaultTakeProfitPct = 5.0
	defaultStopLossPct   = 2.5
)

// TPSLLevels 止盈止损价位。Buy 满足 tp > entry > sl，Sell 相反。
// 对一个持仓只计算一次，之后不再变动。
type TPSLLevels struct {
	TPPrice   float64
	SLPrice   float64
	TPPercent float64
	SLPercent float64
}

// TPSLPolicy 止盈止损策略。部署时从配置选定一个，整个运行期间统一使用。
type TPSLPolicy interface {
	// Levels 根据入场价和方向计算价位；atrPct 不可用时传 NaN
	Levels(entry float64, side model.Side, atrPct float64, session Session) TPSLLevels
	Name() string
}

// NewPolicy 按配置构造策略，默认 fixed
func NewPolicy(cfg *service.TradingConfig) (TPSLPolicy, error) {
	switch strings.ToLower(cfg.TPSLPolicy) {
	case "fixed", "":
		return &FixedPolicy{
			TPPct: cfg.TakeProfitPct * 100,
			SLPct: cfg.StopLossPct * 100,
		}, nil
	case "atr":
		return &ATRPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown tp/sl policy %q", cfg.TPSLPolicy)
	}
}

// FixedPolicy 固定百分比偏移，与回测配置一致
type FixedPolicy struct {
	TPPct float64 // 百分比，如 5.0 表示 5%
	SLPct float64
}

func (p *FixedPolicy) Name() string { return "fixed" }

func (p *FixedPolicy) Levels(entry float64, side model.Side, _ float64, _ Session) TPSLLevels {
	return levelsFromPct(entry, side, p.TPPct, p.SLPct)
}

// ATRPolicy 按 ATR 和时段缩放：止损 = atrPct × 时段乘数，止盈 = 止损 × 时段盈亏比
type ATRPolicy struct{}

func (p *ATRPolicy) Name() string { return "atr" }

func (p *ATRPolicy) Levels(entry float64, side model.Side, atrPct float64, session Session) TPSLLevels {
	if math.IsNaN(atrPct) || atrPct <= 0 {
		// ATR 不可用时退回固定默认值
		return levelsFromPct(entry, side, defaultTakeProfitPct, defaultStopLossPct)
	}
	sp := SessionParams(session)
	slPct := atrPct * sp.ATRMultiplier * 100
	tpPct := slPct * sp.RewardRatio
	return levelsFromPct(entry, side, tpPct, slPct)
}

func levelsFromPct(entry float64, side model.Side, tpPct, slPct float64) TPSLLevels {
	var tp, sl float64
	if side == model.SideBuy {
		tp = entry * (1 + tpPct/100)
		sl = entry * (1 - slPct/100)
	} else {
		tp = entry * (1 - tpPct/100)
		sl = entry * (1 + slPct/100)
	}
	return TPSLLevels{
		TPPrice:   round8(tp),
		SLPrice:   round8(sl),
		TPPercent: tpPct,
		SLPercent: slPct,
	}
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
