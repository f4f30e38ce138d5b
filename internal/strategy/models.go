package strategy

import (
	"fmt"
	"time"
)

// Action 定义了信号类型，闭合枚举
type Action string

const (
	ActionHold Action = "HOLD"
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// IndicatorSnapshot 是决策时刻的指标快照，随信号一起落日志和通知。
// 全部是命名字段，不用 map 传弱类型数据。
type IndicatorSnapshot struct {
	RSI         float64
	EMAFast     float64
	EMAMedium   float64
	EMASlow     float64
	MACD        float64
	MACDSignal  float64
	BBPosition  float64
	VolumeRatio float64
	ATRPct      float64
}

// Signal 结构体定义了策略层向执行层发出的具体指令。
// 每轮扫描新建一个，产生后不再修改。
type Signal struct {
	Symbol     string
	Timestamp  time.Time // 信号生成时间 (最后一根 K 线的开始时间)
	Action     Action
	EntryPrice float64
	Strength   float64 // 置信度，(threshold, 1]
	Session    Session
	Snapshot   IndicatorSnapshot
}

// Hold 无操作信号
func Hold() Signal {
	return Signal{Action: ActionHold}
}

func (s Signal) String() string {
	if s.Action == ActionHold {
		return "SIGNAL [HOLD]"
	}
	return fmt.Sprintf("SIGNAL [%s %s] @ %.4f | Strength: %.2f | Session: %s | RSI: %.1f | VOL: %.2fx",
		s.Action, s.Symbol, s.EntryPrice, s.Strength, s.Session, s.Snapshot.RSI, s.Snapshot.VolumeRatio)
}
