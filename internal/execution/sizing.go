// Package execution 负责把信号转成符合交易所约束的订单参数。
package execution

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"bybit-session-trader/internal/model"
)

// ErrInsufficientOrderValue 余额撑不起交易所最小下单要求
var ErrInsufficientOrderValue = errors.New("order value below exchange minimum and balance cannot cover it")

// Size 计算下单数量并按合约精度格式化。
// 步骤：风险敞口 -> 抬到最小名义价值 -> 抬到最小数量 -> 向下对齐步长 ->
// 对齐后若跌破约束再向上补齐。数量运算全部走 decimal，避免二进制浮点
// 在步长对齐时产生 0.019999... 这类脏值。
func Size(balance, riskPct float64, leverage int, entry float64, c model.InstrumentConstraints) (string, float64, error) {
	if entry <= 0 {
		return "", 0, fmt.Errorf("invalid entry price: %f", entry)
	}
	if balance <= 0 {
		return "", 0, ErrInsufficientOrderValue
	}

	entryD := decimal.NewFromFloat(entry)
	step := decimal.NewFromFloat(c.QtyStep)
	minQty := decimal.NewFromFloat(c.MinQty)
	minNotional := decimal.NewFromFloat(c.MinNotional)

	// 风险敞口：余额 × 风险比例 × 杠杆
	qty := decimal.NewFromFloat(balance * riskPct * float64(leverage)).Div(entryD)

	// 名义价值不足时抬到最小名义价值
	if qty.Mul(entryD).LessThan(minNotional) {
		qty = minNotional.Div(entryD)
	}

	// 数量不足时抬到最小数量
	if qty.LessThan(minQty) {
		qty = minQty
	}

	// 向下对齐步长
	if step.IsPositive() {
		qty = qty.Div(step).Floor().Mul(step)
	}

	// 对齐可能把数量打回约束之下，向上补齐
	if qty.LessThan(minQty) {
		qty = minQty
	}
	if qty.Mul(entryD).LessThan(minNotional) && step.IsPositive() {
		qty = minNotional.Div(entryD).Div(step).Ceil().Mul(step)
	}

	// 两轮对齐后仍不达标，或补齐后的数量超出余额能支付的范围，都放弃
	notional := qty.Mul(entryD)
	affordable := decimal.NewFromFloat(balance * float64(leverage))
	if notional.LessThan(minNotional) || notional.GreaterThan(affordable) {
		return "", 0, ErrInsufficientOrderValue
	}

	qtyStr := qty.StringFixed(stepScale(step))
	n, _ := notional.Float64()
	return qtyStr, n, nil
}

// stepScale 步长的小数位数，0.001 -> 3
func stepScale(step decimal.Decimal) int32 {
	if step.IsPositive() && step.Exponent() < 0 {
		return -step.Exponent()
	}
	return 0
}
