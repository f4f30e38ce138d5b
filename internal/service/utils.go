package service

import (
	"strconv"
)

// Bybit API 的数值字段一律是字符串，集中放两个解析助手。
// 解析失败返回 0，调用方对 0 值各自兜底（过滤零仓位、套用默认约束）。

func StringToFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func StringToInt64(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
