// internal/service/config.go
package service

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	bybitDemoAPIURL = "https://api-demo.bybit.com"
	bybitRealAPIURL = "https://api.bybit.com"
	bybitPublicWS   = "wss://stream.bybit.com/v5/public/linear"
)

// Config 是启动时构造一次的完整配置，按引用传给各组件的构造函数
type Config struct {
	Exchange ExchangeConfig `mapstructure:"Exchange"`
	Telegram TelegramConfig `mapstructure:"Telegram"`
	Trading  TradingConfig  `mapstructure:"Trading"`
	Strategy StrategyConfig `mapstructure:"Strategy"`
	Log      LogConfig      `mapstructure:"Log"`
}

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	APIKey      string
	APISecret   string
	Environment string // demo 或 real，只影响交易端点
	RecvWindow  string
	WSURL       string
}

// TradingURL 交易端点：demo 环境走模拟盘
func (c *ExchangeConfig) TradingURL() string {
	if strings.ToLower(c.Environment) == "demo" {
		return bybitDemoAPIURL
	}
	return bybitRealAPIURL
}

// MarketURL 行情端点永远走真实 API
func (c *ExchangeConfig) MarketURL() string {
	return bybitRealAPIURL
}

// TelegramConfig 通知与命令通道配置
type TelegramConfig struct {
	BotToken         string
	ChatID           string
	ErrorCooldownSec int // 相同错误的通知冷却时间
}

// TradingConfig 定义了风控和交易参数
type TradingConfig struct {
	Leverage        int
	Interval        string  // K 线周期，分钟数字符串，如 "15"
	MaxSymbols      int     // 跟踪的热门交易对数量
	RiskPct         float64 // 单仓占用余额比例
	CandleLimit     int
	ScanWorkers     int     // 并行扫描的最大并发
	TPSLPolicy      string  // fixed 或 atr
	TakeProfitPct   float64 // fixed 策略的止盈比例
	StopLossPct     float64 // fixed 策略的止损比例
	CycleDelaySec   int     // 每轮之间的间隔
	ErrorBackoffSec int     // 循环出错后的最小退避
	RefreshCycles   int     // 每 N 轮刷新一次交易对列表，0 表示只在启动时取
}

// StrategyConfig 定义了指标与信号参数
type StrategyConfig struct {
	EMAFast                int
	EMAMedium              int
	EMASlow                int
	RSIPeriod              int
	BBPeriod               int
	BBStd                  float64
	MACDFast               int
	MACDSlow               int
	MACDSignal             int
	ATRPeriod              int
	VolumeMAPeriod         int
	TrendStrengthThreshold float64 // EMA 间距占比阈值
	SignalThreshold        float64 // 信号置信度阈值
}

// LogConfig 日志输出配置
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// LoadConfig 读取并解析配置文件，密钥类字段允许环境变量覆盖
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)

	setDefaults()

	// 敏感信息优先从环境变量读取
	viper.BindEnv("Exchange.APIKey", "BYBIT_API_KEY")
	viper.BindEnv("Exchange.APISecret", "BYBIT_API_SECRET")
	viper.BindEnv("Exchange.Environment", "ENVIRONMENT")
	viper.BindEnv("Telegram.BotToken", "TELEGRAM_BOT_TOKEN")
	viper.BindEnv("Telegram.ChatID", "TELEGRAM_CHAT_ID")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// 配置文件缺失时允许纯环境变量启动
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("Exchange.Environment", "demo")
	viper.SetDefault("Exchange.RecvWindow", "5000")
	viper.SetDefault("Exchange.WSURL", bybitPublicWS)

	viper.SetDefault("Telegram.ErrorCooldownSec", 600)

	viper.SetDefault("Trading.Leverage", 10)
	viper.SetDefault("Trading.Interval", "15")
	viper.SetDefault("Trading.MaxSymbols", 20)
	viper.SetDefault("Trading.RiskPct", 0.20)
	viper.SetDefault("Trading.CandleLimit", 200)
	viper.SetDefault("Trading.ScanWorkers", 10)
	viper.SetDefault("Trading.TPSLPolicy", "fixed")
	viper.SetDefault("Trading.TakeProfitPct", 0.05)
	viper.SetDefault("Trading.StopLossPct", 0.025)
	viper.SetDefault("Trading.CycleDelaySec", 5)
	viper.SetDefault("Trading.ErrorBackoffSec", 60)
	viper.SetDefault("Trading.RefreshCycles", 0)

	viper.SetDefault("Strategy.EMAFast", 8)
	viper.SetDefault("Strategy.EMAMedium", 21)
	viper.SetDefault("Strategy.EMASlow", 50)
	viper.SetDefault("Strategy.RSIPeriod", 14)
	viper.SetDefault("Strategy.BBPeriod", 20)
	viper.SetDefault("Strategy.BBStd", 2.0)
	viper.SetDefault("Strategy.MACDFast", 12)
	viper.SetDefault("Strategy.MACDSlow", 26)
	viper.SetDefault("Strategy.MACDSignal", 9)
	viper.SetDefault("Strategy.ATRPeriod", 14)
	viper.SetDefault("Strategy.VolumeMAPeriod", 20)
	viper.SetDefault("Strategy.TrendStrengthThreshold", 0.002)
	viper.SetDefault("Strategy.SignalThreshold", 0.70)

	viper.SetDefault("Log.File", "log/trader.log")
	viper.SetDefault("Log.MaxSizeMB", 50)
	viper.SetDefault("Log.MaxBackups", 5)
	viper.SetDefault("Log.MaxAgeDays", 14)
}

// Validate 启动前校验，缺少必要配置视为致命错误
func (c *Config) Validate() error {
	var missing []string
	if c.Exchange.APIKey == "" {
		missing = append(missing, "BYBIT_API_KEY")
	}
	if c.Exchange.APISecret == "" {
		missing = append(missing, "BYBIT_API_SECRET")
	}
	if c.Telegram.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.Telegram.ChatID == "" {
		missing = append(missing, "TELEGRAM_CHAT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch strings.ToLower(c.Trading.TPSLPolicy) {
	case "fixed", "atr":
	default:
		return fmt.Errorf("unknown TPSLPolicy %q (want fixed or atr)", c.Trading.TPSLPolicy)
	}

	if c.Trading.RiskPct <= 0 || c.Trading.RiskPct > 1 {
		return fmt.Errorf("RiskPct %.2f out of range (0,1]", c.Trading.RiskPct)
	}
	if c.Trading.Leverage < 1 {
		return fmt.Errorf("Leverage must be >= 1, got %d", c.Trading.Leverage)
	}
	if c.Strategy.SignalThreshold <= 0 || c.Strategy.SignalThreshold >= 1 {
		return fmt.Errorf("SignalThreshold %.2f out of range (0,1)", c.Strategy.SignalThreshold)
	}
	return nil
}
