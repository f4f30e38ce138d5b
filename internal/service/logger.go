package service

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 是全局日志接口
// 在其他模块中使用：service.Logger.Info("New order placed", zap.String("symbol", sym))
var Logger *zap.Logger

// InitLogger 初始化高性能的 Zap 日志：stdout 可读输出 + 按大小滚动的 JSON 文件
func InitLogger(cfg LogConfig) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"

	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)
	jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)

	// 文件滚动交给 lumberjack
	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})

	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), zapcore.InfoLevel),
		zapcore.NewCore(jsonEncoder, fileWriter, zapcore.DebugLevel),
	)

	Logger = zap.New(core, zap.AddCaller())
	if Logger == nil {
		log.Fatal("Failed to initialize logger")
	}
}
