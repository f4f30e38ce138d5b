// Package notify 实现 Telegram 通知与远程命令通道。
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bybit-session-trader/internal/model"
	"bybit-session-trader/internal/position"
	"bybit-session-trader/internal/service"
	"bybit-session-trader/internal/strategy"
)

const (
	telegramAPIBase = "https://api.telegram.org"
	// 错误去重的 key 长度与清理窗口
	errorKeyLen     = 100
	errorPruneAfter = time.Hour
	errorMaxLen     = 200
)

// Notifier 交易事件通知接口，核心逻辑只认这个接口
type Notifier interface {
	NotifyEntry(sig strategy.Signal, qty string, levels strategy.TPSLLevels)
	NotifyExit(ev position.CloseEvent, pnl float64)
	NotifyError(msg string)
}

// TelegramNotifier 通过 Bot API 推送 HTML 消息。
// 相同错误（前 100 字符相同）在冷却窗口内只发一次，防止故障时刷屏。
type TelegramNotifier struct {
	botToken   string
	chatID     string
	cooldown   time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	lastSent  map[string]time.Time
	lastPrune time.Time
}

// NewTelegramNotifier 初始化
func NewTelegramNotifier(cfg *service.TelegramConfig, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		cooldown:   time.Duration(cfg.ErrorCooldownSec) * time.Second,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		lastSent:   make(map[string]time.Time),
		lastPrune:  time.Now(),
	}
}

// NotifyEntry 开仓通知
func (t *TelegramNotifier) NotifyEntry(sig strategy.Signal, qty string, levels strategy.TPSLLevels) {
	emoji := "🟢"
	if sig.Action == strategy.ActionSell {
		emoji = "🔴"
	}
	msg := fmt.Sprintf(
		"%s <b>%s %s</b>\n"+
			"Entry: %.4f | Qty: %s\n"+
			"TP: %.4f (+%.2f%%) | SL: %.4f (-%.2f%%)\n"+
			"Strength: %.2f | Session: %s\n"+
			"RSI: %.1f | VOL: %.2fx",
		emoji, sig.Action, sig.Symbol,
		sig.EntryPrice, qty,
		levels.TPPrice, levels.TPPercent, levels.SLPrice, levels.SLPercent,
		sig.Strength, sig.Session,
		sig.Snapshot.RSI, sig.Snapshot.VolumeRatio)
	t.send(msg)
}

// NotifyExit 平仓通知
func (t *TelegramNotifier) NotifyExit(ev position.CloseEvent, pnl float64) {
	emoji := "✅"
	if ev.Reason == model.ReasonStopLoss {
		emoji = "🛑"
	}
	msg := fmt.Sprintf(
		"%s <b>CLOSED %s %s</b> (%s)\n"+
			"Entry: %.4f → Exit: %.4f\n"+
			"PnL: %+.2f USDT",
		emoji, ev.Position.Side, ev.Position.Symbol, ev.Reason,
		ev.Position.EntryPrice, ev.Price, pnl)
	t.send(msg)
}

// NotifyError 错误通知，截断到 200 字符并按前缀去重
func (t *TelegramNotifier) NotifyError(msg string) {
	if len(msg) > errorMaxLen {
		msg = msg[:errorMaxLen]
	}
	if !t.shouldSend(msg) {
		return
	}
	t.send("⚠️ <b>ERROR</b>\n" + msg)
}

// shouldSend 冷却去重，顺带清理过期条目
func (t *TelegramNotifier) shouldSend(msg string) bool {
	key := msg
	if len(key) > errorKeyLen {
		key = key[:errorKeyLen]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if now.Sub(t.lastPrune) > errorPruneAfter {
		for k, sent := range t.lastSent {
			if now.Sub(sent) > errorPruneAfter {
				delete(t.lastSent, k)
			}
		}
		t.lastPrune = now
	}

	if sent, ok := t.lastSent[key]; ok && now.Sub(sent) < t.cooldown {
		return false
	}
	t.lastSent[key] = now
	return true
}

// send 同步发送，失败只记日志不上抛——通知永远不能阻塞交易
func (t *TelegramNotifier) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)
	form.Set("parse_mode", "HTML")

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPIBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		t.logger.Error("Failed to build telegram request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Error("Failed to send telegram message", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.logger.Error("Telegram API returned non-200", zap.Int("status", resp.StatusCode))
	}
}
