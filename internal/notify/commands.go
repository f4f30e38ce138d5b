package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"bybit-session-trader/internal/service"
)

const (
	pollTimeoutSec  = 30
	reportTimeout   = 60 * time.Second
	stopJoinTimeout = 5 * time.Second
)

// StatusReporter 由 bot 层实现，命令通道只负责转发请求和回复
type StatusReporter interface {
	// StatusReport 全市场扫描概览
	StatusReport(ctx context.Context) (string, error)
	// DetailReport 单个 symbol 的指标明细
	DetailReport(ctx context.Context, symbol string) (string, error)
}

// CommandHandler 长轮询 getUpdates，处理 /status 与 /detail 命令。
// 只响应配置的 chatID，其他来源一律忽略。
type CommandHandler struct {
	botToken   string
	chatID     string
	reporter   StatusReporter
	notifier   *TelegramNotifier
	httpClient *http.Client
	logger     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCommandHandler 初始化
func NewCommandHandler(cfg *service.TelegramConfig, reporter StatusReporter, notifier *TelegramNotifier, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		reporter: reporter,
		notifier: notifier,
		httpClient: &http.Client{
			// 长轮询超时之上留余量
			Timeout: time.Duration(pollTimeoutSec+10) * time.Second,
		},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start 启动轮询 goroutine
func (h *CommandHandler) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go func() {
		defer close(h.done)
		h.pollLoop(ctx)
	}()
}

// Stop 取消轮询并有界等待退出，超时就放弃不挂起关机流程
func (h *CommandHandler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	select {
	case <-h.done:
	case <-time.After(stopJoinTimeout):
		h.logger.Warn("Command handler did not stop in time")
	}
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

func (h *CommandHandler) pollLoop(ctx context.Context) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := h.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("getUpdates failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			h.handleUpdate(ctx, u)
		}
	}
}

func (h *CommandHandler) getUpdates(ctx context.Context, offset int64) ([]telegramUpdate, error) {
	params := url.Values{}
	params.Set("timeout", strconv.Itoa(pollTimeoutSec))
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}

	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", telegramAPIBase, h.botToken, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var payload struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if !payload.OK {
		return nil, fmt.Errorf("telegram getUpdates returned ok=false")
	}
	return payload.Result, nil
}

func (h *CommandHandler) handleUpdate(ctx context.Context, u telegramUpdate) {
	// 鉴权：只接受配置的 chat
	if strconv.FormatInt(u.Message.Chat.ID, 10) != h.chatID {
		return
	}

	fields := strings.Fields(u.Message.Text)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	// 兼容 /status@BotName 形式
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/status":
		h.runReport(ctx, cmd, func(rctx context.Context) (string, error) {
			return h.reporter.StatusReport(rctx)
		})
	case "/detail":
		if len(fields) < 2 {
			h.notifier.send("Usage: /detail SYMBOL")
			return
		}
		symbol := strings.ToUpper(fields[1])
		h.runReport(ctx, cmd, func(rctx context.Context) (string, error) {
			return h.reporter.DetailReport(rctx, symbol)
		})
	}
}

// runReport 统一的超时与错误处理，报表失败的错误截断后回给用户
func (h *CommandHandler) runReport(ctx context.Context, cmd string, fn func(context.Context) (string, error)) {
	rctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	text, err := fn(rctx)
	if err != nil {
		h.logger.Error("Command failed", zap.String("command", cmd), zap.Error(err))
		msg := err.Error()
		if len(msg) > errorMaxLen {
			msg = msg[:errorMaxLen]
		}
		h.notifier.send("⚠️ " + cmd + " failed: " + msg)
		return
	}
	h.notifier.send(text)
}
