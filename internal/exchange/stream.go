package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"bybit-session-trader/internal/service"
)

const pingInterval = 20 * time.Second

// tickerMessage Bybit v5 公共 tickers 频道推送结构
type tickerMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

// PriceStream 订阅公共 tickers 频道，把最新价写进 Client 的价格缓存。
// 断线按指数退避重连；流只是加速器，挂掉时 GetCurrentPrice 会退回 REST。
type PriceStream struct {
	wsURL  string
	client *Client
	logger *zap.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
	conn    *websocket.Conn
}

// NewPriceStream 初始化，symbols 可在运行期通过 Subscribe 增补
func NewPriceStream(wsURL string, client *Client, symbols []string, logger *zap.Logger) *PriceStream {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return &PriceStream{
		wsURL:   wsURL,
		client:  client,
		logger:  logger,
		symbols: set,
	}
}

// Subscribe 追加订阅，连接在线时立即发订阅帧，否则等重连时补上
func (ps *PriceStream) Subscribe(symbols []string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var added []string
	for _, s := range symbols {
		if _, ok := ps.symbols[s]; !ok {
			ps.symbols[s] = struct{}{}
			added = append(added, s)
		}
	}
	if len(added) == 0 || ps.conn == nil {
		return
	}
	if err := ps.conn.WriteJSON(subscribeFrame(added)); err != nil {
		ps.logger.Warn("Failed to extend WS subscription", zap.Error(err))
	}
}

// Start 阻塞运行直到 ctx 取消，内部处理重连
func (ps *PriceStream) Start(ctx context.Context) {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := ps.runOnce(ctx); err != nil {
			wait := b.Duration()
			ps.logger.Warn("Price stream disconnected, reconnecting",
				zap.Error(err), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
	}
}

// runOnce 一次完整的 连接-订阅-读循环，出错即返回由上层重连
func (ps *PriceStream) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ps.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	defer func() {
		ps.mu.Lock()
		ps.conn = nil
		ps.mu.Unlock()
	}()

	// 订阅帧在锁内发出，避免与 Subscribe/心跳的写并发
	ps.mu.Lock()
	symbols := make([]string, 0, len(ps.symbols))
	for s := range ps.symbols {
		symbols = append(symbols, s)
	}
	ps.conn = conn
	var subErr error
	if len(symbols) > 0 {
		subErr = conn.WriteJSON(subscribeFrame(symbols))
	}
	ps.mu.Unlock()
	if subErr != nil {
		return subErr
	}
	ps.logger.Info("Price stream connected", zap.Int("symbols", len(symbols)))

	// 心跳 goroutine，ctx 取消时顺带关连接解除读阻塞
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				ps.mu.Lock()
				err := conn.WriteJSON(map[string]string{"op": "ping"})
				ps.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var msg tickerMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.LastPrice == "" {
			continue
		}
		// tickers 频道是增量推送，lastPrice 缺失的帧已被上面过滤
		ps.client.UpdatePrice(msg.Data.Symbol, service.StringToFloat(msg.Data.LastPrice))
	}
}

func subscribeFrame(symbols []string) map[string]interface{} {
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+s)
	}
	return map[string]interface{}{"op": "subscribe", "args": args}
}
