package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bybit-session-trader/internal/model"
	"bybit-session-trader/internal/service"
)

const (
	recvWindow = "5000"
	// Bybit 对已是目标杠杆的 set-leverage 返回该码，视为成功
	retCodeLeverageNotModified = 110043
	// WS 缓存价超过该时长则回退 REST
	priceCacheMaxAge = 5 * time.Second
)

// APIError 交易所返回的业务错误，retCode 非 0
type APIError struct {
	Code    int
	Message string
	Path    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit api error on %s: retCode=%d retMsg=%s", e.Path, e.Code, e.Message)
}

// Client 同时实现 MarketData 与 Trading。
// 行情永远走实盘域名（demo 域名没有完整行情），交易域名按配置切换。
type Client struct {
	apiKey     string
	apiSecret  string
	marketURL  string
	tradingURL string
	httpClient *http.Client
	logger     *zap.Logger

	priceMu sync.RWMutex
	prices  map[string]cachedPrice
}

type cachedPrice struct {
	price     float64
	updatedAt time.Time
}

// NewClient 初始化 REST 客户端
func NewClient(cfg *service.ExchangeConfig, logger *zap.Logger) *Client {
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		marketURL:  cfg.MarketURL(),
		tradingURL: cfg.TradingURL(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		prices:     make(map[string]cachedPrice),
	}
}

// baseResponse Bybit v5 统一外层结构
type baseResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// --- 签名与请求 ---

// sign v5 签名：timestamp + apiKey + recvWindow + payload
func (c *Client) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) setAuthHeaders(req *http.Request, timestamp, signature string) {
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-SIGN-TYPE", "2")
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
}

// getPublic 公共行情接口，无签名
func (c *Client) getPublic(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	reqURL := c.marketURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, path)
}

// getSigned 私有 GET，签名串里的 query 按 key 排序
func (c *Client) getSigned(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	query := params.Encode() // Encode 自带按 key 排序
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := c.sign(timestamp, query)

	reqURL := c.tradingURL + path
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req, timestamp, signature)
	return c.do(req, path)
}

// postSigned 私有 POST，对紧凑且 key 有序的 JSON 签名，发送的正文与签名字节一致
func (c *Client) postSigned(ctx context.Context, path string, body map[string]string) (json.RawMessage, error) {
	payload, err := compactSortedJSON(body)
	if err != nil {
		return nil, err
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := c.sign(timestamp, string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tradingURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req, timestamp, signature)
	return c.do(req, path)
}

func (c *Client) do(req *http.Request, path string) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response of %s failed: %w", path, err)
	}

	var base baseResponse
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("decode response of %s failed: %w", path, err)
	}
	if base.RetCode != 0 {
		return nil, &APIError{Code: base.RetCode, Message: base.RetMsg, Path: path}
	}
	return base.Result, nil
}

// compactSortedJSON Go map 序列化本身 key 有序，这里显式构造保证确定性
func compactSortedJSON(body map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(body[k])
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// --- MarketData ---

// GetCandles 拉取 K 线。Bybit 返回按时间倒序，这里反转成升序再交给指标层。
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	result, err := c.getPublic(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decode kline list failed: %w", err)
	}

	candles := make([]model.Candle, 0, len(payload.List))
	// 倒序遍历实现反转
	for i := len(payload.List) - 1; i >= 0; i-- {
		row := payload.List[i]
		if len(row) < 6 {
			continue
		}
		candles = append(candles, model.Candle{
			StartTime: time.UnixMilli(service.StringToInt64(row[0])).UTC(),
			Open:      service.StringToFloat(row[1]),
			High:      service.StringToFloat(row[2]),
			Low:       service.StringToFloat(row[3]),
			Close:     service.StringToFloat(row[4]),
			Volume:    service.StringToFloat(row[5]),
		})
	}
	return candles, nil
}

// GetCurrentPrice WS 缓存新鲜时直接用，否则回退 REST tickers
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.priceMu.RLock()
	cached, ok := c.prices[symbol]
	c.priceMu.RUnlock()
	if ok && time.Since(cached.updatedAt) <= priceCacheMaxAge {
		return cached.price, nil
	}

	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)

	result, err := c.getPublic(ctx, "/v5/market/tickers", params)
	if err != nil {
		return 0, err
	}

	var payload struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return 0, fmt.Errorf("decode tickers failed: %w", err)
	}
	if len(payload.List) == 0 {
		return 0, fmt.Errorf("no ticker data for %s", symbol)
	}

	price := service.StringToFloat(payload.List[0].LastPrice)
	c.UpdatePrice(symbol, price)
	return price, nil
}

// UpdatePrice 由 PriceStream 的读循环调用
func (c *Client) UpdatePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	c.priceMu.Lock()
	c.prices[symbol] = cachedPrice{price: price, updatedAt: time.Now()}
	c.priceMu.Unlock()
}

// GetTrendingSymbols 按 24h 成交额降序取 USDT 永续
func (c *Client) GetTrendingSymbols(ctx context.Context, limit int) ([]string, error) {
	params := url.Values{}
	params.Set("category", "linear")

	result, err := c.getPublic(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []struct {
			Symbol     string `json:"symbol"`
			Turnover24 string `json:"turnover24h"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decode tickers failed: %w", err)
	}

	type ranked struct {
		symbol   string
		turnover float64
	}
	candidates := make([]ranked, 0, len(payload.List))
	for _, t := range payload.List {
		if !strings.HasSuffix(t.Symbol, "USDT") {
			continue
		}
		candidates = append(candidates, ranked{t.Symbol, service.StringToFloat(t.Turnover24)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].turnover > candidates[j].turnover
	})

	if limit > len(candidates) {
		limit = len(candidates)
	}
	symbols := make([]string, 0, limit)
	for _, r := range candidates[:limit] {
		symbols = append(symbols, r.symbol)
	}
	return symbols, nil
}

// --- Trading ---

// PlaceOrder 下单，市价单 qty 单位是合约基础币
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side model.Side, orderType, qty string) (string, error) {
	body := map[string]string{
		"category":  "linear",
		"symbol":    symbol,
		"side":      string(side),
		"orderType": orderType,
		"qty":       qty,
	}
	result, err := c.postSigned(ctx, "/v5/order/create", body)
	if err != nil {
		return "", err
	}

	var payload struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", fmt.Errorf("decode order response failed: %w", err)
	}
	c.logger.Info("Order placed",
		zap.String("symbol", symbol), zap.String("side", string(side)),
		zap.String("qty", qty), zap.String("orderId", payload.OrderID))
	return payload.OrderID, nil
}

// ClosePosition 反向 reduce-only 市价单，qty=0 表示全部平掉
func (c *Client) ClosePosition(ctx context.Context, symbol string, side model.Side) error {
	positions, err := c.GetOpenPositions(ctx, symbol)
	if err != nil {
		return err
	}
	var size float64
	for _, p := range positions {
		if p.Side == side {
			size = p.Size
			break
		}
	}
	if size == 0 {
		c.logger.Warn("Close requested but no open position on exchange", zap.String("symbol", symbol))
		return nil
	}

	body := map[string]string{
		"category":   "linear",
		"symbol":     symbol,
		"side":       string(side.Opposite()),
		"orderType":  "Market",
		"qty":        strconv.FormatFloat(size, 'f', -1, 64),
		"reduceOnly": "true",
	}
	_, err = c.postSigned(ctx, "/v5/order/create", body)
	if err != nil {
		return err
	}
	c.logger.Info("Position closed on exchange", zap.String("symbol", symbol), zap.Float64("size", size))
	return nil
}

// GetOpenPositions symbol 为空拉全部（settleCoin=USDT），过滤零仓位
func (c *Client) GetOpenPositions(ctx context.Context, symbol string) ([]model.PositionSnapshot, error) {
	params := url.Values{}
	params.Set("category", "linear")
	if symbol != "" {
		params.Set("symbol", symbol)
	} else {
		params.Set("settleCoin", "USDT")
	}

	result, err := c.getSigned(ctx, "/v5/position/list", params)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decode position list failed: %w", err)
	}

	snapshots := make([]model.PositionSnapshot, 0, len(payload.List))
	for _, p := range payload.List {
		size := service.StringToFloat(p.Size)
		if size == 0 {
			continue
		}
		snapshots = append(snapshots, model.PositionSnapshot{
			Symbol:        p.Symbol,
			Side:          model.Side(p.Side),
			Size:          size,
			AvgPrice:      service.StringToFloat(p.AvgPrice),
			UnrealisedPnL: service.StringToFloat(p.UnrealisedPnl),
		})
	}
	return snapshots, nil
}

// SetLeverage 双向都设同一杠杆；110043 表示杠杆未变，不算错误
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	_, err := c.postSigned(ctx, "/v5/position/set-leverage", body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == retCodeLeverageNotModified {
			return nil
		}
		return err
	}
	return nil
}

// SetTPSL 交易所侧条件止盈止损，价格固定 8 位小数
func (c *Client) SetTPSL(ctx context.Context, symbol string, tp, sl float64) error {
	body := map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"takeProfit":  strconv.FormatFloat(tp, 'f', 8, 64),
		"stopLoss":    strconv.FormatFloat(sl, 'f', 8, 64),
		"positionIdx": "0",
	}
	_, err := c.postSigned(ctx, "/v5/position/trading-stop", body)
	return err
}

// GetWalletBalance 统一账户 USDT 可用余额
func (c *Client) GetWalletBalance(ctx context.Context) (float64, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", "USDT")

	result, err := c.getSigned(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return 0, err
	}

	var payload struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
				WalletBalance       string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return 0, fmt.Errorf("decode wallet balance failed: %w", err)
	}

	for _, acct := range payload.List {
		for _, coin := range acct.Coin {
			if coin.Coin != "USDT" {
				continue
			}
			if v := service.StringToFloat(coin.AvailableToWithdraw); v > 0 {
				return v, nil
			}
			return service.StringToFloat(coin.WalletBalance), nil
		}
	}
	return 0, fmt.Errorf("no USDT balance in wallet response")
}

// GetInstrumentConstraints 合约下单约束，缺字段时用保守默认值
func (c *Client) GetInstrumentConstraints(ctx context.Context, symbol string) (model.InstrumentConstraints, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)

	result, err := c.getPublic(ctx, "/v5/market/instruments-info", params)
	if err != nil {
		return model.InstrumentConstraints{}, err
	}

	var payload struct {
		List []struct {
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				QtyStep     string `json:"qtyStep"`
				MinNotional string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return model.InstrumentConstraints{}, fmt.Errorf("decode instruments info failed: %w", err)
	}
	if len(payload.List) == 0 {
		return model.InstrumentConstraints{}, fmt.Errorf("no instrument info for %s", symbol)
	}

	f := payload.List[0].LotSizeFilter
	constraints := model.InstrumentConstraints{
		MinQty:      service.StringToFloat(f.MinOrderQty),
		QtyStep:     service.StringToFloat(f.QtyStep),
		MinNotional: service.StringToFloat(f.MinNotional),
	}
	if constraints.MinQty <= 0 {
		constraints.MinQty = 0.001
	}
	if constraints.QtyStep <= 0 {
		constraints.QtyStep = 0.001
	}
	if constraints.MinNotional <= 0 {
		constraints.MinNotional = 5.0
	}
	return constraints, nil
}
