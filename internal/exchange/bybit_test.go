package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(server *httptest.Server) *Client {
	return &Client{
		apiKey:     "test-key",
		apiSecret:  "test-secret",
		marketURL:  server.URL,
		tradingURL: server.URL,
		httpClient: server.Client(),
		logger:     zap.NewNop(),
		prices:     make(map[string]cachedPrice),
	}
}

func TestSignDeterministic(t *testing.T) {
	c := &Client{apiKey: "key", apiSecret: "secret"}
	s1 := c.sign("1700000000000", "category=linear&symbol=BTCUSDT")
	s2 := c.sign("1700000000000", "category=linear&symbol=BTCUSDT")
	if s1 != s2 {
		t.Error("signature must be deterministic")
	}
	if len(s1) != 64 {
		t.Errorf("signature length: got %d, want 64 hex chars", len(s1))
	}
	if s1 == c.sign("1700000000000", "category=linear&symbol=ETHUSDT") {
		t.Error("different payloads must produce different signatures")
	}
}

func TestCompactSortedJSON(t *testing.T) {
	got, err := compactSortedJSON(map[string]string{
		"symbol":   "BTCUSDT",
		"category": "linear",
		"qty":      "0.020",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"category":"linear","qty":"0.020","symbol":"BTCUSDT"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestGetCandlesReversesOrder(t *testing.T) {
	// Bybit 返回按时间倒序，客户端要转成升序
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			["1700001800000","102","103","101","102.5","2000","205000"],
			["1700000900000","101","102","100","101.5","1500","152250"],
			["1700000000000","100","101","99","100.5","1000","100500"]
		]}}`))
	}))
	defer server.Close()

	c := newTestClient(server)
	candles, err := c.GetCandles(context.Background(), "BTCUSDT", "15", 3)
	if err != nil {
		t.Fatalf("GetCandles failed: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("got %d candles", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].StartTime.After(candles[i-1].StartTime) {
			t.Fatal("candles must be in ascending time order")
		}
	}
	if candles[0].Close != 100.5 || candles[2].Close != 102.5 {
		t.Errorf("closes: %f ... %f", candles[0].Close, candles[2].Close)
	}
}

func TestGetTrendingSymbolsFiltersAndSorts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"ETHUSDT","turnover24h":"500"},
			{"symbol":"BTCUSD","turnover24h":"9999"},
			{"symbol":"BTCUSDT","turnover24h":"1000"},
			{"symbol":"ADAUSDT","turnover24h":"100"}
		]}}`))
	}))
	defer server.Close()

	c := newTestClient(server)
	symbols, err := c.GetTrendingSymbols(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetTrendingSymbols failed: %v", err)
	}
	// BTCUSD 不是 USDT 对，被过滤；剩下按成交额降序取前 2
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Errorf("got %v, want [BTCUSDT ETHUSDT]", symbols)
	}
}

func TestGetOpenPositionsSkipsZeroSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","side":"Buy","size":"0.5","avgPrice":"50000","unrealisedPnl":"12.5"},
			{"symbol":"ETHUSDT","side":"","size":"0","avgPrice":"0","unrealisedPnl":"0"}
		]}}`))
	}))
	defer server.Close()

	c := newTestClient(server)
	positions, err := c.GetOpenPositions(context.Background(), "")
	if err != nil {
		t.Fatalf("GetOpenPositions failed: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	p := positions[0]
	if p.Symbol != "BTCUSDT" || p.Size != 0.5 || p.AvgPrice != 50000 {
		t.Errorf("position: %+v", p)
	}
}

func TestSetLeverageToleratesNotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":110043,"retMsg":"leverage not modified","result":{}}`))
	}))
	defer server.Close()

	c := newTestClient(server)
	if err := c.SetLeverage(context.Background(), "BTCUSDT", 10); err != nil {
		t.Errorf("110043 should not be an error: %v", err)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{}}`))
	}))
	defer server.Close()

	c := newTestClient(server)
	_, err := c.GetCandles(context.Background(), "BTCUSDT", "15", 10)
	if err == nil {
		t.Fatal("expected api error")
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != 10001 {
		t.Errorf("got %v", err)
	}
}

func TestGetCurrentPricePrefersFreshCache(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"lastPrice":"50000"}]}}`))
	}))
	defer server.Close()

	c := newTestClient(server)
	c.UpdatePrice("BTCUSDT", 49999)

	price, err := c.GetCurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if price != 49999 || calls != 0 {
		t.Errorf("fresh cache should skip REST: price=%f calls=%d", price, calls)
	}

	// 缓存过期后回退 REST
	c.priceMu.Lock()
	c.prices["BTCUSDT"] = cachedPrice{price: 49999, updatedAt: time.Now().Add(-time.Minute)}
	c.priceMu.Unlock()

	price, err = c.GetCurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if price != 50000 || calls != 1 {
		t.Errorf("stale cache should hit REST: price=%f calls=%d", price, calls)
	}
}

func TestGetInstrumentConstraintsDefaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"lotSizeFilter":{}}]}}`))
	}))
	defer server.Close()

	c := newTestClient(server)
	got, err := c.GetInstrumentConstraints(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if got.MinQty != 0.001 || got.QtyStep != 0.001 || got.MinNotional != 5.0 {
		t.Errorf("defaults: %+v", got)
	}
}
