package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Client is a REST client for the Binance Spot API.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewClient creates a Binance REST client. The rate limiter is applied to
// every signed request; public market-data calls go through it as well so a
// burst of kline bootstraps cannot trip the exchange ban window.
func NewClient(apiKey, secretKey, baseURL string, limiter *RateLimiter) *Client {
	if limiter == nil {
		limiter = NewRateLimiter(10)
	}
	return &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
	}
}

// HasCredentials reports whether API key and secret are configured.
func (c *Client) HasCredentials() bool {
	return c.apiKey != "" && c.secretKey != ""
}

// GetKlines fetches up to limit closed candles for a symbol and interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		k, ok := parseKlineRow(raw)
		if !ok {
			// Malformed rows are dropped rather than failing the batch.
			continue
		}
		klines = append(klines, k)
	}

	return klines, nil
}

// parseKlineRow converts one REST kline array into a Kline. Rows with
// missing or wrong-typed fields are reported as not ok instead of panicking.
func parseKlineRow(raw []interface{}) (Kline, bool) {
	if len(raw) < 11 {
		return Kline{}, false
	}
	openTime, ok := asInt64(raw[0])
	if !ok {
		return Kline{}, false
	}
	closeTime, ok := asInt64(raw[6])
	if !ok {
		return Kline{}, false
	}
	trades, ok := asInt64(raw[8])
	if !ok {
		return Kline{}, false
	}

	k := Kline{
		OpenTime:                 openTime,
		Open:                     parseFloat(raw[1]),
		High:                     parseFloat(raw[2]),
		Low:                      parseFloat(raw[3]),
		Close:                    parseFloat(raw[4]),
		Volume:                   parseFloat(raw[5]),
		CloseTime:                closeTime,
		QuoteAssetVolume:         parseFloat(raw[7]),
		NumberOfTrades:           int(trades),
		TakerBuyBaseAssetVolume:  parseFloat(raw[9]),
		TakerBuyQuoteAssetVolume: parseFloat(raw[10]),
		IsClosed:                 true,
	}
	k.Enrich()
	return k, true
}

func asInt64(v interface{}) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Get24hrTickers fetches 24hr ticker data for all symbols.
func (c *Client) Get24hrTickers(ctx context.Context) ([]Ticker24hr, error) {
	body, err := c.get(ctx, "/api/v3/ticker/24hr", nil)
	if err != nil {
		return nil, err
	}

	var tickers []Ticker24hr
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("error parsing tickers: %w", err)
	}
	return tickers, nil
}

// GetCurrentPrice fetches the current price for a symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.get(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return 0, err
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return priceResp.Price, nil
}

// PlaceOrder places a new order. Params must include symbol, side, type and
// the quantity/price fields the order type requires.
func (c *Client) PlaceOrder(ctx context.Context, params map[string]string) (*OrderResponse, error) {
	body, err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(body, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &orderResp, nil
}

// CancelOrder cancels an existing order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderId int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderId, 10),
	}
	if _, err := c.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params); err != nil {
		return fmt.Errorf("error canceling order: %w", err)
	}
	return nil
}

// GetOpenOrders fetches all open orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := map[string]string{"symbol": symbol}
	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}

	var orders []OpenOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}
	return orders, nil
}

// GetBalance returns the free balance of a single asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/account", map[string]string{})
	if err != nil {
		return 0, fmt.Errorf("error fetching account: %w", err)
	}

	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, fmt.Errorf("error parsing account: %w", err)
	}
	for _, b := range info.Balances {
		if b.Asset == asset {
			return b.Free, nil
		}
	}
	return 0, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	c.limiter.Wait(ctx)

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}
	return body, nil
}

func (c *Client) signedRequest(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	if !c.HasCredentials() {
		return nil, fmt.Errorf("no API credentials configured")
	}

	c.limiter.Wait(ctx)

	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["signature"] = c.sign(params)

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = values.Encode()
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}
	return body, nil
}

// sign creates an HMAC-SHA256 signature over the sorted query string.
func (c *Client) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "signature" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	query := strings.Join(parts, "&")

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
