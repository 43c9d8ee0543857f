package bybit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var ErrSymbolNotFound = errors.New("bybit: symbol not found")

type RESTClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *RESTClient) HTTPClient() *http.Client {
	return c.httpClient
}

// GetTicker fetches the current ticker of one symbol from /v5/market/tickers.
func (c *RESTClient) GetTicker(ctx context.Context, category, symbol string) (Ticker, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	endpoint := c.baseURL + "/v5/market/tickers?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Ticker{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Ticker{}, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Ticker{}, fmt.Errorf("bybit error: %s", body)
	}

	var rawResp BybitResponse
	if err := json.NewDecoder(resp.Body).Decode(&rawResp); err != nil {
		return Ticker{}, fmt.Errorf("decode response: %w", err)
	}
	if rawResp.RetCode != 0 {
		return Ticker{}, fmt.Errorf("bybit retCode %d: %s", rawResp.RetCode, rawResp.RetMsg)
	}

	var result TickerListResponse
	if err := json.Unmarshal(rawResp.Result, &result); err != nil {
		return Ticker{}, fmt.Errorf("decode result: %w", err)
	}

	for _, t := range result.List {
		if t.Symbol == symbol {
			return t, nil
		}
	}
	return Ticker{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
}

// GetLastPrice returns the last traded price of a symbol.
func (c *RESTClient) GetLastPrice(ctx context.Context, category, symbol string) (float64, error) {
	t, err := c.GetTicker(ctx, category, symbol)
	if err != nil {
		return 0, err
	}
	return ParsePrice(t.LastPrice)
}

// ParsePrice converts a wire price string into a positive float.
func ParsePrice(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("non-positive price %q", s)
	}
	f, _ := d.Float64()
	return f, nil
}
