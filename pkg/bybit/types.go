package bybit

import json "github.com/goccy/go-json"

// BybitResponse represents a generic response from Bybit's V5 REST API.
// This structure covers the standard response envelope used across all endpoints.
type BybitResponse struct {
	RetCode    int                    `json:"retCode"`    // 0 means success; non-zero indicates an error code
	RetMsg     string                 `json:"retMsg"`     // Human-readable message describing the result or error
	Result     json.RawMessage        `json:"result"`     // Decoded per endpoint
	RetExtInfo map[string]interface{} `json:"retExtInfo"` // Optional extra info (e.g. rate limits, error hints)
	Time       int64                  `json:"time"`       // Server timestamp (in milliseconds since epoch)
}

// TickerListResponse is the result payload of /v5/market/tickers.
type TickerListResponse struct {
	Category string   `json:"category"` // e.g., "linear", "spot"
	List     []Ticker `json:"list"`
}

// Ticker carries the fields of a ticker we care about. Prices are strings on the wire.
type Ticker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

// TickerMessage is a public WebSocket push on a "tickers.<SYMBOL>" topic.
// Delta pushes only carry the fields that changed.
type TickerMessage struct {
	Topic string `json:"topic"` // e.g., "tickers.BTCUSDT"
	Type  string `json:"type"`  // "snapshot" or "delta"
	Ts    int64  `json:"ts"`    // Milliseconds
	Data  Ticker `json:"data"`
}

// TickerTopic returns the public stream topic for a symbol.
func TickerTopic(symbol string) string {
	return "tickers." + symbol
}
