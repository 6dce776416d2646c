package model

import "time"

// OHLC groups the candle-style fields carried by a live tick.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Tick is one normalized price/quote update for a symbol. It is ephemeral:
// it lives only inside pipeline buffers and last-value maps.
type Tick struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	OHLC      OHLC      `json:"ohlc"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Valid reports whether the tick passes the cheap admission check.
func (t Tick) Valid() bool {
	return t.LastPrice > 0
}

// SameQuote reports whether two ticks are identical across all
// broadcast-relevant fields.
func (t Tick) SameQuote(o Tick) bool {
	return t.LastPrice == o.LastPrice &&
		t.Volume == o.Volume &&
		t.Bid == o.Bid &&
		t.Ask == o.Ask
}

// Candle is one historical kline bar fetched over REST.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Quote is the latest known state of a symbol, served from cache or the
// most recent candle.
type Quote struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	OHLC      OHLC      `json:"ohlc"`
	Timestamp time.Time `json:"timestamp"`
}

// SymbolInfo is one entry of a symbol search result.
type SymbolInfo struct {
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Exchange string  `json:"exchange"`
	Segment  string  `json:"segment"`
	TickSize float64 `json:"tickSize"`
	LotSize  float64 `json:"lotSize"`
}
