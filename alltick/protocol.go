// Package alltick speaks the upstream AllTick protocol: the JSON websocket
// framing with numeric command ids, and the rate-limited REST endpoints for
// historical klines and symbol search. Everything leaving this package is
// normalized into model types; raw frames never cross the boundary.
package alltick

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mspk/model"
)

// Websocket command ids. Requests and pushes share one numbering space.
const (
	CmdHeartbeat      = 22000
	CmdHeartbeatAck   = 22001
	CmdSubscribeDepth = 22002
	CmdSubscribeQuote = 22004
	CmdTickPush       = 22998
	CmdDepthPush      = 22999
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	CmdID int             `json:"cmd_id"`
	SeqID int64           `json:"seq_id"`
	Trace string          `json:"trace"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeFrame parses one raw websocket message.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// IsHeartbeat reports whether the frame answers (or is) an application
// heartbeat. Some gateways echo the trace instead of the ack cmd id.
func (f Frame) IsHeartbeat() bool {
	return f.CmdID == CmdHeartbeat || f.CmdID == CmdHeartbeatAck ||
		strings.HasPrefix(f.Trace, "hb-")
}

type subscribeEntry struct {
	Code       string `json:"code"`
	DepthLevel int    `json:"depth_level,omitempty"`
}

type subscribeData struct {
	SymbolList []subscribeEntry `json:"symbol_list"`
}

// HeartbeatFrame builds the application-level heartbeat request.
func HeartbeatFrame() ([]byte, error) {
	now := time.Now()
	return json.Marshal(Frame{
		CmdID: CmdHeartbeat,
		SeqID: now.Unix(),
		Trace: fmt.Sprintf("hb-%d", now.UnixMilli()),
	})
}

// SubscribeDepthFrame builds the full-set depth subscription. The frame
// replaces any previous subscription on the connection, which is what makes
// reconciliation idempotent.
func SubscribeDepthFrame(codes []string, depthLevel int) ([]byte, error) {
	if depthLevel <= 0 {
		depthLevel = 5
	}
	entries := make([]subscribeEntry, 0, len(codes))
	for _, code := range codes {
		entries = append(entries, subscribeEntry{Code: code, DepthLevel: depthLevel})
	}
	data, err := json.Marshal(subscribeData{SymbolList: entries})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return json.Marshal(Frame{
		CmdID: CmdSubscribeDepth,
		SeqID: now.Unix(),
		Trace: fmt.Sprintf("sub-depth-%d", now.UnixMilli()),
		Data:  data,
	})
}

// SubscribeQuoteFrame builds the last-trade-price subscription.
func SubscribeQuoteFrame(codes []string) ([]byte, error) {
	entries := make([]subscribeEntry, 0, len(codes))
	for _, code := range codes {
		entries = append(entries, subscribeEntry{Code: code})
	}
	data, err := json.Marshal(subscribeData{SymbolList: entries})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return json.Marshal(Frame{
		CmdID: CmdSubscribeQuote,
		SeqID: now.Unix(),
		Trace: fmt.Sprintf("sub-quote-%d", now.UnixMilli()),
		Data:  data,
	})
}

// tickPayload is the 22998 push body. All numbers arrive as strings.
type tickPayload struct {
	Code     string `json:"code"`
	Price    string `json:"price"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Bid      string `json:"bid"`
	Ask      string `json:"ask"`
	TickTime string `json:"tick_time"`
}

type depthLevelEntry struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
}

// depthPayload is the 22999 push body.
type depthPayload struct {
	Code     string            `json:"code"`
	Price    string            `json:"price"`
	Bids     []depthLevelEntry `json:"bids"`
	Asks     []depthLevelEntry `json:"asks"`
	TickTime string            `json:"tick_time"`
}

// ParseTick normalizes a 22998 push into a model tick. The symbol is mapped
// back from the provider code to its canonical name.
func ParseTick(data json.RawMessage) (model.Tick, error) {
	var p tickPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.Tick{}, fmt.Errorf("decode tick: %w", err)
	}
	price := parseFloat(p.Price)
	return model.Tick{
		Symbol:    DisplaySymbol(p.Code),
		LastPrice: price,
		OHLC: model.OHLC{
			Open:  parseFloat(p.Open),
			High:  parseFloat(p.High),
			Low:   parseFloat(p.Low),
			Close: price,
		},
		Bid:       parseFloat(p.Bid),
		Ask:       parseFloat(p.Ask),
		Volume:    parseFloat(p.Volume),
		Timestamp: parseTickTime(p.TickTime),
		Source:    "alltick",
	}, nil
}

// ParseDepth normalizes a 22999 push into a quote-style tick built from the
// top of book. Without a trade price it falls back to best bid, then ask.
func ParseDepth(data json.RawMessage) (model.Tick, error) {
	var p depthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.Tick{}, fmt.Errorf("decode depth: %w", err)
	}
	var bid, ask float64
	if len(p.Bids) > 0 {
		bid = parseFloat(p.Bids[0].Price)
	}
	if len(p.Asks) > 0 {
		ask = parseFloat(p.Asks[0].Price)
	}
	price := parseFloat(p.Price)
	if price == 0 {
		price = bid
	}
	if price == 0 {
		price = ask
	}
	return model.Tick{
		Symbol:    DisplaySymbol(p.Code),
		LastPrice: price,
		OHLC:      model.OHLC{Open: price, High: price, Low: price, Close: price},
		Bid:       bid,
		Ask:       ask,
		Timestamp: parseTickTime(p.TickTime),
		Source:    "alltick",
	}, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// normalizeEpoch parses a kline timestamp into epoch seconds, scaling
// millisecond-precision values down. Unparseable input yields zero.
func normalizeEpoch(s string) int64 {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return 0
	}
	if ts > 10_000_000_000 {
		return ts / 1000
	}
	return ts
}

// parseTickTime handles both millisecond and second precision timestamps.
func parseTickTime(s string) time.Time {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return time.Now()
	}
	if ts > 10_000_000_000 {
		return time.UnixMilli(ts)
	}
	return time.Unix(ts, 0)
}
