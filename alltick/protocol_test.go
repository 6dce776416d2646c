package alltick

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	raw := []byte(`{"cmd_id":22998,"seq_id":7,"trace":"t-1","data":{"code":"GOLD","price":"2400.5"}}`)
	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, CmdTickPush, f.CmdID)
	assert.Equal(t, int64(7), f.SeqID)
	assert.NotEmpty(t, f.Data)

	_, err = DecodeFrame([]byte("not json"))
	assert.Error(t, err)
}

func TestFrameIsHeartbeat(t *testing.T) {
	assert.True(t, Frame{CmdID: CmdHeartbeat}.IsHeartbeat())
	assert.True(t, Frame{CmdID: CmdHeartbeatAck}.IsHeartbeat())
	assert.True(t, Frame{CmdID: 0, Trace: "hb-123"}.IsHeartbeat())
	assert.False(t, Frame{CmdID: CmdTickPush, Trace: "sub-1"}.IsHeartbeat())
}

func TestSubscribeDepthFrame(t *testing.T) {
	raw, err := SubscribeDepthFrame([]string{"GOLD", "USOIL"}, 0)
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, CmdSubscribeDepth, f.CmdID)

	var data subscribeData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	require.Len(t, data.SymbolList, 2)
	assert.Equal(t, "GOLD", data.SymbolList[0].Code)
	// depth_level defaults when unset
	assert.Equal(t, 5, data.SymbolList[0].DepthLevel)
}

func TestSubscribeQuoteFrame(t *testing.T) {
	raw, err := SubscribeQuoteFrame([]string{"BTCUSDT"})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, CmdSubscribeQuote, f.CmdID)

	var data subscribeData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	require.Len(t, data.SymbolList, 1)
	assert.Equal(t, "BTCUSDT", data.SymbolList[0].Code)
	assert.Zero(t, data.SymbolList[0].DepthLevel)
}

func TestParseTick(t *testing.T) {
	data := json.RawMessage(`{
		"code":"GOLD","price":"2400.5","open":"2390.0","high":"2410.0",
		"low":"2385.0","volume":"1520","bid":"2400.4","ask":"2400.6",
		"tick_time":"1721900000000"
	}`)
	tick, err := ParseTick(data)
	require.NoError(t, err)

	assert.Equal(t, "XAUUSD", tick.Symbol)
	assert.Equal(t, 2400.5, tick.LastPrice)
	assert.Equal(t, 2400.5, tick.OHLC.Close)
	assert.Equal(t, 2390.0, tick.OHLC.Open)
	assert.Equal(t, 2400.4, tick.Bid)
	assert.Equal(t, 2400.6, tick.Ask)
	assert.Equal(t, 1520.0, tick.Volume)
	assert.Equal(t, time.UnixMilli(1721900000000), tick.Timestamp)
	assert.Equal(t, "alltick", tick.Source)
}

func TestParseDepthTopOfBook(t *testing.T) {
	data := json.RawMessage(`{
		"code":"USOIL",
		"bids":[{"price":"78.40","volume":"10"},{"price":"78.39","volume":"4"}],
		"asks":[{"price":"78.42","volume":"8"}],
		"tick_time":"1721900000"
	}`)
	tick, err := ParseDepth(data)
	require.NoError(t, err)

	assert.Equal(t, "WTICOUSD", tick.Symbol)
	assert.Equal(t, 78.40, tick.Bid)
	assert.Equal(t, 78.42, tick.Ask)
	// No trade price in the frame: falls back to best bid.
	assert.Equal(t, 78.40, tick.LastPrice)
	assert.True(t, tick.Valid())
	assert.Zero(t, tick.Volume)
}

func TestParseDepthAskFallback(t *testing.T) {
	data := json.RawMessage(`{"code":"GOLD","asks":[{"price":"2400.6","volume":"1"}]}`)
	tick, err := ParseDepth(data)
	require.NoError(t, err)
	assert.Equal(t, 2400.6, tick.LastPrice)
}

func TestParseDepthEmptyBookIsInvalid(t *testing.T) {
	tick, err := ParseDepth(json.RawMessage(`{"code":"GOLD"}`))
	require.NoError(t, err)
	assert.False(t, tick.Valid())
}

func TestParseTickTimePrecision(t *testing.T) {
	assert.Equal(t, time.Unix(1721900000, 0), parseTickTime("1721900000"))
	assert.Equal(t, time.UnixMilli(1721900000123), parseTickTime("1721900000123"))
	// Garbage timestamps fall back to wall clock.
	assert.WithinDuration(t, time.Now(), parseTickTime("nope"), time.Second)
}
