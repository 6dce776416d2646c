package alltick

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"mspk/cache"
	"mspk/internal/requestClient"
	"mspk/model"
	"mspk/queue"
	"mspk/utils"
)

// klineTypes maps the interval names callers use to the provider's numeric
// kline_type.
var klineTypes = map[string]int{
	"1": 1, "1m": 1, "minute": 1,
	"3": 1, "5": 2, "5m": 2, "15": 3, "15m": 3,
	"30": 4, "30m": 4, "60": 5, "1h": 5, "1H": 5,
	"D": 8, "1D": 8, "day": 8, "W": 9, "1W": 9, "M": 10, "1M": 10,
}

const (
	klinePageSize = 500
	klineMaxPages = 5
)

// Client is the REST side of the provider. Every remote call funnels
// through the shared request queue; historical responses are cached across
// all three tiers.
type Client struct {
	settings model.ProviderSettings
	http     *http.Client
	queue    *queue.Queue
	cache    *cache.Cache
	store    cache.Store // optional, for the daily request counter

	pageDelay time.Duration

	latencyMs int64
	connected atomic.Bool
}

// NewClient builds the REST client. store may be nil.
func NewClient(settings model.ProviderSettings, q *queue.Queue, c *cache.Cache, store cache.Store) *Client {
	return &Client{
		settings:  settings,
		http:      requestClient.New(),
		queue:     q,
		cache:     c,
		store:     store,
		pageDelay: 1200 * time.Millisecond,
	}
}

// SetConnected records the live-feed connectivity state.
func (c *Client) SetConnected(up bool) { c.connected.Store(up) }

// Connected reports whether any live feed connection is open.
func (c *Client) Connected() bool { return c.connected.Load() }

// SetLatency records the most recent heartbeat round trip.
func (c *Client) SetLatency(rtt time.Duration) {
	ms := rtt.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	atomic.StoreInt64(&c.latencyMs, ms)
}

// Latency returns the last measured heartbeat round trip.
func (c *Client) Latency() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.latencyMs)) * time.Millisecond
}

// countRequest bumps the per-day outbound request counter in the shared
// store. Best effort only.
func (c *Client) countRequest() {
	if c.store == nil {
		return
	}
	key := "alltick_requests_" + time.Now().Format("2006-01-02")
	if _, err := c.store.Incr(key); err != nil {
		utils.Log.Debugf("[AllTick] Request counter error: %v", err)
	}
}

// GetHistory fetches kline bars for [from, to], newest pages first, through
// cache and queue. A zero `to` means "up to now". The result is sorted
// ascending by time with duplicates removed.
func (c *Client) GetHistory(ctx context.Context, symbol, interval string, from, to time.Time, priority int) ([]model.Candle, error) {
	if c.settings.Token == "" {
		utils.Log.Warnf("[AllTick] Token missing, skipping history for %s", symbol)
		return nil, nil
	}

	code := Code(symbol)
	fromTs := from.Unix()
	toTs := int64(0)
	if !to.IsZero() {
		toTs = to.Unix()
	}
	key := fmt.Sprintf("%s_%s_%d_%d", code, interval, fromTs, toTs)

	raw, err := c.cache.GetOrFetch(key, cache.TTLLong, func() ([]byte, error) {
		result, err := c.queue.Enqueue(ctx, key, priority, func() (any, error) {
			candles, err := c.fetchHistory(ctx, code, interval, fromTs, toTs)
			if err != nil {
				return nil, err
			}
			return json.Marshal(candles)
		})
		if err != nil {
			return nil, err
		}
		return result.([]byte), nil
	})
	if err != nil {
		return nil, err
	}

	var candles []model.Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, fmt.Errorf("decode cached history %s: %w", key, err)
	}
	return candles, nil
}

type klineBar struct {
	Timestamp  string `json:"timestamp"`
	OpenPrice  string `json:"open_price"`
	HighPrice  string `json:"high_price"`
	LowPrice   string `json:"low_price"`
	ClosePrice string `json:"close_price"`
	Volume     string `json:"volume"`
}

type klineResponse struct {
	Ret  int    `json:"ret"`
	Msg  string `json:"msg"`
	Data struct {
		KlineList []klineBar `json:"kline_list"`
	} `json:"data"`
}

// fetchHistory is the queue leaf: it pages backwards from toTs until the
// window start or the page cap, spacing pages to stay inside the provider
// budget. It runs inside the dispatcher, so it must never enqueue.
func (c *Client) fetchHistory(ctx context.Context, code, interval string, fromTs, toTs int64) ([]model.Candle, error) {
	klineType, ok := klineTypes[interval]
	if !ok {
		klineType = 1
	}

	var all []model.Candle
	currentEnd := toTs
	for page := 0; page < klineMaxPages; page++ {
		bars, err := c.fetchKlinePage(ctx, code, klineType, currentEnd)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			break
		}

		mapped := lo.FilterMap(bars, func(b klineBar, _ int) (model.Candle, bool) {
			candle := model.Candle{
				Time:   normalizeEpoch(b.Timestamp),
				Open:   parseFloat(b.OpenPrice),
				High:   parseFloat(b.HighPrice),
				Low:    parseFloat(b.LowPrice),
				Close:  parseFloat(b.ClosePrice),
				Volume: parseFloat(b.Volume),
			}
			return candle, candle.Time > 0 && candle.Close > 0
		})
		if len(mapped) == 0 {
			break
		}
		all = append(all, mapped...)

		first := mapped[0].Time
		if first <= fromTs {
			break
		}
		currentEnd = first

		// Pages burst inside one queue slot; keep provider spacing anyway.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pageDelay):
		}
	}

	all = lo.UniqBy(all, func(candle model.Candle) int64 { return candle.Time })
	sort.Slice(all, func(i, j int) bool { return all[i].Time < all[j].Time })
	return all, nil
}

func (c *Client) fetchKlinePage(ctx context.Context, code string, klineType int, endTs int64) ([]klineBar, error) {
	query, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"code":                code,
			"kline_type":          klineType,
			"kline_timestamp_end": endTs,
			"query_kline_num":     klinePageSize,
			"adjust_type":         0,
		},
	})
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("token", c.settings.Token)
	params.Set("query", string(query))
	reqURL := c.settings.BaseURL + "/kline?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	c.countRequest()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kline %s: %w", code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("kline %s: %w", code, queue.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kline %s: unexpected status %d", code, resp.StatusCode)
	}

	var body klineResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("kline %s: %w", code, err)
	}
	utils.Log.Debugf("[AllTick] Kline %s: ret=%d msg=%s count=%d", code, body.Ret, body.Msg, len(body.Data.KlineList))
	return body.Data.KlineList, nil
}

// GetQuote derives the latest quote for each symbol from its most recent
// hourly candle. It deliberately calls GetHistory directly instead of
// wrapping itself in the queue: rate limiting belongs at the leaf, and a
// queued composite awaiting a queued leaf would deadlock the dispatcher.
func (c *Client) GetQuote(ctx context.Context, symbols []string) map[string]model.Quote {
	results := make(map[string]model.Quote)
	if c.settings.Token == "" {
		utils.Log.Warn("[AllTick] Token missing, skipping quote")
		return results
	}

	for _, symbol := range symbols {
		to := time.Now()
		from := to.Add(-24 * time.Hour)
		candles, err := c.GetHistory(ctx, symbol, "1h", from, to, 2)
		if err != nil {
			utils.Log.Warnf("[AllTick] Quote failed for %s: %v", symbol, err)
			continue
		}
		if len(candles) == 0 {
			continue
		}
		last := candles[len(candles)-1]
		results[symbol] = model.Quote{
			Symbol:    symbol,
			LastPrice: last.Close,
			OHLC:      model.OHLC{Open: last.Open, High: last.High, Low: last.Low, Close: last.Close},
			Timestamp: time.Unix(last.Time, 0),
		}
	}
	return results
}

type searchResponse struct {
	Data struct {
		SymbolList []struct {
			Symbol       string `json:"symbol"`
			Name         string `json:"name"`
			NameEn       string `json:"name_en"`
			ExchangeCode string `json:"exchange_code"`
		} `json:"symbol_list"`
	} `json:"data"`
}

// Search matches the static popular table locally and merges in remote
// results at the lowest priority. Remote failures degrade to local matches.
func (c *Client) Search(ctx context.Context, query string) []model.SymbolInfo {
	local := PopularMatches(query)
	if query == "" {
		return local
	}
	if c.settings.Token == "" {
		utils.Log.Warn("[AllTick] Token missing, skipping live search")
		return local
	}

	key := "search_" + query
	result, err := c.queue.Enqueue(ctx, key, 3, func() (any, error) {
		return c.fetchSearch(ctx, query)
	})
	if err != nil {
		utils.Log.Warnf("[AllTick] Search failed for %q: %v", query, err)
		return local
	}

	remote := result.([]model.SymbolInfo)
	merged := local
	seen := lo.SliceToMap(local, func(s model.SymbolInfo) (string, struct{}) { return s.Symbol, struct{}{} })
	for _, s := range remote {
		if _, ok := seen[s.Symbol]; !ok {
			merged = append(merged, s)
		}
	}
	return merged
}

func (c *Client) fetchSearch(ctx context.Context, query string) ([]model.SymbolInfo, error) {
	queryObj, err := json.Marshal(map[string]any{"data": map[string]any{"symbol": query}})
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("token", c.settings.Token)
	params.Set("query", string(queryObj))
	reqURL := c.settings.BaseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	c.countRequest()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("search %q: %w", query, queue.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search %q: unexpected status %d", query, resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	results := make([]model.SymbolInfo, 0, len(body.Data.SymbolList))
	for _, s := range body.Data.SymbolList {
		name := s.NameEn
		if name == "" {
			name = s.Name
		}
		results = append(results, model.SymbolInfo{
			Symbol:   s.Symbol,
			Name:     name,
			Exchange: s.ExchangeCode,
			Segment:  MapSegment(s.ExchangeCode),
			TickSize: 0.01,
			LotSize:  1,
		})
	}
	return results, nil
}
