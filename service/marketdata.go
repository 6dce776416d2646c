// Package service glues the subsystems together: live ticks flow from the
// feed manager through the delivery pipeline to subscribers, while quote,
// history and search requests are served from live state, cache and the
// REST client in that order.
package service

import (
	"context"
	"sync"
	"time"

	"mspk/alltick"
	"mspk/cache"
	"mspk/feed"
	"mspk/model"
	"mspk/pipeline"
	"mspk/utils"
)

// Subscriber receives every tick that clears the pipeline.
type Subscriber func(model.Tick)

// MarketData is the application facade over feed, pipeline, cache and
// client.
type MarketData struct {
	settings model.Settings
	manager  *feed.Manager
	pipeline *pipeline.Pipeline
	cache    *cache.Cache
	client   *alltick.Client

	lastQuote *model.ThreadSafeMap[string, model.Tick]

	mu          sync.Mutex
	subscribers []Subscriber
}

func NewMarketData(settings model.Settings, manager *feed.Manager, pl *pipeline.Pipeline, c *cache.Cache, client *alltick.Client) *MarketData {
	return &MarketData{
		settings:  settings,
		manager:   manager,
		pipeline:  pl,
		cache:     c,
		client:    client,
		lastQuote: model.NewThreadSafeMap[string, model.Tick](),
	}
}

// Start wires feed -> pipeline -> subscribers and launches the background
// loops.
func (m *MarketData) Start(ctx context.Context) {
	m.pipeline.Start(m.broadcast)
	m.cache.Start(ctx)
	m.manager.Start(ctx)
	utils.Log.Info("[MarketData] Service started")
}

// Stop halts delivery and detaches the feed workers.
func (m *MarketData) Stop() {
	m.manager.Stop()
	m.pipeline.Stop()
	utils.Log.Info("[MarketData] Service stopped")
}

// Subscribe registers a consumer for live ticks.
func (m *MarketData) Subscribe(fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// OnTick is the feed manager's tick handler: it feeds the pipeline's
// admission stage. Everything downstream (dedup, priority, fan-out)
// happens inside the pipeline.
func (m *MarketData) OnTick(tick model.Tick) {
	m.pipeline.Push(tick)
}

// broadcast runs after a tick clears the pipeline: record it as the live
// quote, drop the now-stale cached REST quote, then fan out.
func (m *MarketData) broadcast(tick model.Tick) {
	m.lastQuote.Set(tick.Symbol, tick)
	m.cache.Invalidate("quote_" + tick.Symbol)

	m.mu.Lock()
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(tick)
	}
}

// UpdateInterest renews the live-feed lease for the symbols and makes the
// pipeline treat them as high priority.
func (m *MarketData) UpdateInterest(symbols []string) {
	m.manager.UpdateInterest(symbols)
	m.pipeline.SetActiveSymbols(m.manager.ActiveSymbols())
}

// GetQuote serves quotes from live state when fresh, falling back to the
// REST path for anything the feed has not delivered recently.
func (m *MarketData) GetQuote(ctx context.Context, symbols []string) map[string]model.Quote {
	results := make(map[string]model.Quote, len(symbols))
	var missing []string

	for _, symbol := range symbols {
		tick, ok := m.lastQuote.Get(symbol)
		if ok && time.Since(tick.Timestamp) < 5*time.Minute {
			results[symbol] = model.Quote{
				Symbol:    symbol,
				LastPrice: tick.LastPrice,
				OHLC:      tick.OHLC,
				Timestamp: tick.Timestamp,
			}
			continue
		}
		missing = append(missing, symbol)
	}

	if len(missing) > 0 {
		for symbol, quote := range m.client.GetQuote(ctx, missing) {
			results[symbol] = quote
		}
	}
	return results
}

// GetHistory proxies to the REST client.
func (m *MarketData) GetHistory(ctx context.Context, symbol, interval string, from, to time.Time) ([]model.Candle, error) {
	return m.client.GetHistory(ctx, symbol, interval, from, to, 2)
}

// Search proxies to the REST client.
func (m *MarketData) Search(ctx context.Context, query string) []model.SymbolInfo {
	return m.client.Search(ctx, query)
}

// LastTick returns the most recent live tick for a symbol.
func (m *MarketData) LastTick(symbol string) (model.Tick, bool) {
	return m.lastQuote.Get(symbol)
}

// Status summarizes service health for operators.
type Status struct {
	Connected bool
	Latency   time.Duration
	Feed      feed.Stats
	Pipeline  pipeline.Stats
	Cache     cache.Stats
}

func (m *MarketData) Status() Status {
	return Status{
		Connected: m.client.Connected(),
		Latency:   m.client.Latency(),
		Feed:      m.manager.Stats(),
		Pipeline:  m.pipeline.Stats(),
		Cache:     m.cache.Stats(),
	}
}
