// Package pipeline is the consumer-facing delivery stage: it filters,
// deduplicates and prioritizes normalized ticks into bounded ring buffers
// and drains them cooperatively to a broadcast callback. Slow consumers can
// never block the producer; under overload the oldest unread tick is
// overwritten.
package pipeline

import (
	"runtime"
	"sync"

	"mspk/model"
	"mspk/utils"
)

// BroadcastFunc receives one tick at a time. It must not block; a panic is
// caught per-call so one bad consumer cannot halt the drain loop.
type BroadcastFunc func(model.Tick)

// Stats counts pipeline admissions and outcomes.
type Stats struct {
	In      int64
	Out     int64
	Dropped int64
	Dupes   int64
}

// Pipeline routes ticks for "active" symbols through a high-priority ring
// and everything else through a normal ring. One cooperative loop drains
// high fully before normal, yielding between batches.
type Pipeline struct {
	mu       sync.Mutex
	high     *model.RingBuffer[model.Tick]
	normal   *model.RingBuffer[model.Tick]
	active   map[string]struct{}
	last     map[string]model.Tick
	stats    Stats
	running  bool
	draining bool

	batchSize int
	broadcast BroadcastFunc
}

func New(settings model.PipelineSettings) *Pipeline {
	batch := settings.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Pipeline{
		high:      model.NewRingBuffer[model.Tick](settings.HighCapacity),
		normal:    model.NewRingBuffer[model.Tick](settings.NormalCapacity),
		active:    make(map[string]struct{}),
		last:      make(map[string]model.Tick),
		batchSize: batch,
	}
}

// Start installs the broadcast sink and enables draining.
func (p *Pipeline) Start(fn BroadcastFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = fn
	p.running = true
}

// Stop disables draining. Buffered ticks stay in place.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
}

// SetActiveSymbols replaces the set of symbols routed to the high-priority
// buffer.
func (p *Pipeline) SetActiveSymbols(symbols []string) {
	active := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		active[s] = struct{}{}
	}
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
}

// Push admits one tick: invalid ticks are dropped, ticks identical to the
// last accepted one for the symbol are discarded as duplicates, everything
// else is buffered and the drain loop is scheduled if idle.
func (p *Pipeline) Push(tick model.Tick) {
	p.mu.Lock()
	p.stats.In++

	if !tick.Valid() {
		p.stats.Dropped++
		p.mu.Unlock()
		return
	}

	if last, ok := p.last[tick.Symbol]; ok && last.SameQuote(tick) {
		p.stats.Dupes++
		p.mu.Unlock()
		return
	}
	p.last[tick.Symbol] = tick

	if _, ok := p.active[tick.Symbol]; ok {
		p.high.Push(tick)
	} else {
		p.normal.Push(tick)
	}

	schedule := p.running && !p.draining
	if schedule {
		p.draining = true
	}
	p.mu.Unlock()

	if schedule {
		go p.drain()
	}
}

// LastTick returns the most recently admitted tick for a symbol.
func (p *Pipeline) LastTick(symbol string) (model.Tick, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tick, ok := p.last[symbol]
	return tick, ok
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// drain processes up to batchSize ticks per pass, high priority fully
// before normal, yields to the scheduler between passes and goes idle once
// both buffers are empty.
func (p *Pipeline) drain() {
	for {
		batch, fn := p.takeBatch()
		if len(batch) == 0 {
			return
		}
		for _, tick := range batch {
			p.deliver(fn, tick)
		}
		runtime.Gosched()
	}
}

// takeBatch pops the next batch under the lock, flipping the pipeline to
// idle when there is nothing left (or it was stopped).
func (p *Pipeline) takeBatch() ([]model.Tick, BroadcastFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		p.draining = false
		return nil, nil
	}

	batch := make([]model.Tick, 0, p.batchSize)
	for len(batch) < p.batchSize {
		tick, ok := p.high.Pop()
		if !ok {
			break
		}
		batch = append(batch, tick)
	}
	for len(batch) < p.batchSize {
		tick, ok := p.normal.Pop()
		if !ok {
			break
		}
		batch = append(batch, tick)
	}

	if len(batch) == 0 {
		p.draining = false
		return nil, nil
	}
	p.stats.Out += int64(len(batch))
	return batch, p.broadcast
}

func (p *Pipeline) deliver(fn BroadcastFunc, tick model.Tick) {
	defer func() {
		if r := recover(); r != nil {
			utils.Log.Errorf("[Pipeline] Broadcast panic for %s: %v", tick.Symbol, r)
		}
	}()
	if fn != nil {
		fn(tick)
	}
}
