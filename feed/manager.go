// Package feed partitions subscribed symbols across a pool of upstream
// websocket workers and keeps each worker's subscription reconciled with
// its assignment. Interest in a symbol expires unless renewed; essential
// symbols are always carried.
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mspk/alltick"
	"mspk/model"
	"mspk/pool"
	"mspk/utils"
)

// TickHandler receives every normalized live tick.
type TickHandler func(model.Tick)

// Stats is a snapshot of the partitioning state.
type Stats struct {
	Workers        int
	FailedWorkers  int
	Symbols        int
	InterestActive int
}

// Manager maps desired symbols onto workers with a greedy first-fit pack:
// a symbol stays where it is while its worker has capacity, new symbols
// fill the first worker with room, overflow spawns a new worker.
type Manager struct {
	settings   model.Settings
	supervisor *pool.Supervisor
	client     *alltick.Client
	handler    TickHandler

	mu             sync.Mutex
	interest       map[string]time.Time // symbol -> expiry
	workers        []*worker
	symbolToWorker map[string]*worker
	nextWorkerID   int
}

func NewManager(settings model.Settings, supervisor *pool.Supervisor, client *alltick.Client, handler TickHandler) *Manager {
	return &Manager{
		settings:       settings,
		supervisor:     supervisor,
		client:         client,
		handler:        handler,
		interest:       make(map[string]time.Time),
		symbolToWorker: make(map[string]*worker),
	}
}

// Start seeds the essential symbols and runs the interest sweep until ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.Rebalance()
	go func() {
		ticker := time.NewTicker(m.settings.Feed.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// UpdateInterest renews the interest lease for each symbol and rebalances.
// An unknown symbol becomes desired immediately.
func (m *Manager) UpdateInterest(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	expiry := time.Now().Add(m.settings.Feed.InterestTTL)
	m.mu.Lock()
	for _, s := range symbols {
		m.interest[s] = expiry
	}
	m.mu.Unlock()
	m.Rebalance()
}

// sweep drops expired interest entries and rebalances when anything fell
// out.
func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	expired := 0
	for symbol, deadline := range m.interest {
		if deadline.Before(now) {
			delete(m.interest, symbol)
			expired++
		}
	}
	m.mu.Unlock()

	if expired > 0 {
		utils.Log.Infof("[Feed] Interest expired for %d symbols", expired)
		m.Rebalance()
	}
}

// desired returns essentials plus live-interest symbols, stable order.
func (m *Manager) desired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(m.interest)+len(m.settings.Feed.Essentials))
	out := make([]string, 0, len(m.interest)+len(m.settings.Feed.Essentials))
	for _, s := range m.settings.Feed.Essentials {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	extra := make([]string, 0, len(m.interest))
	for s := range m.interest {
		if _, ok := seen[s]; !ok {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// Rebalance recomputes the symbol -> worker assignment and pushes the new
// full sets to every worker whose assignment changed. It is idempotent:
// with unchanged inputs no frames are sent.
func (m *Manager) Rebalance() {
	desired := m.desired()
	capacity := m.settings.Feed.MaxSymbolsPerWorker

	m.mu.Lock()

	next := make(map[string]*worker, len(desired))
	load := make(map[*worker]int, len(m.workers))

	// Pass 1: keep placed symbols where they are while capacity allows.
	// Symbols on a terminally failed worker stay there, dark, until an
	// operator removes the connection; rehoming them would mask the outage.
	for _, symbol := range desired {
		w, ok := m.symbolToWorker[symbol]
		if !ok {
			continue
		}
		if w.isFailed() {
			next[symbol] = w
			continue
		}
		if load[w] < capacity {
			next[symbol] = w
			load[w]++
		}
	}

	// Pass 2: first-fit for everything still unplaced.
	for _, symbol := range desired {
		if _, ok := next[symbol]; ok {
			continue
		}
		placed := false
		for _, w := range m.workers {
			if w.isFailed() {
				continue
			}
			if load[w] < capacity {
				next[symbol] = w
				load[w]++
				placed = true
				break
			}
		}
		if !placed {
			w := m.spawnWorker()
			next[symbol] = w
			load[w] = 1
		}
	}

	m.symbolToWorker = next

	assignments := make(map[*worker][]string, len(m.workers))
	for symbol, w := range next {
		assignments[w] = append(assignments[w], symbol)
	}
	workers := make([]*worker, len(m.workers))
	copy(workers, m.workers)
	m.mu.Unlock()

	for _, w := range workers {
		if w.isFailed() {
			continue
		}
		symbols := assignments[w]
		sort.Strings(symbols)
		w.assign(symbols)
	}
}

// spawnWorker creates the next worker. Caller holds m.mu.
func (m *Manager) spawnWorker() *worker {
	m.nextWorkerID++
	id := fmt.Sprintf("alltick_feed_%d", m.nextWorkerID)
	w := newWorker(m, id)
	m.workers = append(m.workers, w)
	utils.Log.Infof("[Feed] Spawned worker %s (total %d)", id, len(m.workers))
	return w
}

// WorkerFor returns the id of the worker carrying symbol.
func (m *Manager) WorkerFor(symbol string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.symbolToWorker[symbol]
	if !ok {
		return "", false
	}
	return w.id, true
}

// ActiveSymbols returns every symbol currently assigned to a live worker.
func (m *Manager) ActiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.symbolToWorker))
	for symbol := range m.symbolToWorker {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Stats returns a snapshot of partitioning counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed := 0
	for _, w := range m.workers {
		if w.isFailed() {
			failed++
		}
	}
	return Stats{
		Workers:        len(m.workers),
		FailedWorkers:  failed,
		Symbols:        len(m.symbolToWorker),
		InterestActive: len(m.interest),
	}
}

// deliver forwards a normalized tick to the registered handler.
func (m *Manager) deliver(tick model.Tick) {
	if m.handler != nil {
		m.handler(tick)
	}
}

// refreshConnected recomputes overall feed connectivity from worker states.
func (m *Manager) refreshConnected() {
	m.mu.Lock()
	workers := make([]*worker, len(m.workers))
	copy(workers, m.workers)
	m.mu.Unlock()

	for _, w := range workers {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn != nil && conn.State() == pool.StateOpen {
			m.client.SetConnected(true)
			return
		}
	}
	m.client.SetConnected(false)
}

// Stop detaches every worker from its connection. Sockets themselves are
// torn down by the pool supervisor.
func (m *Manager) Stop() {
	m.mu.Lock()
	workers := make([]*worker, len(m.workers))
	copy(workers, m.workers)
	m.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}
