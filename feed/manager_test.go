package feed

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mspk/alltick"
	"mspk/model"
	"mspk/pool"
)

// testSettings keeps the token empty so workers never open sockets; the
// partitioning logic is fully exercisable offline.
func testSettings() model.Settings {
	return model.Settings{
		Provider: model.ProviderSettings{BaseURL: "http://unused", WsURL: "wss://unused"},
		Pool:     model.PoolSettings{MaxConnections: 10, MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second},
		Feed: model.FeedSettings{
			MaxSymbolsPerWorker: 200,
			InterestTTL:         time.Minute,
			SweepInterval:       time.Minute,
			ReconcileDebounce:   10 * time.Millisecond,
			HeartbeatInterval:   time.Minute,
			DepthLevel:          5,
		},
	}
}

func newTestManager(t *testing.T, settings model.Settings) *Manager {
	t.Helper()
	client := alltick.NewClient(settings.Provider, nil, nil, nil)
	return NewManager(settings, pool.NewSupervisor(settings.Pool.MaxConnections), client, nil)
}

func symbolRange(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("SYM%03d", i))
	}
	return out
}

func TestRebalanceSplitsAcrossWorkers(t *testing.T) {
	m := newTestManager(t, testSettings())

	m.UpdateInterest(symbolRange(250))

	stats := m.Stats()
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 250, stats.Symbols)

	counts := []int{m.workers[0].symbolCount(), m.workers[1].symbolCount()}
	assert.ElementsMatch(t, []int{200, 50}, counts)
}

func TestRebalanceIsStable(t *testing.T) {
	m := newTestManager(t, testSettings())

	m.UpdateInterest(symbolRange(250))
	workerBefore, ok := m.WorkerFor("SYM000")
	require.True(t, ok)

	// Renewing interest must not shuffle placed symbols.
	m.UpdateInterest(symbolRange(250))
	workerAfter, ok := m.WorkerFor("SYM000")
	require.True(t, ok)
	assert.Equal(t, workerBefore, workerAfter)
	assert.Equal(t, 2, m.Stats().Workers)
}

func TestRebalanceFillsFreedCapacityFirst(t *testing.T) {
	settings := testSettings()
	settings.Feed.MaxSymbolsPerWorker = 2
	settings.Feed.InterestTTL = 30 * time.Millisecond
	m := newTestManager(t, settings)

	m.UpdateInterest([]string{"A", "B", "C"})
	require.Equal(t, 2, m.Stats().Workers)

	// A and B lapse; C gets renewed.
	time.Sleep(50 * time.Millisecond)
	m.UpdateInterest([]string{"C"})
	m.sweep()

	stats := m.Stats()
	assert.Equal(t, 1, stats.Symbols)

	// New arrivals pack into the first worker's freed slots, no third
	// worker appears.
	m.UpdateInterest([]string{"D", "E"})
	assert.Equal(t, 2, m.Stats().Workers)
	assert.Equal(t, 3, m.Stats().Symbols)
}

func TestInterestExpiry(t *testing.T) {
	settings := testSettings()
	settings.Feed.InterestTTL = 20 * time.Millisecond
	m := newTestManager(t, settings)

	m.UpdateInterest([]string{"GOLD", "USOIL"})
	assert.Equal(t, 2, m.Stats().InterestActive)

	time.Sleep(10 * time.Millisecond)
	m.UpdateInterest([]string{"GOLD"}) // renew only GOLD

	time.Sleep(15 * time.Millisecond)
	m.sweep()

	stats := m.Stats()
	assert.Equal(t, 1, stats.InterestActive)
	_, ok := m.WorkerFor("GOLD")
	assert.True(t, ok)
	_, ok = m.WorkerFor("USOIL")
	assert.False(t, ok)
}

func TestEssentialsAlwaysCarried(t *testing.T) {
	settings := testSettings()
	settings.Feed.Essentials = []string{"XAUUSD", "BTCUSD"}
	m := newTestManager(t, settings)

	m.Rebalance()

	stats := m.Stats()
	assert.Equal(t, 2, stats.Symbols)
	_, ok := m.WorkerFor("XAUUSD")
	assert.True(t, ok)

	// Essentials survive sweeps: they never ride on interest leases.
	m.sweep()
	m.Rebalance()
	_, ok = m.WorkerFor("BTCUSD")
	assert.True(t, ok)
}

func TestFailedWorkerOrphansSymbols(t *testing.T) {
	settings := testSettings()
	settings.Feed.MaxSymbolsPerWorker = 2
	m := newTestManager(t, settings)

	m.UpdateInterest([]string{"A", "B"})
	require.Equal(t, 1, m.Stats().Workers)

	m.workers[0].handleFailed()
	assert.Equal(t, 1, m.Stats().FailedWorkers)

	// Orphaned symbols stay mapped to the dead worker; new symbols get a
	// fresh one.
	m.UpdateInterest([]string{"A", "B", "C"})
	stats := m.Stats()
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 3, stats.Symbols)

	deadID := m.workers[0].id
	gotA, _ := m.WorkerFor("A")
	gotC, _ := m.WorkerFor("C")
	assert.Equal(t, deadID, gotA)
	assert.NotEqual(t, deadID, gotC)
}

func TestDeliverForwardsTicks(t *testing.T) {
	settings := testSettings()
	var got []model.Tick
	client := alltick.NewClient(settings.Provider, nil, nil, nil)
	m := NewManager(settings, pool.NewSupervisor(5), client, func(tick model.Tick) {
		got = append(got, tick)
	})

	m.deliver(model.Tick{Symbol: "GOLD", LastPrice: 2400})
	require.Len(t, got, 1)
	assert.Equal(t, "GOLD", got[0].Symbol)
}

func TestActiveSymbolsSorted(t *testing.T) {
	m := newTestManager(t, testSettings())
	m.UpdateInterest([]string{"ZZZ", "AAA", "MMM"})
	assert.Equal(t, []string{"AAA", "MMM", "ZZZ"}, m.ActiveSymbols())
}
