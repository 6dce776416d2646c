package feed

import (
	"sync"
	"time"

	"github.com/StudioSol/set"

	"mspk/alltick"
	"mspk/pool"
	"mspk/utils"
)

// worker owns one upstream connection and the slice of symbols assigned to
// it. Subscriptions are reconciled by resending the full set, debounced so
// a burst of assignment changes collapses into one frame.
type worker struct {
	id      string
	manager *Manager
	symbols *set.LinkedHashSetString

	mu            sync.Mutex
	conn          *pool.Conn
	listener      *pool.Listener
	reconcileTmr  *time.Timer
	hbStop        chan struct{}
	hbSentAt      time.Time
	failed        bool
	stopped       bool
}

func newWorker(m *Manager, id string) *worker {
	w := &worker{
		id:      id,
		manager: m,
		symbols: set.NewLinkedHashSetString(),
	}

	if m.settings.Provider.Token == "" {
		utils.Log.Warnf("[Feed] No token available, worker %s stays offline", id)
		return w
	}

	w.listener = &pool.Listener{
		OnOpen:    w.handleOpen,
		OnClose:   w.handleClose,
		OnError:   w.handleError,
		OnMessage: w.handleMessage,
		OnFailed:  w.handleFailed,
	}

	conn, err := m.supervisor.Get(id, pool.Options{
		URL:               m.settings.Provider.WsURL + "?token=" + m.settings.Provider.Token,
		MaxRetries:        m.settings.Pool.MaxRetries,
		BaseBackoff:       m.settings.Pool.BaseBackoff,
		MaxBackoff:        m.settings.Pool.MaxBackoff,
		HeartbeatInterval: m.settings.Pool.HeartbeatInterval,
	})
	if err != nil {
		utils.Log.Errorf("[Feed] Worker %s connection refused: %v", id, err)
		return w
	}
	conn.Attach(w.listener)
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return w
}

// assign replaces the worker's symbol set and schedules reconciliation when
// it actually changed.
func (w *worker) assign(symbols []string) {
	w.mu.Lock()
	changed := w.symbols.Length() != len(symbols)
	if !changed {
		for _, s := range symbols {
			if !w.symbols.InArray(s) {
				changed = true
				break
			}
		}
	}
	if changed {
		w.symbols = set.NewLinkedHashSetString()
		w.symbols.Add(symbols...)
	}
	w.mu.Unlock()

	if changed {
		w.scheduleReconcile()
	}
}

func (w *worker) symbolCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.symbols.Length()
}

func (w *worker) assignedSymbols() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, w.symbols.Length())
	for s := range w.symbols.Iter() {
		out = append(out, s)
	}
	return out
}

func (w *worker) isFailed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// scheduleReconcile arms the debounce timer, restarting it if already armed
// so only the last change in a burst triggers a send.
func (w *worker) scheduleReconcile() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.failed {
		return
	}
	if w.reconcileTmr != nil {
		w.reconcileTmr.Stop()
	}
	w.reconcileTmr = time.AfterFunc(w.manager.settings.Feed.ReconcileDebounce, w.reconcile)
}

// reconcile sends the full current subscription set. The frame replaces any
// previous subscription upstream, so resending is always safe.
func (w *worker) reconcile() {
	if w.manager.settings.Provider.Token == "" {
		utils.Log.Debugf("[Feed] Skipping reconcile for %s, no token available", w.id)
		return
	}

	w.mu.Lock()
	conn := w.conn
	codes := make([]string, 0, w.symbols.Length())
	for s := range w.symbols.Iter() {
		codes = append(codes, alltick.Code(s))
	}
	w.mu.Unlock()

	if conn == nil || len(codes) == 0 {
		return
	}

	frame, err := alltick.SubscribeDepthFrame(codes, w.manager.settings.Feed.DepthLevel)
	if err != nil {
		utils.Log.Errorf("[Feed] Subscribe frame build failed for %s: %v", w.id, err)
		return
	}
	if err := conn.Send(frame); err != nil {
		// Not open yet: OnOpen re-schedules, nothing is lost.
		utils.Log.Debugf("[Feed] Reconcile deferred for %s: %v", w.id, err)
		return
	}
	utils.Log.Infof("[Feed] Worker %s subscribed to %d symbols", w.id, len(codes))
}

func (w *worker) handleOpen() {
	w.manager.client.SetConnected(true)
	w.scheduleReconcile()
	w.startHeartbeat()
}

func (w *worker) handleClose(code int, reason string) {
	w.stopHeartbeat()
	w.manager.refreshConnected()
}

func (w *worker) handleError(err error) {
	utils.Log.Warnf("[Feed] Worker %s error: %v", w.id, err)
}

// handleFailed marks the worker terminally dead. Its symbols stay orphaned
// until an operator rotates credentials and restarts; silently rehoming
// them would hide the outage.
func (w *worker) handleFailed() {
	w.mu.Lock()
	w.failed = true
	orphaned := w.symbols.Length()
	w.mu.Unlock()

	w.stopHeartbeat()
	utils.Log.Errorf("[Feed] Worker %s permanently failed, %d symbols orphaned", w.id, orphaned)
	w.manager.refreshConnected()
}

func (w *worker) handleMessage(data []byte) {
	frame, err := alltick.DecodeFrame(data)
	if err != nil {
		return
	}

	if frame.IsHeartbeat() {
		w.mu.Lock()
		sentAt := w.hbSentAt
		w.mu.Unlock()
		if !sentAt.IsZero() {
			w.manager.client.SetLatency(time.Since(sentAt))
		}
		w.manager.client.SetConnected(true)
		return
	}

	switch frame.CmdID {
	case alltick.CmdTickPush:
		if tick, err := alltick.ParseTick(frame.Data); err == nil {
			w.manager.deliver(tick)
		}
	case alltick.CmdDepthPush:
		if tick, err := alltick.ParseDepth(frame.Data); err == nil {
			w.manager.deliver(tick)
		}
	default:
		utils.Log.Debugf("[Feed] Worker %s non-tick message: cmd_id=%d trace=%s", w.id, frame.CmdID, frame.Trace)
	}
}

// startHeartbeat runs the application-level heartbeat. This is distinct
// from the transport ping: the gateway answers cmd 22000 at protocol level,
// which also gives us a round-trip measurement.
func (w *worker) startHeartbeat() {
	w.mu.Lock()
	if w.hbStop != nil || w.stopped {
		w.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	w.hbStop = stop
	conn := w.conn
	w.mu.Unlock()

	interval := w.manager.settings.Feed.HeartbeatInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				frame, err := alltick.HeartbeatFrame()
				if err != nil {
					continue
				}
				w.mu.Lock()
				w.hbSentAt = time.Now()
				w.mu.Unlock()
				if err := conn.Send(frame); err != nil {
					utils.Log.Debugf("[Feed] Heartbeat skipped for %s: %v", w.id, err)
				}
			}
		}
	}()
}

func (w *worker) stopHeartbeat() {
	w.mu.Lock()
	if w.hbStop != nil {
		close(w.hbStop)
		w.hbStop = nil
	}
	w.mu.Unlock()
}

func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	if w.reconcileTmr != nil {
		w.reconcileTmr.Stop()
	}
	conn := w.conn
	listener := w.listener
	w.mu.Unlock()

	w.stopHeartbeat()
	if conn != nil && listener != nil {
		conn.Detach(listener)
	}
}
