package pool

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"mspk/utils"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// State is the lifecycle state of a managed connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Options configures a managed connection.
type Options struct {
	URL               string
	MaxRetries        int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration // 0 disables the transport heartbeat
}

func (o *Options) withDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
}

// Listener is a per-connection handle holding every registered callback.
// Detach with the same *Listener that was attached; the pointer is the
// identity used for removal.
type Listener struct {
	OnOpen    func()
	OnClose   func(code int, reason string)
	OnError   func(err error)
	OnMessage func(data []byte)
	OnFailed  func()
}

// Conn is a supervisor-managed connection. Lifecycle state is mutated only
// by the supervisor's run loop.
type Conn struct {
	id   string
	opts Options

	state   atomic.Int32
	retries atomic.Int32

	mu           sync.Mutex
	ws           *websocket.Conn
	listeners    []*Listener
	alive        bool
	lastActivity time.Time

	writeMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}

	authFailed atomic.Bool
}

func newConn(id string, opts Options) *Conn {
	opts.withDefaults()
	c := &Conn{
		id:     id,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Retries returns the current reconnect attempt count.
func (c *Conn) Retries() int { return int(c.retries.Load()) }

// LastActivity returns the time of the last inbound frame or pong.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Attach registers a listener for this connection's lifecycle signals.
func (c *Conn) Attach(l *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Detach removes a previously attached listener. The argument must be the
// exact pointer passed to Attach.
func (c *Conn) Detach(l *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, reg := range c.listeners {
		if reg == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Send writes one text frame. Returns ErrNotOpen when the socket is not in
// the OPEN state.
func (c *Conn) Send(data []byte) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotOpen
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) snapshotListeners() []*Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

func (c *Conn) emitOpen() {
	for _, l := range c.snapshotListeners() {
		if l.OnOpen != nil {
			l.OnOpen()
		}
	}
}

func (c *Conn) emitClose(code int, reason string) {
	for _, l := range c.snapshotListeners() {
		if l.OnClose != nil {
			l.OnClose(code, reason)
		}
	}
}

func (c *Conn) emitError(err error) {
	for _, l := range c.snapshotListeners() {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}

func (c *Conn) emitMessage(data []byte) {
	for _, l := range c.snapshotListeners() {
		if l.OnMessage != nil {
			l.OnMessage(data)
		}
	}
}

func (c *Conn) emitFailed() {
	for _, l := range c.snapshotListeners() {
		if l.OnFailed != nil {
			l.OnFailed()
		}
	}
}

// stop terminates the run loop and closes the socket. Idempotent.
func (c *Conn) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

func (c *Conn) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// run drives CONNECTING -> OPEN -> (abnormal close) -> reconnect until
// retries are exhausted or an auth error makes the failure terminal.
func (c *Conn) run() {
	bo := &backoff.Backoff{
		Min:    c.opts.BaseBackoff,
		Max:    c.opts.MaxBackoff,
		Factor: 2,
	}

	for {
		if c.stopped() {
			c.setState(StateClosed)
			return
		}

		c.setState(StateConnecting)
		ws, resp, err := websocket.DefaultDialer.Dial(c.opts.URL, nil)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			if status == 401 || status == 403 || IsAuthError(err) {
				utils.Log.Errorf("[Pool] Auth error for %s. Reconnect disabled. (%v)", c.id, err)
				c.authFailed.Store(true)
			}
			if status == 429 || IsRateLimitError(err) {
				// Jump to high backoff for rate-limited handshakes.
				utils.Log.Warnf("[Pool] 429 rate limit detected for %s, applying cool-down", c.id)
				if c.retries.Load() < 5 {
					c.retries.Store(5)
				}
			}
			c.emitError(err)
			if !c.scheduleRetry(bo) {
				return
			}
			continue
		}

		c.handleOpen(ws, bo)

		code, reason, readErr := c.readLoop(ws)
		ws.Close()

		if c.stopped() {
			c.setState(StateClosed)
			return
		}

		if readErr != nil && IsAuthError(readErr) {
			utils.Log.Errorf("[Pool] Auth error for %s. Reconnect disabled. (%v)", c.id, readErr)
			c.authFailed.Store(true)
			c.emitError(readErr)
		} else if readErr != nil && !isExpectedClose(readErr) {
			c.emitError(readErr)
		}

		utils.Log.Warnf("[Pool] Closed: %s (code: %d, reason: %s)", c.id, code, reason)
		c.emitClose(code, reason)

		if !c.scheduleRetry(bo) {
			return
		}
	}
}

// scheduleRetry waits out the backoff delay for the next attempt. It
// returns false when reconnection is disabled or retries are exhausted, in
// which case the connection is terminally FAILED.
func (c *Conn) scheduleRetry(bo *backoff.Backoff) bool {
	if c.authFailed.Load() {
		c.fail()
		return false
	}

	retries := int(c.retries.Load())
	if retries >= c.opts.MaxRetries {
		utils.Log.Errorf("[Pool] Max retries reached for %s. Giving up.", c.id)
		c.fail()
		return false
	}

	// delay = min(base * 2^retries, maxBackoff) + jitter(<=1s)
	delay := bo.ForAttempt(float64(retries)) + time.Duration(rand.Int63n(int64(time.Second)))
	c.retries.Add(1)
	utils.Log.Infof("[Pool] Reconnecting %s in %s (attempt %d)", c.id, delay.Round(time.Millisecond), retries+1)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.stopCh:
		c.setState(StateClosed)
		return false
	case <-timer.C:
		return true
	}
}

func (c *Conn) fail() {
	c.setState(StateFailed)
	c.emitFailed()
}

func (c *Conn) handleOpen(ws *websocket.Conn, bo *backoff.Backoff) {
	utils.Log.Infof("[Pool] Connected: %s", c.id)

	c.mu.Lock()
	c.ws = ws
	c.alive = true
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.retries.Store(0)
	bo.Reset()

	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.alive = true
		c.lastActivity = time.Now()
		c.mu.Unlock()
		return nil
	})

	c.setState(StateOpen)
	c.emitOpen()

	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeat(ws)
	}
}

// heartbeat probes liveness with transport pings. A missing pong by the
// next interval forces termination, which the read loop observes as an
// abnormal close and the run loop turns into a reconnect.
func (c *Conn) heartbeat(ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.State() != StateOpen {
				return
			}
			c.mu.Lock()
			alive := c.alive
			c.alive = false
			current := c.ws
			c.mu.Unlock()

			if current != ws {
				return
			}
			if !alive {
				utils.Log.Warnf("[Pool] Heartbeat failed for %s. Terminating.", c.id)
				ws.Close()
				return
			}
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				ws.Close()
				return
			}
		}
	}
}

// readLoop pumps inbound frames to listeners until the socket dies.
func (c *Conn) readLoop(ws *websocket.Conn) (code int, reason string, err error) {
	for {
		_, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if ce, ok := rerr.(*websocket.CloseError); ok {
				return ce.Code, ce.Text, rerr
			}
			return websocket.CloseAbnormalClosure, rerr.Error(), rerr
		}
		c.mu.Lock()
		c.alive = true
		c.lastActivity = time.Now()
		c.mu.Unlock()
		c.emitMessage(data)
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
