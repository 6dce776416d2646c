// Package pool owns the lifecycle of named persistent websocket
// connections: dialing, reconnecting with exponential backoff, transport
// heartbeats and teardown. Consumers observe a connection only through
// attached listeners; failures are never returned across this boundary.
package pool

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"mspk/utils"
)

var (
	ErrPoolLimit        = errors.New("connection pool limit reached")
	ErrNotOpen          = errors.New("connection is not open")
	ErrConnectionFailed = errors.New("connection permanently failed")
)

var authErrRe = regexp.MustCompile(`\b(401|403)\b`)
var rateErrRe = regexp.MustCompile(`\b429\b`)

// IsAuthError reports whether an error is an auth-class (401/403) failure.
// Such failures are terminal: reconnection is permanently disabled.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return authErrRe.MatchString(err.Error())
}

// IsRateLimitError reports whether an error carries the 429 signal.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	return rateErrRe.MatchString(err.Error())
}

// Supervisor manages at most maxConnections named connections. A connection
// id maps to at most one live socket at a time.
type Supervisor struct {
	mu             sync.Mutex
	maxConnections int
	conns          map[string]*Conn
	shuttingDown   bool
}

func NewSupervisor(maxConnections int) *Supervisor {
	if maxConnections <= 0 {
		maxConnections = 5
	}
	return &Supervisor{
		maxConnections: maxConnections,
		conns:          make(map[string]*Conn),
	}
}

// Get returns the live connection for id, creating one if absent or dead.
// A terminally FAILED connection is not recreated; it must be removed
// explicitly first (operator remediation, e.g. credential rotation).
func (s *Supervisor) Get(id string, opts Options) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return nil, errors.New("pool is shutting down")
	}

	if c, ok := s.conns[id]; ok {
		switch c.State() {
		case StateFailed:
			return nil, fmt.Errorf("%w: %s", ErrConnectionFailed, id)
		case StateClosed:
			c.stop()
			delete(s.conns, id)
		default:
			return c, nil
		}
	}

	if len(s.conns) >= s.maxConnections {
		return nil, fmt.Errorf("%w (%d)", ErrPoolLimit, s.maxConnections)
	}

	utils.Log.Infof("[Pool] Creating connection: %s", id)
	c := newConn(id, opts)
	s.conns[id] = c
	go c.run()
	return c, nil
}

// Lookup returns the connection for id without creating one.
func (s *Supervisor) Lookup(id string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// Remove tears down the connection for id: cancels its timers, closes the
// socket and drops every attached listener.
func (s *Supervisor) Remove(id string) {
	s.mu.Lock()
	c, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	c.setState(StateClosing)
	c.stop()
	c.mu.Lock()
	c.listeners = nil
	c.mu.Unlock()
	c.setState(StateClosed)
}

// Len returns the number of managed connections.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// OpenCount returns the number of connections currently OPEN.
func (s *Supervisor) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := 0
	for _, c := range s.conns {
		if c.State() == StateOpen {
			open++
		}
	}
	return open
}

// Shutdown tears down every managed connection.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Remove(id)
	}
}
