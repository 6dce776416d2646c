package pool

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(errors.New("websocket: bad handshake 401")))
	assert.True(t, IsAuthError(errors.New("status 403 forbidden")))
	assert.False(t, IsAuthError(errors.New("status 429 too many requests")))
	assert.False(t, IsAuthError(errors.New("dial tcp: connection refused")))
	assert.False(t, IsAuthError(nil))
	// Digits embedded in larger numbers must not match.
	assert.False(t, IsAuthError(errors.New("request id 14019")))
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, IsRateLimitError(errors.New("handshake failed: 429")))
	assert.False(t, IsRateLimitError(errors.New("401 unauthorized")))
	assert.False(t, IsRateLimitError(nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "CLOSING", StateClosing.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "FAILED", StateFailed.String())
}

var upgrader = websocket.Upgrader{}

// echoServer upgrades every request and echoes text frames back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 5*time.Second, 10*time.Millisecond)
}

func TestConnectAndEcho(t *testing.T) {
	srv := echoServer(t)
	s := NewSupervisor(2)
	defer s.Shutdown()

	c, err := s.Get("echo", Options{URL: wsURL(srv)})
	require.NoError(t, err)

	var mu sync.Mutex
	var got [][]byte
	c.Attach(&Listener{OnMessage: func(data []byte) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	}})

	waitState(t, c, StateOpen)
	require.NoError(t, c.Send([]byte("ping?")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ping?", string(got[0]))
	assert.Equal(t, 1, s.OpenCount())
}

func TestGetReturnsSameConn(t *testing.T) {
	srv := echoServer(t)
	s := NewSupervisor(2)
	defer s.Shutdown()

	a, err := s.Get("one", Options{URL: wsURL(srv)})
	require.NoError(t, err)
	b, err := s.Get("one", Options{URL: wsURL(srv)})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, s.Len())
}

func TestPoolLimit(t *testing.T) {
	srv := echoServer(t)
	s := NewSupervisor(1)
	defer s.Shutdown()

	_, err := s.Get("a", Options{URL: wsURL(srv)})
	require.NoError(t, err)

	_, err = s.Get("b", Options{URL: wsURL(srv)})
	assert.ErrorIs(t, err, ErrPoolLimit)

	// Removing frees the slot.
	s.Remove("a")
	_, err = s.Get("b", Options{URL: wsURL(srv)})
	assert.NoError(t, err)
}

func TestSendOnClosedConnection(t *testing.T) {
	s := NewSupervisor(1)
	defer s.Shutdown()

	c, err := s.Get("dead", Options{URL: "ws://127.0.0.1:1", BaseBackoff: time.Minute, MaxBackoff: time.Minute})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotOpen)
}

func TestAuthFailureIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSupervisor(1)
	defer s.Shutdown()

	c, err := s.Get("auth", Options{URL: wsURL(srv), MaxRetries: 5})
	require.NoError(t, err)

	waitState(t, c, StateFailed)
	// No reconnect attempts were burned: the failure was immediate.
	assert.Less(t, c.Retries(), 2)

	// A FAILED connection is not silently recreated.
	_, err = s.Get("auth", Options{URL: wsURL(srv)})
	assert.ErrorIs(t, err, ErrConnectionFailed)

	// Operator remediation: remove, then recreate.
	s.Remove("auth")
	_, err = s.Get("auth", Options{URL: wsURL(srv)})
	assert.NoError(t, err)
}

func TestRetriesExhaustToFailed(t *testing.T) {
	s := NewSupervisor(1)
	defer s.Shutdown()

	c, err := s.Get("refused", Options{
		URL:         "ws://127.0.0.1:1",
		MaxRetries:  1,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	})
	require.NoError(t, err)

	waitState(t, c, StateFailed)
	assert.Equal(t, 1, c.Retries())
}

func TestReconnectAfterServerDrop(t *testing.T) {
	var conns int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		if n == 1 {
			// First connection dies immediately; the pool must redial.
			ws.Close()
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewSupervisor(1)
	defer s.Shutdown()

	c, err := s.Get("flaky", Options{
		URL:         wsURL(srv),
		MaxRetries:  10,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	closed := make(chan struct{}, 4)
	c.Attach(&Listener{OnClose: func(code int, reason string) {
		select {
		case closed <- struct{}{}:
		default:
		}
	}})

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("never observed the dropped connection")
	}

	waitState(t, c, StateOpen)
	mu.Lock()
	assert.GreaterOrEqual(t, conns, 2)
	mu.Unlock()
}

func TestDetachStopsDelivery(t *testing.T) {
	srv := echoServer(t)
	s := NewSupervisor(1)
	defer s.Shutdown()

	c, err := s.Get("detach", Options{URL: wsURL(srv)})
	require.NoError(t, err)
	waitState(t, c, StateOpen)

	var count int
	var mu sync.Mutex
	l := &Listener{OnMessage: func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	}}
	c.Attach(l)

	require.NoError(t, c.Send([]byte("one")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 5*time.Second, 10*time.Millisecond)

	c.Detach(l)
	require.NoError(t, c.Send([]byte("two")))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}
