package transport_test

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyro-go/pyro/transport"
)

// lineHandler is a minimal Handler used to exercise the transport contract
// without pulling in the wire/daemon packages: every request is a single
// newline-terminated line, echoed back with a delay so concurrency (or
// the lack of it) is observable.
type lineHandler struct {
	mu          sync.Mutex
	concurrent  int32
	maxObserved int32
	delay       time.Duration
}

func (h *lineHandler) Handshake(conn *transport.Connection) bool { return true }

func (h *lineHandler) HandleRequest(conn *transport.Connection) error {
	r := bufio.NewReader(conn.Conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	cur := atomic.AddInt32(&h.concurrent, 1)
	for {
		old := atomic.LoadInt32(&h.maxObserved)
		if cur <= old || atomic.CompareAndSwapInt32(&h.maxObserved, old, cur) {
			break
		}
	}
	time.Sleep(h.delay)
	atomic.AddInt32(&h.concurrent, -1)
	_, err = conn.Conn.Write([]byte(line))
	return err
}

func TestMultiplexSerializesRequests(t *testing.T) {
	h := &lineHandler{delay: 30 * time.Millisecond}
	srv, err := transport.NewMultiplex("127.0.0.1:0", h, 10*time.Millisecond, nil)
	require.NoError(t, err)

	var running atomic.Bool
	running.Store(true)
	go srv.RequestLoop(func() bool { return running.Load() }, nil)
	defer func() {
		running.Store(false)
		srv.Close()
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.LocationStr())
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = conn.Write([]byte("hello\n"))
			buf := make([]byte, 16)
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _ = conn.Read(buf)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(atomic.LoadInt32(&h.maxObserved)), 1,
		"multiplex must never run two requests concurrently")
}

func TestThreadPoolParallelizesRequests(t *testing.T) {
	h := &lineHandler{delay: 100 * time.Millisecond}
	srv, err := transport.NewThreadPool("127.0.0.1:0", h, transport.ThreadPoolConfig{
		Min: 4, Max: 8, IdleTimeout: time.Second,
	}, 10*time.Millisecond, nil)
	require.NoError(t, err)

	var running atomic.Bool
	running.Store(true)
	go srv.RequestLoop(func() bool { return running.Load() }, nil)
	defer func() {
		running.Store(false)
		srv.Close()
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.LocationStr())
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = conn.Write([]byte("hello\n"))
			buf := make([]byte, 16)
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _ = conn.Read(buf)
		}()
	}
	wg.Wait()

	assert.Greater(t, int(atomic.LoadInt32(&h.maxObserved)), 1,
		"threadpool should run requests from distinct connections concurrently")
}

func TestMultiplexLocationStrAndClose(t *testing.T) {
	h := &lineHandler{}
	srv, err := transport.NewMultiplex("127.0.0.1:0", h, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, srv.LocationStr())
	srv.Close()
	srv.Close() // second Close must be a no-op, not panic
}

func TestThreadPoolLocationStrAndClose(t *testing.T) {
	h := &lineHandler{}
	srv, err := transport.NewThreadPool("127.0.0.1:0", h, transport.ThreadPoolConfig{
		Min: 1, Max: 2, IdleTimeout: time.Second,
	}, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, srv.LocationStr())
	srv.Close()
	srv.Close()
}

// TestMultiplexExternalEventLoop drives a Multiplex entirely through
// Sockets()/HandleRequests() instead of RequestLoop, the way a caller
// folding it into its own select/poll cycle would.
func TestMultiplexExternalEventLoop(t *testing.T) {
	h := &lineHandler{}
	srv, err := transport.NewMultiplex("127.0.0.1:0", h, 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer srv.Close()

	require.Len(t, srv.Sockets(), 1, "no clients yet: only the listener")

	conn, err := net.Dial("tcp", srv.LocationStr())
	require.NoError(t, err)
	defer conn.Close()

	// Step 1: the listener is "ready" -- accept and handshake the new client.
	srv.HandleRequests(srv.Sockets())

	var clientSocket transport.Socket
	require.Eventually(t, func() bool {
		sockets := srv.Sockets()
		if len(sockets) != 2 {
			return false
		}
		clientSocket = sockets[1]
		return true
	}, time.Second, 10*time.Millisecond, "accepted client should appear in Sockets()")

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	// Step 2: the client connection is "ready" -- service its one request.
	srv.HandleRequests([]transport.Socket{clientSocket})

	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf[:n]))
}

// TestThreadPoolExternalEventLoop drives a ThreadPool through
// Sockets()/HandleRequests(): the only socket it ever hands out is its
// listener, since per-connection work runs on the backing pool.
func TestThreadPoolExternalEventLoop(t *testing.T) {
	h := &lineHandler{}
	srv, err := transport.NewThreadPool("127.0.0.1:0", h, transport.ThreadPoolConfig{
		Min: 1, Max: 2, IdleTimeout: time.Second,
	}, 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer srv.Close()

	sockets := srv.Sockets()
	require.Len(t, sockets, 1)

	conn, err := net.Dial("tcp", srv.LocationStr())
	require.NoError(t, err)
	defer conn.Close()

	srv.HandleRequests(sockets)

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf[:n]))
}
