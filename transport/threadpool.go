package transport

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pyro-go/pyro/workerpool"
)

// ThreadPool is the concurrent Server variant, ported from Pyro4's
// socketserver/threadpoolserver.py SocketServer_Threadpool: the accept
// loop itself runs on the calling
// goroutine, but each accepted connection's request-handling runs as a
// job on a shared elastic workerpool.Pool, so calls on distinct
// connections proceed concurrently.
type ThreadPool struct {
	ln          net.Listener
	handler     Handler
	pool        *workerpool.Pool
	pollTimeout time.Duration
	log         *logrus.Entry

	locationStr string

	mu      sync.Mutex
	clients map[*Connection]struct{}
	closed  bool
}

// ThreadPoolConfig bundles the backing pool's sizing knobs
// (min/max workers, idle-shrink timeout).
type ThreadPoolConfig struct {
	Min         int
	Max         int
	IdleTimeout time.Duration
}

// NewThreadPool binds a listener at bindAddr and spins up a backing
// workerpool.Pool sized per cfg.
func NewThreadPool(bindAddr string, handler Handler, cfg ThreadPoolConfig, pollTimeout time.Duration, log *logrus.Entry) (*ThreadPool, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entry := log.WithField("component", "transport.threadpool")
	pool := workerpool.New(workerpool.Config{
		Min:         cfg.Min,
		Max:         cfg.Max,
		IdleTimeout: cfg.IdleTimeout,
		Log:         entry,
	})
	return &ThreadPool{
		ln:          ln,
		handler:     handler,
		pool:        pool,
		pollTimeout: pollTimeout,
		log:         entry,
		locationStr: ln.Addr().String(),
		clients:     make(map[*Connection]struct{}),
	}, nil
}

func (t *ThreadPool) LocationStr() string { return t.locationStr }

// RequestLoop accepts connections until loopCondition returns false or the
// listener is closed. Each accepted connection gets its own job on the
// pool running handleRequestsUntilError, so one slow client never blocks
// another's turn. "others" sockets (e.g. a folded-in broadcast responder)
// are serviced inline between accepts, matching the Python server's combined
// select-on-listener-plus-extras step before handing off to the pool.
func (t *ThreadPool) RequestLoop(loopCondition func() bool, others *OthersHandler) {
	t.log.Info("entering threadpool requestloop")
	for loopCondition() {
		if tl, ok := t.ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(t.pollTimeout))
		}
		conn, err := t.ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			if isFatalAcceptError(err) {
				t.log.Info("server socket was closed, stopping requestloop")
				return
			}
			if others != nil {
				t.serviceOthers(others)
			}
			continue
		}
		t.dispatch(conn)
		if others != nil {
			t.serviceOthers(others)
		}
	}
}

func (t *ThreadPool) serviceOthers(others *OthersHandler) {
	for _, sock := range others.Sockets {
		type deadliner interface {
			SetReadDeadline(time.Time) error
		}
		if d, ok := sock.(deadliner); ok {
			_ = d.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
		}
		others.Handle(sock)
	}
}

func (t *ThreadPool) dispatch(conn net.Conn) {
	c := newConnection(conn)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.clients[c] = struct{}{}
	t.mu.Unlock()

	t.pool.Process(func() {
		defer func() {
			t.mu.Lock()
			delete(t.clients, c)
			t.mu.Unlock()
			c.Close()
		}()
		if !t.handler.Handshake(c) {
			return
		}
		t.log.Debugf("new connection from %s", conn.RemoteAddr())
		if err := handleRequestsUntilError(t.handler, c); err != nil {
			if !isExpectedConnectionEnd(err) {
				t.log.Warnf("handleRequest error: %v", err)
			}
		}
	})
}

// Close closes the listener and every live connection, then halts the
// backing pool's workers (Pool.Close) and waits for them to exit
// (Pool.Wait). Further calls are no-ops.
func (t *ThreadPool) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for c := range t.clients {
		c.Close()
	}
	t.clients = make(map[*Connection]struct{})
	t.mu.Unlock()

	t.ln.Close()
	t.pool.Close()
	t.pool.Wait()
}

// Sockets returns just this server's listener: once a connection is
// accepted, its request handling already runs on the backing pool, so
// there is nothing further for an external loop to watch per-client.
func (t *ThreadPool) Sockets() []Socket {
	return []Socket{Socket(t.ln)}
}

// HandleRequests is the single-step counterpart to RequestLoop: a caller
// driving its own event loop calls this with whichever of Sockets() came
// back ready. The only socket ThreadPool ever hands out is its listener,
// so each ready entry is accepted once and dispatched to the pool exactly
// as RequestLoop's own accept branch does.
func (t *ThreadPool) HandleRequests(ready []Socket) {
	for _, s := range ready {
		if s != Socket(t.ln) {
			continue
		}
		conn, err := t.ln.Accept()
		if err != nil {
			continue
		}
		t.dispatch(conn)
	}
}

// PingConnection sends a junk byte to self to unblock a waiting accept.
func (t *ThreadPool) PingConnection() {
	conn, err := net.DialTimeout("tcp", t.locationStr, time.Second)
	if err != nil {
		return
	}
	_, _ = conn.Write([]byte("!"))
	conn.Close()
}

var _ Server = (*ThreadPool)(nil)
