package transport

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pyro-go/pyro/perror"
)

// Multiplex is the single-threaded cooperative Server variant, ported
// from Pyro4's socketserver/selectserver.py SocketServer_Select: one
// goroutine owns the listener, every client
// connection, and any auxiliary ("others") sockets, and services them in
// a poll loop. No method of a registered object ever runs concurrently
// with any other call on the same daemon.
//
// Go has no portable, non-blocking multi-fd select/poll primitive at the
// net.Conn level, so the cooperative loop here is expressed as a
// round-robin of short-deadline reads across the listener, clients, and
// others sockets -- the PYRO-observable behaviour (strict serialization,
// a single goroutine driving everything, POLLTIMEOUT-bounded loop
// condition checks) matches the Python select-loop exactly; only the
// low-level polling mechanism differs.
type Multiplex struct {
	ln          net.Listener
	handler     Handler
	pollTimeout time.Duration
	log         *logrus.Entry

	locationStr string
	clients     []*Connection
	closed      bool
}

// NewMultiplex binds a listener at bindAddr and returns a Multiplex server.
func NewMultiplex(bindAddr string, handler Handler, pollTimeout time.Duration, log *logrus.Entry) (*Multiplex, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Multiplex{
		ln:          ln,
		handler:     handler,
		pollTimeout: pollTimeout,
		log:         log.WithField("component", "transport.multiplex"),
		locationStr: ln.Addr().String(),
	}, nil
}

func (m *Multiplex) LocationStr() string { return m.locationStr }

// RequestLoop runs the select-style loop until loopCondition returns
// false. Each tick: accept any pending connection (handshake it, then add
// to the client set), service one pending request from each ready client
// in turn, and poll any "others" sockets. Errors during accept: an
// expired poll-tick deadline is not an error and the loop goes on; any
// other accept error is treated as a fatal listener error (equivalent to
// EBADF) and exits the loop.
func (m *Multiplex) RequestLoop(loopCondition func() bool, others *OthersHandler) {
	m.log.Info("entering multiplex requestloop")
	if tl, ok := m.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Time{})
	}
	for loopCondition() {
		if m.closed {
			return
		}
		if !m.acceptTick() {
			return
		}
		m.serviceClientsTick()
		if others != nil {
			m.serviceOthersTick(others)
		}
	}
}

// acceptTick tries a single, short-deadline Accept. It returns false when
// the listener is fatally gone and the loop must exit.
func (m *Multiplex) acceptTick() bool {
	tl, ok := m.ln.(*net.TCPListener)
	if ok {
		_ = tl.SetDeadline(time.Now().Add(m.pollTimeout))
	}
	conn, err := m.ln.Accept()
	if err != nil {
		if m.closed {
			return false
		}
		if isFatalAcceptError(err) {
			m.log.Info("server socket was closed, stopping requestloop")
			return false
		}
		return true
	}
	c := newConnection(conn)
	if !m.handler.Handshake(c) {
		conn.Close()
		return true
	}
	m.log.Debugf("new connection from %s", conn.RemoteAddr())
	m.clients = append(m.clients, c)
	return true
}

// serviceClientsTick gives every currently-connected client a chance to
// have one pending request serviced, using a short read deadline so a
// client with nothing to say does not stall the others.
func (m *Multiplex) serviceClientsTick() {
	remaining := m.clients[:0]
	for _, c := range m.clients {
		_ = c.Conn.SetReadDeadline(time.Now().Add(m.pollTimeout))
		if m.serviceOneClient(c) {
			remaining = append(remaining, c)
		}
	}
	m.clients = remaining
}

// serviceOneClient services exactly one pending request on c and reports
// whether c should remain in the client set.
func (m *Multiplex) serviceOneClient(c *Connection) bool {
	err := m.handler.HandleRequest(c)
	if err == nil {
		return true
	}
	if isTimeoutErr(err) {
		return true
	}
	if !isExpectedConnectionEnd(err) {
		m.log.Warnf("handleRequest error: %v", err)
	}
	c.Close()
	return false
}

// Sockets returns the listener plus every currently open client
// connection, for a caller that wants to fold this server into its own
// select/poll loop instead of calling RequestLoop.
func (m *Multiplex) Sockets() []Socket {
	sockets := make([]Socket, 0, len(m.clients)+1)
	sockets = append(sockets, Socket(m.ln))
	for _, c := range m.clients {
		sockets = append(sockets, Socket(c.Conn))
	}
	return sockets
}

// HandleRequests is the single-step counterpart to RequestLoop: each
// ready socket that is this server's listener is accepted once (and
// handshaken into the client set); each ready socket that is an existing
// client connection gets exactly one pending request serviced, using the
// same dispatch serviceClientsTick uses internally.
func (m *Multiplex) HandleRequests(ready []Socket) {
	for _, s := range ready {
		if s == Socket(m.ln) {
			m.acceptReady()
			continue
		}
		conn, ok := s.(net.Conn)
		if !ok {
			continue
		}
		m.handleReadyClient(conn)
	}
}

// acceptReady accepts exactly one connection, assuming the caller already
// knows the listener is readable (no deadline is applied).
func (m *Multiplex) acceptReady() {
	conn, err := m.ln.Accept()
	if err != nil {
		return
	}
	c := newConnection(conn)
	if !m.handler.Handshake(c) {
		conn.Close()
		return
	}
	m.log.Debugf("new connection from %s", conn.RemoteAddr())
	m.clients = append(m.clients, c)
}

// handleReadyClient finds the Connection wrapping conn and services one
// pending request on it, dropping it from the client set on error.
func (m *Multiplex) handleReadyClient(conn net.Conn) {
	for i, c := range m.clients {
		if c.Conn != conn {
			continue
		}
		if !m.serviceOneClient(c) {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
		}
		return
	}
}

func (m *Multiplex) serviceOthersTick(others *OthersHandler) {
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

func isTimeoutErr(err error) bool {
	if perror.IsKind(err, perror.KindTimeout) {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Close closes the listener and every client connection. Further calls are
// no-ops.
func (m *Multiplex) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.ln.Close()
	for _, c := range m.clients {
		c.Close()
	}
	m.clients = nil
}

// PingConnection sends a junk byte to self to unblock a waiting accept.
func (m *Multiplex) PingConnection() {
	conn, err := net.DialTimeout("tcp", m.locationStr, time.Second)
	if err != nil {
		return
	}
	_, _ = conn.Write([]byte("!"))
	conn.Close()
}

var _ Server = (*Multiplex)(nil)
