// Package transport implements two server variants over the same
// contract: a single-threaded Multiplex (select/poll) loop and a
// ThreadPool (dedicated accept goroutine + worker pool) variant, both
// exposing the identical Server interface so a Daemon can use either
// interchangeably.
package transport

import (
	"net"
	"sync"

	"github.com/pyro-go/pyro/perror"
)

// Connection wraps an accepted socket with an optional bound object id set
// during handshake.
type Connection struct {
	Conn net.Conn

	mu       sync.Mutex
	objectID string
}

func newConnection(c net.Conn) *Connection {
	return &Connection{Conn: c}
}

func (c *Connection) SetObjectID(id string) {
	c.mu.Lock()
	c.objectID = id
	c.mu.Unlock()
}

func (c *Connection) ObjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objectID
}

func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Handler is the callback object a Daemon supplies to a transport server:
// Handshake completes any protocol handshake and reports success;
// HandleRequest processes exactly one framed request on an already
// handshaken connection.
type Handler interface {
	Handshake(conn *Connection) bool
	HandleRequest(conn *Connection) error
}

// OthersHandler lets a server drive an auxiliary listener (used to fold a
// BroadcastResponder's socket into the same event loop) alongside its own
// requestLoop.
type OthersHandler struct {
	Sockets []net.PacketConn
	Handle  func(ready net.PacketConn)
}

// Socket is the opaque "file descriptor" handle a Server hands out via
// Sockets(): either its own net.Listener or an open client net.Conn. An
// external event loop that wants to fold a Server into its own
// select/poll cycle watches these for readability and passes whichever
// ones came back ready into HandleRequests.
type Socket any

// Server is the contract both variants implement: a Daemon normally just
// calls RequestLoop and lets a Server own its loop entirely, but a caller
// that runs its own outer event loop (combining several unrelated sockets
// in one select/poll) can instead read Sockets() and drive the server one
// step at a time via HandleRequests. The two driving styles are mutually
// exclusive on a given Server instance.
type Server interface {
	// LocationStr is the human-readable "host:port" the server listens on.
	LocationStr() string

	// RequestLoop runs until loopCondition returns false.
	RequestLoop(loopCondition func() bool, others *OthersHandler)

	// Close closes the listener and all client connections. Further calls
	// are no-ops.
	Close()

	// PingConnection sends a junk byte to self to unblock a waiting
	// accept/select.
	PingConnection()

	// Sockets returns the full set of sockets this server currently wants
	// watched: its own listener plus, for variants that track them
	// directly, every open client connection.
	Sockets() []Socket

	// HandleRequests is the single-step counterpart to RequestLoop: ready
	// is the subset of a prior Sockets() call an external event loop found
	// readable. Each ready listener is accepted once; each ready client
	// connection gets exactly one pending request serviced.
	HandleRequests(ready []Socket)
}

// isFatalAcceptError reports whether err from Accept means the listener
// itself is gone (an EBADF-equivalent condition) as opposed to a
// transient, retryable one such as a poll-tick deadline expiring.
func isFatalAcceptError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return false
	}
	return true
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

// handleRequestsUntilError loops calling h.HandleRequest on conn until it
// returns an error. A ConnectionClosedError or generic socket error is the
// expected way a connection ends and is not logged as a surprise; any
// other error kind is logged at a higher level before the connection is
// still closed -- an event loop has no caller above it to truly re-raise
// into.
func handleRequestsUntilError(h Handler, conn *Connection) error {
	for {
		if err := h.HandleRequest(conn); err != nil {
			return err
		}
	}
}

// isExpectedConnectionEnd reports whether err is the unremarkable way a
// connection ends (peer closed, or a plain socket error), as opposed to a
// surprising error worth logging louder.
func isExpectedConnectionEnd(err error) bool {
	if perror.IsKind(err, perror.KindConnectionClosed) {
		return true
	}
	_, isNetErr := err.(net.Error)
	return isNetErr
}
