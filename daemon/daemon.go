// Package daemon implements the object table, request dispatcher, and
// built-in management object wrapping one of the two transport.Server
// variants.
package daemon

import (
	"bytes"
	"encoding/gob"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pyro-go/pyro/config"
	"github.com/pyro-go/pyro/internal/wire"
	"github.com/pyro-go/pyro/perror"
	"github.com/pyro-go/pyro/transport"
)

// ReservedID is the object id every Daemon reserves for its own
// management object on construction.
const ReservedID = "Pyro.Daemon"

// RegisteredObject is the statically typed stand-in for the source
// system's runtime attribute interception: a handler exposes whatever
// methods it wants to serve behind a single Invoke entry point, keeping
// payload encoding entirely a handler concern.
type RegisteredObject interface {
	Invoke(method string, args []byte) ([]byte, error)
}

// Daemon owns one transport.Server, maps object ids to handlers, and
// dispatches decoded wire requests to them.
type Daemon struct {
	server transport.Server
	cfg    config.Config
	log    *logrus.Entry

	mu   sync.RWMutex
	byID map[string]RegisteredObject
	idOf map[RegisteredObject]string

	used   atomic.Bool
	closed atomic.Bool
}

// New binds a Daemon at host:port (port 0 picks an ephemeral port) using
// the transport variant selected by cfg.ServerType, and registers the
// built-in management object under ReservedID.
func New(host string, port uint16, cfg config.Config, log *logrus.Entry) (*Daemon, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entry := log.WithField("component", "daemon")

	d := &Daemon{
		cfg:  cfg,
		log:  entry,
		byID: make(map[string]RegisteredObject),
		idOf: make(map[RegisteredObject]string),
	}

	bindAddr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	var server transport.Server
	var err error
	switch cfg.ServerType {
	case config.ServerTypeMultiplex:
		server, err = transport.NewMultiplex(bindAddr, d, cfg.PollTimeout, entry)
	default:
		server, err = transport.NewThreadPool(bindAddr, d, transport.ThreadPoolConfig{
			Min:         cfg.ThreadPoolMin,
			Max:         cfg.ThreadPoolMax,
			IdleTimeout: cfg.ThreadPoolIdleTimeout,
		}, cfg.PollTimeout, entry)
	}
	if err != nil {
		return nil, err
	}
	d.server = server

	if _, err := d.Register(&managementObject{d: d}, ReservedID); err != nil {
		server.Close()
		return nil, err
	}
	return d, nil
}

var _ transport.Handler = (*Daemon)(nil)

// LocationStr is the host:port the daemon's transport listens on.
func (d *Daemon) LocationStr() string { return d.server.LocationStr() }

// Register binds obj under objectID (a random uuid when objectID is
// empty), rejecting the reserved id and duplicate handler registration.
func (d *Daemon) Register(obj RegisteredObject, objectID string) (string, error) {
	if objectID == ReservedID {
		if _, isManagement := obj.(*managementObject); !isManagement {
			return "", perror.NewDaemon("cannot register under the reserved daemon id")
		}
	}
	if objectID == "" {
		objectID = uuid.NewString()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.idOf[obj]; exists {
		return "", perror.NewDaemon("object is already registered")
	}
	if _, taken := d.byID[objectID]; taken {
		return "", perror.NewDaemon("object id already in use: " + objectID)
	}
	d.byID[objectID] = obj
	d.idOf[obj] = objectID
	return objectID, nil
}

// Unregister removes an object looked up either by its string id or by
// handler identity. A missing id or handler is a no-op.
func (d *Daemon) Unregister(idOrObj any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch v := idOrObj.(type) {
	case string:
		obj, ok := d.byID[v]
		if !ok {
			return
		}
		delete(d.byID, v)
		delete(d.idOf, obj)
	case RegisteredObject:
		id, ok := d.idOf[v]
		if !ok {
			return
		}
		delete(d.idOf, v)
		delete(d.byID, id)
	}
}

// URIFor returns "PYRO:<id>@<locationStr>" for a registered object,
// looked up either by handler identity or by id string. An id string that
// is not actually registered is still accepted as-is, so callers can build
// URIs pointing at objects hosted on a different daemon.
func (d *Daemon) URIFor(idOrObj any) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var id string
	switch v := idOrObj.(type) {
	case string:
		id = v
	case RegisteredObject:
		got, ok := d.idOf[v]
		if !ok {
			return "", perror.NewDaemon("uriFor: unregistered object")
		}
		id = got
	default:
		return "", perror.NewDaemon("uriFor: unsupported argument")
	}
	return "PYRO:" + id + "@" + d.server.LocationStr(), nil
}

// registeredIDs returns every currently registered object id (including
// ReservedID), for the built-in "registered" management method.
func (d *Daemon) registeredIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	return ids
}

// RegisteredIDs is the exported counterpart of registeredIDs, for callers
// outside this package (such as the name server's own management object)
// that need an object-count snapshot without duplicating the daemon's
// object table.
func (d *Daemon) RegisteredIDs() []string { return d.registeredIDs() }

func (d *Daemon) lookup(id string) (RegisteredObject, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.byID[id]
	return obj, ok
}

// RequestLoop runs the daemon's transport loop until loopCondition returns
// false. A Daemon is reusable only once: calling RequestLoop a second
// time after a prior run has exited fails with a PyroError rather than
// silently restarting.
func (d *Daemon) RequestLoop(loopCondition func() bool) error {
	if !d.used.CompareAndSwap(false, true) {
		return perror.NewPyro("daemon has already completed one request loop and cannot be reused")
	}
	d.server.RequestLoop(loopCondition, nil)
	d.Close()
	return nil
}

// RequestLoopWithOthers is RequestLoop but also drives an auxiliary
// listener, so a caller can fold another socket (such as a broadcast
// responder's) into the same loop.
func (d *Daemon) RequestLoopWithOthers(loopCondition func() bool, others *transport.OthersHandler) error {
	if !d.used.CompareAndSwap(false, true) {
		return perror.NewPyro("daemon has already completed one request loop and cannot be reused")
	}
	d.server.RequestLoop(loopCondition, others)
	d.Close()
	return nil
}

// Close closes the listener and every client connection. Idempotent.
func (d *Daemon) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.server.Close()
}

// PingConnection delegates to the transport, unblocking a waiting accept.
func (d *Daemon) PingConnection() { d.server.PingConnection() }

// Sockets delegates to the transport, for a caller that wants to drive
// its own outer event loop instead of calling RequestLoop.
func (d *Daemon) Sockets() []transport.Socket { return d.server.Sockets() }

// HandleRequests delegates to the transport: the single-step counterpart
// to RequestLoop for a caller driving its own event loop.
func (d *Daemon) HandleRequests(ready []transport.Socket) { d.server.HandleRequests(ready) }

// Handshake implements transport.Handler. No handshake message is defined
// at this layer (payload encoding is entirely a handler concern), so
// every freshly accepted connection is accepted outright; a per-connection
// CommTimeout is applied here if configured.
func (d *Daemon) Handshake(conn *transport.Connection) bool {
	if d.cfg.CommTimeout > 0 {
		_ = conn.Conn.SetDeadline(time.Now().Add(d.cfg.CommTimeout))
	}
	return true
}

// HandleRequest implements transport.Handler: reads one framed request,
// dispatches it to the target object, and writes back the framed reply.
// An unknown object id is a well-formed remote DaemonError, not a
// connection-ending condition -- only read/write failures propagate.
func (d *Daemon) HandleRequest(conn *transport.Connection) error {
	if d.cfg.CommTimeout > 0 {
		_ = conn.Conn.SetDeadline(time.Now().Add(d.cfg.CommTimeout))
	}
	req, err := wire.ReadRequest(conn.Conn)
	if err != nil {
		return err
	}

	obj, ok := d.lookup(req.ObjectID)
	var reply wire.Reply
	reply.Seq = req.Seq

	if !ok {
		reply.Status = wire.StatusError
		reply.Payload = wire.EncodeError(perror.NewDaemon("unknown object: " + req.ObjectID))
	} else {
		result, callErr := obj.Invoke(req.Method, req.Payload)
		if callErr != nil {
			reply.Status = wire.StatusError
			reply.Payload = wire.EncodeError(callErr)
		} else {
			reply.Status = wire.StatusOK
			reply.Payload = result
		}
	}

	if req.Flags&wire.FlagOneway != 0 {
		reply.Status = wire.StatusOnewayAck
		reply.Payload = nil
	}

	return wire.WriteReply(conn.Conn, reply)
}

// managementObject is the built-in object registered under ReservedID,
// exposing ping/registered/resolve.
type managementObject struct {
	d *Daemon
}

func (m *managementObject) Invoke(method string, args []byte) ([]byte, error) {
	switch method {
	case "ping":
		return gobEncode(true), nil
	case "registered":
		return gobEncode(m.d.registeredIDs()), nil
	case "resolve":
		var id string
		if err := gobDecode(args, &id); err != nil {
			return nil, perror.NewDaemon("resolve: bad argument")
		}
		if _, ok := m.d.lookup(id); !ok {
			return nil, perror.NewDaemon("resolve: unknown object: " + id)
		}
		u, err := m.d.URIFor(id)
		if err != nil {
			return nil, err
		}
		return gobEncode(u), nil
	default:
		return nil, perror.NewDaemon("unknown management method: " + method)
	}
}

func gobEncode(v any) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil
	}
	return buf.Bytes()
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
