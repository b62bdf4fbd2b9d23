// Package broadcast implements the UDP discovery responder: a listener
// bound to (NS_BCHOST, NS_BCPORT) that answers "GET_NSURI" datagrams with
// the current name-server URI.
//
// Grounded on Pyro4's naming.py BroadcastServer (the exact GET_NSURI wire
// contract and the "send a dummy datagram to unblock a pending receive"
// shutdown trick) and on joshuafuller-beacon's responder/responder.go for
// the listen-loop-with-cancellation shape.
package broadcast

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/pyro-go/pyro/sockutil"
)

// Query is the exact 9-byte ASCII discovery probe, exported so resolver's
// broadcast client can send the same literal.
const Query = "GET_NSURI"

// MaxDatagram bounds both the probe and the reply.
const MaxDatagram = 100

// query/maxDatagram are unexported aliases kept for this file's own use.
const query = Query
const maxDatagram = MaxDatagram

// Responder answers GET_NSURI broadcasts with nsURI until Close is called.
type Responder struct {
	conn     *net.UDPConn
	pktConn  *ipv4.PacketConn
	nsURI    string
	log      *logrus.Entry

	closed   atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New binds a broadcast responder to host:port and begins serving nsURI.
// The responder is not meant to be started when the name server is bound
// to loopback -- that decision is made by the caller (nameserver.StartNS),
// not here.
func New(host string, port uint16, nsURI string, log *logrus.Entry) (*Responder, error) {
	conn, err := sockutil.CreateBroadcast(sockutil.BroadcastOpts{BindHost: host, BindPort: port})
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	pktConn := ipv4.NewPacketConn(conn)
	// Best-effort: not every platform/kernel exposes the arrival interface
	// via control messages; when it isn't available, Serve just logs
	// without an interface index.
	_ = pktConn.SetControlMessage(ipv4.FlagInterface, true)

	r := &Responder{
		conn:    conn,
		pktConn: pktConn,
		nsURI:   nsURI,
		log:     log.WithField("component", "broadcast"),
	}
	r.log.Infof("ns broadcast server created on %s", conn.LocalAddr())
	return r, nil
}

// LocationStr returns the bound "host:port" the responder listens on.
func (r *Responder) LocationStr() string {
	return r.conn.LocalAddr().String()
}

// Serve runs the receive loop until Close is called. All socket errors
// other than the post-close shutdown are swallowed and logged; receive
// timeouts are a normal, expected occurrence, not a surprise worth a
// louder log level.
func (r *Responder) Serve() {
	r.wg.Add(1)
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, cm, src, err := r.pktConn.ReadFrom(buf)
		if err != nil {
			if r.closed.Load() {
				return
			}
			r.log.Debugf("broadcast receive error: %v", err)
			continue
		}
		addr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		if string(buf[:n]) != query {
			continue
		}
		if cm != nil {
			r.log.Debugf("responding to broadcast request from %s (iface %d)", addr, cm.IfIndex)
		} else {
			r.log.Debugf("responding to broadcast request from %s", addr)
		}
		if _, err := r.conn.WriteToUDP([]byte(r.nsURI), addr); err != nil {
			r.log.Debugf("broadcast reply error: %v", err)
		}
	}
}

// Close stops Serve and releases the socket. To unblock a blocked receive,
// a dummy datagram is sent to the responder's own bound address before the
// socket is closed, matching Pyro4's shutdown trick.
func (r *Responder) Close() {
	r.stopOnce.Do(func() {
		r.closed.Store(true)
		if conn, err := net.Dial("udp", r.conn.LocalAddr().String()); err == nil {
			_, _ = conn.Write([]byte("PYRO-SHUTDOWN"))
			conn.Close()
		}
		r.conn.Close()
	})
	r.wg.Wait()
}
