// Package resolver turns any URI into a concrete PYRO URI: PYRO passes
// through, PYROLOC asks the daemon at that location to resolve its own
// object id, and PYRONAME locates a name server (by broadcast or direct
// connect) and asks it to look up the logical name.
package resolver

import (
	"bytes"
	"encoding/gob"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/pyro-go/pyro/broadcast"
	"github.com/pyro-go/pyro/config"
	"github.com/pyro-go/pyro/daemon"
	"github.com/pyro-go/pyro/internal/wire"
	"github.com/pyro-go/pyro/perror"
	"github.com/pyro-go/pyro/sockutil"
	"github.com/pyro-go/pyro/uri"
)

// broadcastAttempts/broadcastTimeout mirror Pyro4's locateNS discovery
// policy exactly: three tries, 0.7s each.
const (
	broadcastAttempts = 3
	broadcastTimeout  = 700 * time.Millisecond
)

// NameServerObjectID is the reserved id a NameServer's Daemon exposes its
// Registry under.
const NameServerObjectID = "Pyro.NameServer"

// Resolver resolves URIs against live daemons over the wire protocol.
type Resolver struct {
	cfg config.Config
	log *logrus.Entry

	// sf collapses concurrent locateNS(host="") calls into a single
	// broadcast round with singleflight, so a burst of resolves during
	// startup doesn't flood the network with probes.
	sf singleflight.Group
}

// New constructs a Resolver using cfg's NS_HOST/NS_PORT/NS_BCPORT as the
// direct-connect and broadcast fallback targets.
func New(cfg config.Config, log *logrus.Entry) *Resolver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{cfg: cfg, log: log.WithField("component", "resolver")}
}

// Resolve dispatches on u.Protocol, following Pyro4's resolve(uri) rules.
func (r *Resolver) Resolve(u uri.URI) (uri.URI, error) {
	switch u.Protocol {
	case uri.Pyro:
		return u, nil

	case uri.PyroLoc:
		addr := net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port)))
		payload, err := call(addr, daemon.ReservedID, "resolve", gobEncode(u.Object), r.commTimeout())
		if err != nil {
			return uri.URI{}, err
		}
		var resolved string
		if err := gobDecode(payload, &resolved); err != nil {
			return uri.URI{}, perror.NewProtocol("malformed resolve() reply")
		}
		return uri.Parse(resolved)

	case uri.PyroName:
		nsURI, err := r.LocateNS("", 0)
		if err != nil {
			return uri.URI{}, err
		}
		addr := net.JoinHostPort(nsURI.Host, strconv.Itoa(int(nsURI.Port)))
		payload, err := call(addr, nsURI.Object, "lookup", gobEncode(u.Object), r.commTimeout())
		if err != nil {
			return uri.URI{}, err
		}
		var looked string
		if err := gobDecode(payload, &looked); err != nil {
			return uri.URI{}, perror.NewProtocol("malformed lookup() reply")
		}
		return uri.Parse(looked)

	default:
		return uri.URI{}, perror.NewPyro("invalid uri protocol")
	}
}

// LocateNS finds a running name server, following Pyro4's locateNS(host?,
// port?) rules. When host is given, a direct PYROLOC resolve against that
// address is performed
// (skipping both the singleflight collapse and the broadcast probe, since
// the caller already knows where to look). When host is empty, broadcast
// discovery runs (collapsed across concurrent callers), falling back to a
// direct connect at (NS_HOST, NS_PORT) if all three probes time out.
func (r *Resolver) LocateNS(host string, port uint16) (uri.URI, error) {
	if host != "" {
		return r.Resolve(uri.URI{Protocol: uri.PyroLoc, Object: NameServerObjectID, Host: host, Port: port})
	}

	v, err, _ := r.sf.Do("locateNS", func() (any, error) {
		return r.locateNSUncollapsed()
	})
	if err != nil {
		return uri.URI{}, err
	}
	return v.(uri.URI), nil
}

func (r *Resolver) locateNSUncollapsed() (uri.URI, error) {
	bcAddr := net.JoinHostPort("255.255.255.255", strconv.Itoa(int(r.cfg.NSBCPort)))
	target, err := net.ResolveUDPAddr("udp4", bcAddr)
	if err == nil {
		for i := 0; i < broadcastAttempts; i++ {
			if reply, probeErr := probeBroadcast(target, broadcastTimeout); probeErr == nil {
				if u, parseErr := uri.Parse(reply); parseErr == nil {
					return u, nil
				}
			}
		}
	}

	r.log.Debug("broadcast discovery exhausted, falling back to direct connect")
	directAddr := net.JoinHostPort(r.cfg.NSHost, strconv.Itoa(int(r.cfg.NSPort)))
	direct, dialErr := net.DialTimeout("tcp", directAddr, broadcastTimeout)
	if dialErr != nil {
		return uri.URI{}, perror.NewTimeout("locateNS: broadcast and direct connect both failed")
	}
	direct.Close()
	return uri.URI{Protocol: uri.Pyro, Object: NameServerObjectID, Host: r.cfg.NSHost, Port: r.cfg.NSPort}, nil
}

func probeBroadcast(target *net.UDPAddr, timeout time.Duration) (string, error) {
	conn, err := sockutil.CreateBroadcast(sockutil.BroadcastOpts{BindPort: 0})
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP([]byte(broadcast.Query), target); err != nil {
		return "", err
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, broadcast.MaxDatagram)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return "", perror.NewTimeout("broadcast discovery timed out")
	}
	return string(buf[:n]), nil
}

func (r *Resolver) commTimeout() time.Duration {
	if r.cfg.CommTimeout > 0 {
		return r.cfg.CommTimeout
	}
	return 5 * time.Second
}

// call opens a short-lived TCP connection, sends one framed request, and
// returns the reply payload, translating a StatusError reply back into a
// Go error.
func call(addr, objectID, method string, payload []byte, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, perror.Wrap(perror.KindCommunication, "connecting to "+addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := wire.WriteRequest(conn, wire.Request{ObjectID: objectID, Method: method, Payload: payload}); err != nil {
		return nil, err
	}
	rep, err := wire.ReadReply(conn)
	if err != nil {
		return nil, err
	}
	if rep.Status == wire.StatusError {
		re, decErr := wire.DecodeError(rep.Payload)
		if decErr != nil {
			return nil, decErr
		}
		return nil, re.AsError()
	}
	return rep.Payload, nil
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
