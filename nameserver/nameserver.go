// Package nameserver composes a Registry, a Daemon exposing it under the
// reserved id Pyro.NameServer, and an optional BroadcastResponder.
package nameserver

import (
	"bytes"
	"encoding/gob"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/pyro-go/pyro/broadcast"
	"github.com/pyro-go/pyro/config"
	"github.com/pyro-go/pyro/daemon"
	"github.com/pyro-go/pyro/perror"
	"github.com/pyro-go/pyro/registry"
	"github.com/pyro-go/pyro/resolver"
	"github.com/pyro-go/pyro/uri"
)

// registryObject adapts *registry.Registry to daemon.RegisteredObject,
// exposing register/lookup/remove/list/ping/stats over the wire the same
// way Pyro4's naming.py NameServer class is itself just a Pyro object.
type registryObject struct {
	reg *registry.Registry
	d   *daemon.Daemon
}

// Stats is a point-in-time snapshot of a running name server, restoring
// the kind of summary Pyro4's nsc CLI prints: how many objects the
// daemon is hosting in total, and how many names the registry itself
// holds (the registry's own management object counts as one of the
// former but never the latter).
type Stats struct {
	Objects int
	Names   int
}

type registerArgs struct {
	Name string
	URI  string
}

type listArgs struct {
	Prefix string
	Regex  string
}

func (o *registryObject) Invoke(method string, args []byte) ([]byte, error) {
	switch method {
	case "register":
		var a registerArgs
		if err := gobDecode(args, &a); err != nil {
			return nil, perror.NewNaming("register: bad arguments")
		}
		if err := o.reg.Register(a.Name, a.URI); err != nil {
			return nil, err
		}
		return gobEncode(true), nil

	case "lookup":
		var name string
		if err := gobDecode(args, &name); err != nil {
			return nil, perror.NewNaming("lookup: bad arguments")
		}
		u, err := o.reg.Lookup(name)
		if err != nil {
			return nil, err
		}
		return gobEncode(uri.Format(u)), nil

	case "remove":
		var name string
		if err := gobDecode(args, &name); err != nil {
			return nil, perror.NewNaming("remove: bad arguments")
		}
		o.reg.Remove(name)
		return gobEncode(true), nil

	case "list":
		var a listArgs
		if err := gobDecode(args, &a); err != nil {
			return nil, perror.NewNaming("list: bad arguments")
		}
		result, err := o.reg.List(registry.ListOpts{Prefix: a.Prefix, Regex: a.Regex})
		if err != nil {
			return nil, err
		}
		return gobEncode(result), nil

	case "ping":
		return gobEncode(true), nil

	case "stats":
		return gobEncode(Stats{
			Objects: len(o.d.RegisteredIDs()),
			Names:   o.reg.Len(),
		}), nil

	default:
		return nil, perror.NewNaming("unknown method: " + method)
	}
}

// NameServer is the running composition returned by StartNS.
type NameServer struct {
	Registry    *registry.Registry
	Daemon      *daemon.Daemon
	BCResponder *broadcast.Responder

	log *logrus.Entry
}

// StartNS binds a registry, a daemon exposing it, and (unless suppressed)
// a broadcast responder advertising its location. A DOTTEDNAMES config
// guard refuses to start at all, since this system's flat registry would
// otherwise be escapable via attribute-traversal RPCs. When host resolves
// to loopback, the broadcast responder is suppressed regardless of
// enableBroadcast.
func StartNS(host string, port uint16, enableBroadcast bool, bcHost string, bcPort uint16, cfg config.Config, log *logrus.Entry) (*NameServer, error) {
	if cfg.DottedNames {
		return nil, perror.NewPyro("DOTTEDNAMES is enabled: refusing to start a name server")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entry := log.WithField("component", "nameserver")

	reg := registry.New()

	d, err := daemon.New(host, port, cfg, entry)
	if err != nil {
		return nil, err
	}
	if _, err := d.Register(&registryObject{reg: reg, d: d}, resolver.NameServerObjectID); err != nil {
		d.Close()
		return nil, err
	}

	ns := &NameServer{Registry: reg, Daemon: d, log: entry}

	if enableBroadcast && !isLoopback(host) {
		bc, err := broadcast.New(bcHost, bcPort, "PYRO:"+resolver.NameServerObjectID+"@"+d.LocationStr(), entry)
		if err != nil {
			d.Close()
			return nil, err
		}
		ns.BCResponder = bc
	}

	return ns, nil
}

// URI is the PYRO URI clients use to reach this name server's registry.
func (ns *NameServer) URI() string {
	return "PYRO:" + resolver.NameServerObjectID + "@" + ns.Daemon.LocationStr()
}

// Stats returns a snapshot of the running name server: how many objects
// the daemon hosts and how many names the registry holds.
func (ns *NameServer) Stats() Stats {
	return Stats{
		Objects: len(ns.Daemon.RegisteredIDs()),
		Names:   ns.Registry.Len(),
	}
}

// Serve runs the daemon's request loop (and the broadcast responder, if
// any) until loopCondition returns false, tearing down both on every exit
// path.
func (ns *NameServer) Serve(loopCondition func() bool) error {
	if ns.BCResponder != nil {
		go ns.BCResponder.Serve()
	}
	err := ns.Daemon.RequestLoop(loopCondition)
	if ns.BCResponder != nil {
		ns.BCResponder.Close()
	}
	return err
}

// Close tears down the daemon and broadcast responder without waiting for
// Serve's loopCondition to go false.
func (ns *NameServer) Close() {
	ns.Daemon.Close()
	if ns.BCResponder != nil {
		ns.BCResponder.Close()
	}
}

func isLoopback(host string) bool {
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
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
