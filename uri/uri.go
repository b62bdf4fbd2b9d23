// Package uri parses and formats the three logical endpoint forms the
// broker understands: PYRO, PYRONAME, and PYROLOC.
package uri

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pyro-go/pyro/perror"
)

// Protocol is one of the three schemes a URI can carry.
type Protocol string

const (
	Pyro     Protocol = "PYRO"
	PyroName Protocol = "PYRONAME"
	PyroLoc  Protocol = "PYROLOC"
)

// URI is an immutable parsed endpoint: a protocol, an object id or logical
// name, and at most one location alternative. This implementation is
// TCP-only (Non-goal: unix-socket/named-pipe transports), so Host/Port is
// the sole location alternative carried.
type URI struct {
	Protocol Protocol
	Object   string
	Host     string // empty when the URI carries no location
	Port     uint16
}

// HasLocation reports whether the URI carries a host:port location.
func (u URI) HasLocation() bool {
	return u.Host != ""
}

// Parse turns a string of the form "PROTO:object" or
// "PROTO:object@host:port" into a URI. Whitespace anywhere in s is
// rejected, matching Pyro4's strict-grammar PyroURI constructor.
func Parse(s string) (URI, error) {
	if s == "" {
		return URI{}, perror.NewInvalidURI("empty uri")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return URI{}, perror.NewInvalidURI("uri must not contain whitespace: " + s)
	}

	colon := strings.Index(s, ":")
	if colon < 0 {
		return URI{}, perror.NewInvalidURI("missing protocol separator: " + s)
	}
	proto := Protocol(s[:colon])
	switch proto {
	case Pyro, PyroName, PyroLoc:
	default:
		return URI{}, perror.NewInvalidURI("unknown protocol: " + string(proto))
	}
	rest := s[colon+1:]

	var object, location string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		object = rest[:at]
		location = rest[at+1:]
	} else {
		object = rest
	}
	if object == "" {
		return URI{}, perror.NewInvalidURI("empty object/name in uri: " + s)
	}

	u := URI{Protocol: proto, Object: object}

	if location != "" {
		host, port, err := splitHostPort(location)
		if err != nil {
			return URI{}, perror.NewInvalidURI(fmt.Sprintf("bad location %q: %v", location, err))
		}
		u.Host = host
		u.Port = port
	}

	switch proto {
	case Pyro, PyroLoc:
		if !u.HasLocation() {
			return URI{}, perror.NewInvalidURI(string(proto) + " uri requires a location")
		}
	case PyroName:
		// location is optional; absence triggers broadcast discovery.
	}

	return u, nil
}

// splitHostPort parses "host:port" allowing bracketed IPv6 literals
// ("[::1]:1234") the way net.SplitHostPort does, but additionally
// validates the port is in the 1..65535 range this grammar requires.
func splitHostPort(hostport string) (string, uint16, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port")
	}
	host := hostport[:idx]
	portStr := hostport[idx+1:]
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	if port == 0 {
		return "", 0, fmt.Errorf("port must be 1..65535")
	}
	return host, uint16(port), nil
}

// Format is the exact inverse of Parse for every syntactically valid URI.
func Format(u URI) string {
	var b strings.Builder
	b.WriteString(string(u.Protocol))
	b.WriteByte(':')
	b.WriteString(u.Object)
	if u.HasLocation() {
		b.WriteByte('@')
		if strings.Contains(u.Host, ":") {
			b.WriteByte('[')
			b.WriteString(u.Host)
			b.WriteByte(']')
		} else {
			b.WriteString(u.Host)
		}
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(u.Port), 10))
	}
	return b.String()
}

// String implements fmt.Stringer via Format.
func (u URI) String() string { return Format(u) }
