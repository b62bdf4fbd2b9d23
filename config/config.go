// Package config holds the explicit configuration struct threaded through
// every constructor in this module, in place of the ambient module-level
// globals Pyro4 itself uses.
package config

import "time"

// ServerType selects which TransportServer variant a Daemon runs.
type ServerType string

const (
	ServerTypeThread    ServerType = "thread"
	ServerTypeMultiplex ServerType = "multiplex"
)

// Config collects every tunable recognized by the broker. Zero value is
// invalid; use Default() to get a sensible starting point and override
// fields on a copy.
type Config struct {
	// Host is the default bind host for daemons that don't specify one.
	Host string

	// Name-server addresses.
	NSHost   string
	NSPort   uint16
	NSBCHost string
	NSBCPort uint16

	// ServerType picks the transport server variant a Daemon constructs.
	ServerType ServerType

	// PollTimeout caps how long the Multiplex server's select/poll tick
	// waits before re-checking its loop condition.
	PollTimeout time.Duration

	// CommTimeout is the per-connection idle timeout applied to accepted
	// sockets. Zero means "no timeout", uniformly with "unset".
	CommTimeout time.Duration

	ThreadPoolMin         int
	ThreadPoolMax         int
	ThreadPoolIdleTimeout time.Duration

	// DottedNames, if true, forbids starting a name-server daemon
	// (attribute-traversal RPCs would let a client walk out of the
	// registry's flat namespace).
	DottedNames bool
}

// Default returns the configuration used throughout the test suite and the
// cmd/pyrod entrypoint, mirroring Pyro4's documented module-level defaults.
func Default() Config {
	return Config{
		Host:                  "localhost",
		NSHost:                "localhost",
		NSPort:                9090,
		NSBCHost:              "",
		NSBCPort:              9091,
		ServerType:            ServerTypeThread,
		PollTimeout:           2 * time.Second,
		CommTimeout:           0,
		ThreadPoolMin:         4,
		ThreadPoolMax:         64,
		ThreadPoolIdleTimeout: 2 * time.Second,
		DottedNames:           false,
	}
}
