// Package sockutil provides the low-level socket helpers every transport in
// this module builds on: stream/broadcast socket creation with the right
// options set, and framed send/receive with retry on transient errors.
//
// Ported closely from Pyro4's socketutil.py (createSocket,
// createBroadcastSocket, receiveData, sendData) with Go's net package and
// golang.org/x/sys/unix standing in for Python's socket module options.
package sockutil

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pyro-go/pyro/perror"
)

// StreamOpts configures CreateStream. Exactly one of Bind/Connect must be
// set.
type StreamOpts struct {
	Bind    string // "host:port" to listen on
	Connect string // "host:port" to dial
	Backlog int    // listen backlog; not applied, the OS default backlog is used
}

// CreateStream creates a TCP socket with SO_REUSEADDR and SO_KEEPALIVE
// always set; a bound socket starts listening immediately.
func CreateStream(opts StreamOpts) (net.Listener, net.Conn, error) {
	if (opts.Bind == "") == (opts.Connect == "") {
		return nil, nil, perror.NewPyro("exactly one of bind/connect must be specified")
	}
	// Pyro4 listens with backlog=200; net.ListenConfig does not expose a
	// way to override the kernel's listen backlog, so opts.Backlog is
	// accepted for API compatibility but the OS default applies.
	_ = opts.Backlog

	lc := net.ListenConfig{
		Control: controlSetReuseAddrKeepalive,
	}

	if opts.Bind != "" {
		ln, err := lc.Listen(context.Background(), "tcp", opts.Bind)
		if err != nil {
			return nil, nil, perror.Wrap(perror.KindCommunication, "cannot bind stream socket", err)
		}
		return ln, nil, nil
	}

	d := net.Dialer{Control: controlSetReuseAddrKeepalive}
	conn, err := d.Dial("tcp", opts.Connect)
	if err != nil {
		return nil, nil, perror.Wrap(perror.KindCommunication, "cannot connect stream socket", err)
	}
	return nil, conn, nil
}

func controlSetReuseAddrKeepalive(_, _ string, c syscall.RawConn) error {
	var setErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	if err != nil {
		setErr = err
	}
	return setErr
}

// BroadcastOpts configures CreateBroadcast.
type BroadcastOpts struct {
	BindHost string // empty host triggers the <broadcast>/""/255.255.255.255 fallback chain
	BindPort uint16
	Timeout  time.Duration // zero means "no timeout"
}

// bindCandidates is tried, in order, when BindHost is empty, mirroring
// Pyro4's createBroadcastSocket bind-order fallback.
var bindCandidates = []string{"<broadcast>", "", "255.255.255.255"}

// CreateBroadcast creates a UDP socket with SO_BROADCAST and SO_REUSEADDR
// set. When binding with an empty host, each of
// ["<broadcast>", "", "255.255.255.255"] is tried until one succeeds;
// a CommunicationError is returned if all fail. "<broadcast>" has no direct
// Go equivalent so it is mapped to 255.255.255.255 here and tried first.
func CreateBroadcast(opts BroadcastOpts) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: controlSetBroadcastReuseAddr}

	hosts := []string{opts.BindHost}
	if opts.BindHost == "" {
		hosts = bindCandidates
	}

	var lastErr error
	for _, h := range hosts {
		if h == "<broadcast>" {
			h = "255.255.255.255"
		}
		portStr := strconv.Itoa(int(opts.BindPort))
		addr := net.JoinHostPort(h, portStr)
		if h == "" {
			addr = ":" + portStr
		}
		pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
		if err != nil {
			lastErr = err
			continue
		}
		conn := pc.(*net.UDPConn)
		if opts.Timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(opts.Timeout))
		}
		return conn, nil
	}
	return nil, perror.Wrap(perror.KindCommunication, "cannot bind broadcast socket", lastErr)
}

func controlSetBroadcastReuseAddr(_, _ string, c syscall.RawConn) error {
	var setErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		setErr = err
	}
	return setErr
}

// retryable reports whether err is one of the transient socket errors this
// layer retries internally (EINTR/EAGAIN/EWOULDBLOCK and friends) rather
// than surfacing to the caller.
func retryable(err error) bool {
	return errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK)
}

// RecvExact reads exactly n bytes from conn, retrying transient errors.
// A deadline expiry surfaces as perror.KindTimeout; peer close or a short
// read surfaces as *perror.ConnectionClosedError carrying the bytes
// successfully read so far.
func RecvExact(conn net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := conn.Read(buf[read:])
		read += m
		if err == nil {
			continue
		}
		if retryable(err) {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, perror.NewTimeout("receiving: timeout")
		}
		if errors.Is(err, io.EOF) || isClosedOrReset(err) {
			return nil, perror.NewConnectionClosed("receiving: connection lost: "+err.Error(), buf[:read])
		}
		return nil, perror.Wrap(perror.KindCommunication, "receiving", err)
	}
	return buf, nil
}

// SendAll writes every byte of data to conn, retrying transient errors on
// non-blocking-style send failures the same way RecvExact retries reads.
func SendAll(conn net.Conn, data []byte) error {
	written := 0
	for written < len(data) {
		n, err := conn.Write(data[written:])
		written += n
		if err == nil {
			continue
		}
		if retryable(err) {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return perror.NewTimeout("sending: timeout")
		}
		return perror.NewConnectionClosed("sending: connection lost: "+err.Error(), data[:written])
	}
	return nil
}

func isClosedOrReset(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
