// Package perror defines the error taxonomy shared by every component of
// the broker: a base PyroError and the CommunicationError/NamingError/
// DaemonError families layered on top of it.
package perror

import "fmt"

// Kind identifies which branch of the taxonomy an error belongs to, so
// callers can switch on it without type-asserting every concrete type.
type Kind string

const (
	KindPyro               Kind = "PyroError"
	KindCommunication      Kind = "CommunicationError"
	KindConnectionClosed   Kind = "ConnectionClosedError"
	KindTimeout            Kind = "TimeoutError"
	KindProtocol           Kind = "ProtocolError"
	KindNaming             Kind = "NamingError"
	KindDaemon             Kind = "DaemonError"
	KindInvalidURI         Kind = "InvalidUri"
)

// Error is the base of the taxonomy. All errors returned by this module's
// packages can be type-asserted to *Error or inspected via errors.As.
type Error struct {
	kind Kind
	msg  string
	err  error // wrapped cause, if any
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, err: cause}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() Kind { return e.kind }

// Is lets errors.Is(err, perror.New(KindNaming, "")) match on kind alone,
// regardless of message, which is how callers probe for "is this a
// NamingError" without caring about the text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.kind == e.kind
}

func NewPyro(msg string) *Error { return New(KindPyro, msg) }

func NewNaming(msg string) *Error { return New(KindNaming, msg) }

func NewDaemon(msg string) *Error { return New(KindDaemon, msg) }

func NewProtocol(msg string) *Error { return New(KindProtocol, msg) }

func NewTimeout(msg string) *Error { return New(KindTimeout, msg) }

func NewInvalidURI(msg string) *Error { return New(KindInvalidURI, msg) }

// ConnectionClosedError carries the bytes successfully read before the
// connection died, so callers can log or diagnose a short read (spec
// invariant: "ConnectionClosedError.partialData equals the bytes
// successfully read before failure").
type ConnectionClosedError struct {
	*baseError
	PartialData []byte
}

// baseError lets ConnectionClosedError embed *Error under a field name
// other than "Error", so the promoted Error() method is not shadowed.
type baseError = Error

func NewConnectionClosed(msg string, partial []byte) *ConnectionClosedError {
	return &ConnectionClosedError{
		baseError:   New(KindConnectionClosed, msg),
		PartialData: partial,
	}
}

func NewCommunication(msg string) *Error { return New(KindCommunication, msg) }

// IsKind reports whether err (or something it wraps) carries the given Kind.
func IsKind(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.kind == k {
			return true
		}
		if cc, ok := err.(*ConnectionClosedError); ok && cc.kind == k {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
