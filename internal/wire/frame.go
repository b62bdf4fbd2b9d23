// Package wire implements the fixed-header request/reply frame protocol.
// The payload itself is an opaque byte buffer -- codec choice is a caller
// concern (the daemon boundary picks encoding/gob, but this package never
// looks inside the payload).
//
// Frame layout mirrors Pyro4's constants.py magic/version pair combined
// with a conventional RPC envelope shape: sequence number, length-prefixed
// object id and method, then an opaque payload.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"net"

	"github.com/pyro-go/pyro/perror"
	"github.com/pyro-go/pyro/sockutil"
)

// Magic identifies the protocol on the wire; chosen to match Pyro4's
// constants.py MSG_CONNECT-style 4 byte magic ("PYRO" itself, distinct from
// the URI scheme token it also happens to spell).
var Magic = [4]byte{'P', 'Y', 'R', 'O'}

// Version must match between peers; a mismatch is a ProtocolError.
const Version uint16 = 1

// Flags bits.
const (
	FlagNone   uint16 = 0
	FlagOneway uint16 = 1 << 0
)

// Status distinguishes successful replies from remote errors and
// one-way acknowledgements.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	StatusOnewayAck
)

// TracebackAttr is the reserved attribute name for a remote error's textual
// traceback. The gob-encoded RemoteError payload does not use it as a key:
// the traceback travels in the RemoteError.Traceback field.
const TracebackAttr = "_pyroTraceback"

// Request is one framed call: header fields plus an opaque payload.
type Request struct {
	Seq      uint32
	ObjectID string
	Method   string
	Flags    uint16
	Payload  []byte
}

// Reply is one framed response.
type Reply struct {
	Seq     uint32
	Status  Status
	Payload []byte
}

const fixedHeaderLen = 4 + 2 + 2 + 4 // magic + version + flags + payload length

// EncodeRequest serializes req into the wire format: fixed header followed
// by seq, length-prefixed object id, length-prefixed method, then payload.
func EncodeRequest(req Request) []byte {
	var body bytes.Buffer
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], req.Seq)
	body.Write(seqBuf[:])
	writeLPString(&body, req.ObjectID)
	writeLPString(&body, req.Method)
	body.Write(req.Payload)

	return encodeFrame(req.Flags, body.Bytes())
}

// EncodeReply serializes a Reply.
func EncodeReply(rep Reply) []byte {
	var body bytes.Buffer
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], rep.Seq)
	body.Write(seqBuf[:])
	body.WriteByte(byte(rep.Status))
	body.Write(rep.Payload)

	return encodeFrame(FlagNone, body.Bytes())
}

func encodeFrame(flags uint16, body []byte) []byte {
	buf := make([]byte, fixedHeaderLen+len(body))
	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint16(buf[6:8], flags)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	copy(buf[fixedHeaderLen:], body)
	return buf
}

func writeLPString(b *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	b.Write(lenBuf[:])
	b.WriteString(s)
}

func readLPString(b *bytes.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := b.Read(lenBuf[:]); err != nil {
		return "", perror.NewProtocol("truncated length-prefixed string")
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	strBuf := make([]byte, n)
	if _, err := b.Read(strBuf); err != nil {
		return "", perror.NewProtocol("truncated length-prefixed string body")
	}
	return string(strBuf), nil
}

// readHeader reads and validates the fixed header off conn, returning the
// flags and payload(body) length to read next.
func readHeader(conn net.Conn) (flags uint16, bodyLen uint32, err error) {
	hdr, err := sockutil.RecvExact(conn, fixedHeaderLen)
	if err != nil {
		return 0, 0, err
	}
	if !bytes.Equal(hdr[0:4], Magic[:]) {
		return 0, 0, perror.NewProtocol("bad magic")
	}
	version := binary.BigEndian.Uint16(hdr[4:6])
	if version != Version {
		return 0, 0, perror.NewProtocol("protocol version mismatch")
	}
	flags = binary.BigEndian.Uint16(hdr[6:8])
	bodyLen = binary.BigEndian.Uint32(hdr[8:12])
	return flags, bodyLen, nil
}

// ReadRequest blocks until a full request frame has been read off conn.
func ReadRequest(conn net.Conn) (Request, error) {
	flags, bodyLen, err := readHeader(conn)
	if err != nil {
		return Request{}, err
	}
	body, err := sockutil.RecvExact(conn, int(bodyLen))
	if err != nil {
		return Request{}, err
	}
	r := bytes.NewReader(body)
	var seqBuf [4]byte
	if _, err := r.Read(seqBuf[:]); err != nil {
		return Request{}, perror.NewProtocol("truncated request sequence")
	}
	seq := binary.BigEndian.Uint32(seqBuf[:])
	objectID, err := readLPString(r)
	if err != nil {
		return Request{}, err
	}
	method, err := readLPString(r)
	if err != nil {
		return Request{}, err
	}
	payload := make([]byte, r.Len())
	_, _ = r.Read(payload)
	return Request{Seq: seq, ObjectID: objectID, Method: method, Flags: flags, Payload: payload}, nil
}

// ReadReply blocks until a full reply frame has been read off conn.
func ReadReply(conn net.Conn) (Reply, error) {
	_, bodyLen, err := readHeader(conn)
	if err != nil {
		return Reply{}, err
	}
	body, err := sockutil.RecvExact(conn, int(bodyLen))
	if err != nil {
		return Reply{}, err
	}
	if len(body) < 5 {
		return Reply{}, perror.NewProtocol("truncated reply body")
	}
	seq := binary.BigEndian.Uint32(body[0:4])
	status := Status(body[4])
	payload := body[5:]
	return Reply{Seq: seq, Status: status, Payload: payload}, nil
}

// WriteRequest/WriteReply send a frame in full, or a CommunicationError.
func WriteRequest(conn net.Conn, req Request) error {
	return sockutil.SendAll(conn, EncodeRequest(req))
}

func WriteReply(conn net.Conn, rep Reply) error {
	return sockutil.SendAll(conn, EncodeReply(rep))
}

// RemoteError is the gob-encoded shape of a StatusError reply payload: the
// originating error's Kind, its message, and a textual traceback in the
// Traceback field.
type RemoteError struct {
	Kind      string
	Message   string
	Traceback string
}

// EncodeError serializes err as a StatusError reply payload.
func EncodeError(err error) []byte {
	re := RemoteError{Message: err.Error(), Traceback: err.Error()}
	if pe, ok := err.(*perror.Error); ok {
		re.Kind = string(pe.Kind())
	}
	var buf bytes.Buffer
	if encErr := gob.NewEncoder(&buf).Encode(re); encErr != nil {
		return nil
	}
	return buf.Bytes()
}

// DecodeError parses a StatusError reply payload back into a RemoteError,
// or a ProtocolError if the payload is not well formed.
func DecodeError(payload []byte) (RemoteError, error) {
	var re RemoteError
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&re); err != nil {
		return RemoteError{}, perror.NewProtocol("malformed remote error payload")
	}
	return re, nil
}

// AsError turns a RemoteError back into a *perror.Error, preserving the
// Kind the remote side reported when it is one this taxonomy knows.
func (re RemoteError) AsError() error {
	kind := perror.Kind(re.Kind)
	switch kind {
	case perror.KindPyro, perror.KindCommunication, perror.KindConnectionClosed,
		perror.KindTimeout, perror.KindProtocol, perror.KindNaming, perror.KindDaemon,
		perror.KindInvalidURI:
		return perror.New(kind, re.Message)
	default:
		return perror.NewPyro(re.Message)
	}
}
