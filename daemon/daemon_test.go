package daemon_test

import (
	"bytes"
	"encoding/gob"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyro-go/pyro/config"
	"github.com/pyro-go/pyro/daemon"
	"github.com/pyro-go/pyro/internal/wire"
	"github.com/pyro-go/pyro/transport"
	"github.com/pyro-go/pyro/uri"
)

// echoObject is a minimal RegisteredObject used to exercise dispatch.
type echoObject struct{}

func (echoObject) Invoke(method string, args []byte) ([]byte, error) {
	if method != "echo" {
		return nil, assertUnknownMethod(method)
	}
	return args, nil
}

type unknownMethodError string

func (e unknownMethodError) Error() string { return "unknown method: " + string(e) }

func assertUnknownMethod(method string) error { return unknownMethodError(method) }

// otherObject is a second RegisteredObject type: a value of it never equals
// a registered echoObject, so it is a handler the daemon does not know.
type otherObject struct{}

func (otherObject) Invoke(method string, args []byte) ([]byte, error) { return nil, nil }

func newTestDaemon(t *testing.T, serverType config.ServerType) *daemon.Daemon {
	t.Helper()
	cfg := config.Default()
	cfg.ServerType = serverType
	cfg.ThreadPoolMin = 1
	cfg.ThreadPoolMax = 2
	d, err := daemon.New("127.0.0.1", 0, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	running := true
	go d.RequestLoop(func() bool { return running })
	t.Cleanup(func() { running = false })
	return d
}

func TestRegisterURIForReachesObject(t *testing.T) {
	d := newTestDaemon(t, config.ServerTypeThread)

	id, err := d.Register(echoObject{}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	uriStr, err := d.URIFor(id)
	require.NoError(t, err)

	parsed, err := uri.Parse(uriStr)
	require.NoError(t, err)
	assert.Equal(t, id, parsed.Object)

	conn, err := net.Dial("tcp", d.LocationStr())
	require.NoError(t, err)
	defer conn.Close()

	req := wire.Request{Seq: 1, ObjectID: id, Method: "echo", Payload: []byte("hi")}
	require.NoError(t, wire.WriteRequest(conn, req))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, rep.Status)
	assert.Equal(t, "hi", string(rep.Payload))
}

func TestRejectsReservedIDDuplicateAndUnknownURIFor(t *testing.T) {
	d := newTestDaemon(t, config.ServerTypeThread)

	_, err := d.Register(echoObject{}, daemon.ReservedID)
	assert.Error(t, err)

	obj := echoObject{}
	_, err = d.Register(obj, "")
	require.NoError(t, err)
	_, err = d.Register(obj, "")
	assert.Error(t, err)

	_, err = d.URIFor(otherObject{})
	assert.Error(t, err)
}

func TestUnknownObjectRepliesWithDaemonErrorNotDisconnect(t *testing.T) {
	d := newTestDaemon(t, config.ServerTypeThread)

	conn, err := net.Dial("tcp", d.LocationStr())
	require.NoError(t, err)
	defer conn.Close()

	req := wire.Request{Seq: 1, ObjectID: "no-such-object", Method: "anything"}
	require.NoError(t, wire.WriteRequest(conn, req))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusError, rep.Status)

	// connection must still be usable for a subsequent request
	req2 := wire.Request{Seq: 2, ObjectID: daemon.ReservedID, Method: "ping"}
	require.NoError(t, wire.WriteRequest(conn, req2))
	rep2, err := wire.ReadReply(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, rep2.Status)
}

func TestManagementObjectPingRegisteredResolve(t *testing.T) {
	d := newTestDaemon(t, config.ServerTypeThread)
	id, err := d.Register(echoObject{}, "myobj")
	require.NoError(t, err)
	assert.Equal(t, "myobj", id)

	conn, err := net.Dial("tcp", d.LocationStr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		Seq: 1, ObjectID: daemon.ReservedID, Method: "ping",
	}))
	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, rep.Status)

	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		Seq: 2, ObjectID: daemon.ReservedID, Method: "registered",
	}))
	rep, err = wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, rep.Status)
	var ids []string
	require.NoError(t, gob.NewDecoder(bytes.NewReader(rep.Payload)).Decode(&ids))
	assert.ElementsMatch(t, []string{daemon.ReservedID, "myobj"}, ids)

	var arg bytes.Buffer
	require.NoError(t, gob.NewEncoder(&arg).Encode("myobj"))
	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		Seq: 3, ObjectID: daemon.ReservedID, Method: "resolve", Payload: arg.Bytes(),
	}))
	rep, err = wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, rep.Status)
	var resolved string
	require.NoError(t, gob.NewDecoder(bytes.NewReader(rep.Payload)).Decode(&resolved))
	assert.Equal(t, "PYRO:myobj@"+d.LocationStr(), resolved)
}

func TestFIFOOrderingOnOneConnection(t *testing.T) {
	d := newTestDaemon(t, config.ServerTypeThread)
	id, err := d.Register(echoObject{}, "")
	require.NoError(t, err)

	conn, err := net.Dial("tcp", d.LocationStr())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 5; i++ {
		req := wire.Request{Seq: uint32(i), ObjectID: id, Method: "echo", Payload: []byte{byte(i)}}
		require.NoError(t, wire.WriteRequest(conn, req))
	}
	for i := 0; i < 5; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		rep, err := wire.ReadReply(conn)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), rep.Seq)
		assert.Equal(t, []byte{byte(i)}, rep.Payload)
	}
}

func TestSocketsAndHandleRequestsDelegateToTransport(t *testing.T) {
	cfg := config.Default()
	cfg.ServerType = config.ServerTypeMultiplex
	d, err := daemon.New("127.0.0.1", 0, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	id, err := d.Register(echoObject{}, "")
	require.NoError(t, err)

	require.Len(t, d.Sockets(), 1, "no clients yet: only the listener")

	conn, err := net.Dial("tcp", d.LocationStr())
	require.NoError(t, err)
	defer conn.Close()

	d.HandleRequests(d.Sockets())

	var clientSocket transport.Socket
	require.Eventually(t, func() bool {
		sockets := d.Sockets()
		if len(sockets) != 2 {
			return false
		}
		clientSocket = sockets[1]
		return true
	}, time.Second, 10*time.Millisecond, "accepted client should appear in Sockets()")

	req := wire.Request{Seq: 1, ObjectID: id, Method: "echo", Payload: []byte("hi")}
	require.NoError(t, wire.WriteRequest(conn, req))

	d.HandleRequests([]transport.Socket{clientSocket})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, rep.Status)
	assert.Equal(t, "hi", string(rep.Payload))
}

func TestRequestLoopIsSingleUse(t *testing.T) {
	cfg := config.Default()
	d, err := daemon.New("127.0.0.1", 0, cfg, nil)
	require.NoError(t, err)

	running := true
	go d.RequestLoop(func() bool { return running })
	time.Sleep(20 * time.Millisecond)
	running = false
	time.Sleep(50 * time.Millisecond)

	err = d.RequestLoop(func() bool { return false })
	assert.Error(t, err)
}
