package nameserver_test

import (
	"bytes"
	"encoding/gob"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyro-go/pyro/config"
	"github.com/pyro-go/pyro/internal/wire"
	"github.com/pyro-go/pyro/nameserver"
	"github.com/pyro-go/pyro/registry"
	"github.com/pyro-go/pyro/resolver"
	"github.com/pyro-go/pyro/uri"
)

func startTestNS(t *testing.T, cfg config.Config, enableBroadcast bool) *nameserver.NameServer {
	t.Helper()
	ns, err := nameserver.StartNS("127.0.0.1", 0, enableBroadcast, "127.0.0.1", 0, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(ns.Close)
	running := true
	go ns.Serve(func() bool { return running })
	t.Cleanup(func() { running = false })
	time.Sleep(20 * time.Millisecond)
	return ns
}

func TestStartNSLoopbackSuppressesBroadcast(t *testing.T) {
	cfg := config.Default()
	ns := startTestNS(t, cfg, true)
	assert.Nil(t, ns.BCResponder)
}

func TestStartNSRoutableHostEnablesBroadcast(t *testing.T) {
	cfg := config.Default()
	ns, err := nameserver.StartNS("0.0.0.0", 0, true, "0.0.0.0", 0, cfg, nil)
	require.NoError(t, err)
	defer ns.Close()
	assert.NotNil(t, ns.BCResponder)
	assert.NotEmpty(t, ns.BCResponder.LocationStr())
}

func TestDottedNamesGuardRefusesStartup(t *testing.T) {
	cfg := config.Default()
	cfg.DottedNames = true
	_, err := nameserver.StartNS("127.0.0.1", 0, false, "", 0, cfg, nil)
	assert.Error(t, err)
}

func TestRegisterAndLookupViaRegistry(t *testing.T) {
	cfg := config.Default()
	ns := startTestNS(t, cfg, false)

	require.NoError(t, ns.Registry.Register("a.b", "PYRO:55555@h.c:4444"))
	u, err := ns.Registry.Lookup("a.b")
	require.NoError(t, err)
	assert.Equal(t, "55555", u.Object)
	assert.Equal(t, "h.c", u.Host)
	assert.Equal(t, uint16(4444), u.Port)

	err = ns.Registry.Register("a.b", "PYRO:x@y:1")
	assert.Error(t, err)
}

func TestListPrefixScenario(t *testing.T) {
	cfg := config.Default()
	ns := startTestNS(t, cfg, false)

	require.NoError(t, ns.Registry.Register("a.b", "PYRO:55555@h.c:4444"))
	require.NoError(t, ns.Registry.Register("other", "PYRO:1@x:1"))

	listed, err := ns.Registry.List(registry.ListOpts{Prefix: "a."})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.b": "PYRO:55555@h.c:4444"}, listed)
}

func TestStatsReflectsRegistryAndObjectCounts(t *testing.T) {
	cfg := config.Default()
	ns := startTestNS(t, cfg, false)

	before := ns.Stats()
	assert.Equal(t, 0, before.Names)
	assert.Equal(t, 2, before.Objects, "the daemon's management object and the registry's own wire object")

	require.NoError(t, ns.Registry.Register("a.b", "PYRO:55555@h.c:4444"))
	require.NoError(t, ns.Registry.Register("c.d", "PYRO:1@x:1"))

	after := ns.Stats()
	assert.Equal(t, 2, after.Names)
	assert.Equal(t, 2, after.Objects)
}

func TestStatsReachableOverTheWire(t *testing.T) {
	cfg := config.Default()
	ns := startTestNS(t, cfg, false)
	require.NoError(t, ns.Registry.Register("a.b", "PYRO:55555@h.c:4444"))

	conn, err := net.Dial("tcp", ns.Daemon.LocationStr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		Seq: 1, ObjectID: resolver.NameServerObjectID, Method: "stats",
	}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, rep.Status)

	var got nameserver.Stats
	require.NoError(t, gob.NewDecoder(bytes.NewReader(rep.Payload)).Decode(&got))
	assert.Equal(t, 1, got.Names)
	assert.Equal(t, 2, got.Objects)
}

func TestBroadcastDiscoveryRoundTrip(t *testing.T) {
	cfg := config.Default()
	ns, err := nameserver.StartNS("0.0.0.0", 0, true, "0.0.0.0", 0, cfg, nil)
	require.NoError(t, err)
	defer ns.Close()
	require.NotNil(t, ns.BCResponder)
	go ns.BCResponder.Serve()

	addr, err := net.ResolveUDPAddr("udp", ns.BCResponder.LocationStr())
	require.NoError(t, err)
	client, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("GET_NSURI"))
	require.NoError(t, err)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(700*time.Millisecond)))
	buf := make([]byte, 100)
	n, err := client.Read(buf)
	require.NoError(t, err)

	parsed, err := uri.Parse(string(buf[:n]))
	require.NoError(t, err)
	assert.Equal(t, "Pyro.NameServer", parsed.Object)
}
