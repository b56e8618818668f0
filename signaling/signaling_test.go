package signaling

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/sentinel/protocol"
)

func TestDirectoryRegisterLookupDeregister(t *testing.T) {
	dir := NewDirectory()
	dir.register("node-a", "1.2.3.4:9000")

	addr, ok := dir.lookup("node-a")
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4:9000", addr)

	dir.deregister("node-a")
	_, ok = dir.lookup("node-a")
	assert.False(t, ok)
}

func TestDirectoryServeRegisterAndLookup(t *testing.T) {
	dir := NewDirectory()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go dir.handleConn(conn)
		}
	}()

	// Node B registers.
	connB, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer connB.Close()
	codecB := protocol.NewCodec(connB)
	require.NoError(t, codecB.WriteEnvelope(protocol.NewSignalEnvelope("node-b", protocol.RegisterSignal{
		NodeID: "node-b",
	})))

	time.Sleep(100 * time.Millisecond) // let the server process registration

	// Node A registers, then looks up node-b.
	connA, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer connA.Close()
	codecA := protocol.NewCodec(connA)
	require.NoError(t, codecA.WriteEnvelope(protocol.NewSignalEnvelope("node-a", protocol.RegisterSignal{
		NodeID: "node-a",
	})))
	require.NoError(t, codecA.WriteEnvelope(protocol.NewSignalEnvelope("node-a", protocol.LookupRequestSignal{
		TargetID: "node-b",
	})))

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	response, err := codecA.ReadEnvelope()
	require.NoError(t, err)

	signal, ok := response.Content.(protocol.SignalContent)
	require.True(t, ok)
	peerResp, ok := signal.Signal.(protocol.PeerResponseSignal)
	require.True(t, ok)
	assert.Equal(t, "node-b", peerResp.PeerID)
	assert.NotEmpty(t, peerResp.PublicAddr)
}

func TestDirectoryServeLookupMissingReturnsError(t *testing.T) {
	dir := NewDirectory()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go dir.handleConn(conn)
		}
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	codec := protocol.NewCodec(conn)
	require.NoError(t, codec.WriteEnvelope(protocol.NewSignalEnvelope("node-a", protocol.RegisterSignal{
		NodeID: "node-a",
	})))
	require.NoError(t, codec.WriteEnvelope(protocol.NewSignalEnvelope("node-a", protocol.LookupRequestSignal{
		TargetID: "node-ghost",
	})))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	response, err := codec.ReadEnvelope()
	require.NoError(t, err)

	signal, ok := response.Content.(protocol.SignalContent)
	require.True(t, ok)
	_, ok = signal.Signal.(protocol.ErrorSignal)
	assert.True(t, ok)
}

func TestClientRegistersAndReceivesPeerResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverConn := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			serverConn <- conn
		}
	}()

	outbound := make(chan protocol.Envelope, 1)
	received := make(chan string, 1)
	client := NewClient(ln.Addr().String(), "node-a", []byte{1, 2, 3}, outbound, func(addr string) {
		received <- addr
	})
	go client.Run()
	defer client.Stop()

	var conn net.Conn
	select {
	case conn = <-serverConn:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted client connection")
	}
	defer conn.Close()

	codec := protocol.NewCodec(conn)
	registerEnv, err := codec.ReadEnvelope()
	require.NoError(t, err)
	signal := registerEnv.Content.(protocol.SignalContent)
	reg, ok := signal.Signal.(protocol.RegisterSignal)
	require.True(t, ok)
	assert.Equal(t, "node-a", reg.NodeID)

	require.NoError(t, codec.WriteEnvelope(protocol.NewSignalEnvelope("directory", protocol.PeerResponseSignal{
		PeerID:     "node-b",
		PublicAddr: "5.6.7.8:9999",
	})))

	select {
	case addr := <-received:
		assert.Equal(t, "5.6.7.8:9999", addr)
	case <-time.After(2 * time.Second):
		t.Fatal("onResponse never invoked")
	}
}
