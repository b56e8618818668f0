package engine

import (
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/sentinel/events"
	"github.com/sentineld/sentinel/protocol"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	port := freePort(t)
	e, err := New(dir, port)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e
}

func TestNewCreatesIdentityAndStore(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)

	e, err := New(dir, port)
	require.NoError(t, err)
	defer e.Shutdown()

	assert.NotEmpty(t, e.Identity.NodeID())
	assert.FileExists(t, filepath.Join(dir, "identity.key"))
	assert.FileExists(t, filepath.Join(dir, "storage.db"))
}

func TestTwoEnginesHandshakeAndChat(t *testing.T) {
	serverDir, clientDir := t.TempDir(), t.TempDir()
	serverPort, clientPort := freePort(t), freePort(t)

	server, err := New(serverDir, serverPort)
	require.NoError(t, err)
	defer server.Shutdown()

	client, err := New(clientDir, clientPort)
	require.NoError(t, err)
	defer client.Shutdown()

	go server.Run()
	time.Sleep(100 * time.Millisecond)

	serverAddr := fmt.Sprintf("127.0.0.1:%d", serverPort)
	require.NoError(t, dialDirect(client, serverAddr))

	// Wait for both sides to register the connection and exchange the
	// handshake.
	require.Eventually(t, func() bool {
		return len(server.Peers()) == 1 && len(client.Peers()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	chat := protocol.NewEnvelope(client.Identity.NodeID(), protocol.ChatContent{Text: "hello sentinel"})
	client.Broadcast(chat)

	require.Eventually(t, func() bool {
		history, err := server.History(10)
		return err == nil && len(history) == 1
	}, 2*time.Second, 20*time.Millisecond)

	history, err := server.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	chatContent, ok := history[0].Content.(protocol.ChatContent)
	require.True(t, ok)
	assert.Equal(t, "hello sentinel", chatContent.Text)
}

// dialDirect dials the server through DialPeer's normal path: a punch
// attempt from the client's listen port, with a plain dial as fallback.
// On loopback either one reaches the server.
func dialDirect(e *Engine, addr string) error {
	return e.DialPeer(addr)
}

func TestChatPingNotPersisted(t *testing.T) {
	e := newTestEngine(t)

	peer := newPeerConn("127.0.0.1:1", &discardConn{})
	e.handleIncoming(peer, protocol.NewEnvelope("other-node", protocol.ChatContent{Text: "PING"}))

	history, err := e.History(10)
	require.NoError(t, err)
	assert.Len(t, history, 0)
}

func TestDedupDropsRepeatedEnvelopeID(t *testing.T) {
	e := newTestEngine(t)
	peer := newPeerConn("127.0.0.1:1", &discardConn{})

	env := protocol.NewEnvelope("other-node", protocol.ChatContent{Text: "only once"})
	e.handleIncoming(peer, env)
	e.handleIncoming(peer, env)

	history, err := e.History(10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestForgedSignatureRejected(t *testing.T) {
	e := newTestEngine(t)
	other := newTestEngine(t)

	peer := newPeerConn("127.0.0.1:1", &discardConn{})
	env := protocol.NewEnvelope(other.Identity.NodeID(), protocol.ChatContent{Text: "forged"})
	env.PublicKey = other.Identity.PublicKeyBytes()
	hash, err := env.SigHash()
	require.NoError(t, err)
	// Sign with the wrong key: e's key instead of other's.
	env.Signature = e.Identity.Sign(hash)

	e.handleIncoming(peer, env)

	history, err := e.History(10)
	require.NoError(t, err)
	assert.Len(t, history, 0)
}

func TestEvictStalePeers(t *testing.T) {
	e := newTestEngine(t)

	peer := newPeerConn("127.0.0.1:1", &discardConn{})
	peer.setIdentity("stale-node", "stale")
	peer.mu.Lock()
	peer.lastSeen = time.Now().Add(-2 * PeerTimeout)
	peer.mu.Unlock()

	e.peersMu.Lock()
	e.peers["127.0.0.1:1"] = peer
	e.peersMu.Unlock()

	e.evictStalePeers()

	e.peersMu.Lock()
	_, exists := e.peers["127.0.0.1:1"]
	e.peersMu.Unlock()
	assert.False(t, exists)

	select {
	case ev := <-e.Events:
		assert.Equal(t, events.PeerDisconnected, ev.Kind)
		assert.Equal(t, "stale-node", ev.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected a PeerDisconnected event on stale eviction")
	}
}

func TestDedupIsAtomicUnderConcurrency(t *testing.T) {
	e := newTestEngine(t)
	peer := newPeerConn("127.0.0.1:1", &discardConn{})

	env := protocol.NewEnvelope("other-node", protocol.ChatContent{Text: "race"})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.handleIncoming(peer, env)
		}()
	}
	wg.Wait()

	history, err := e.History(10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestGossipSkippedWhenNoPeers(t *testing.T) {
	e := newTestEngine(t)
	assert.Empty(t, e.snapshotPeerInfo())
}

func TestEventsEmittedOnHandshake(t *testing.T) {
	e := newTestEngine(t)
	peer := newPeerConn("127.0.0.1:1", &discardConn{})

	e.handleIncoming(peer, protocol.NewEnvelope("remote-node", protocol.HandshakeContent{
		PublicKey: []byte{1, 2, 3},
		NodeName:  "remote",
	}))

	select {
	case ev := <-e.Events:
		assert.Equal(t, events.PeerConnected, ev.Kind)
		assert.Equal(t, "remote-node", ev.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected a PeerConnected event")
	}
}

// discardConn is a no-op net.Conn stand-in for tests that exercise
// handleIncoming directly without a real socket.
type discardConn struct{ net.Conn }

func (discardConn) Read(b []byte) (int, error)  { return 0, nil }
func (discardConn) Write(b []byte) (int, error) { return len(b), nil }
func (discardConn) Close() error                { return nil }
